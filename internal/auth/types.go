// Package auth issues and verifies operator tokens for the mutating
// emergency routes.
package auth

// Operator roles
const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// OperatorClaims identifies who is acting on the control core
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// CanOperate reports whether the claims may trigger or resolve stops
func (c OperatorClaims) CanOperate() bool {
	return c.Role == RoleOperator
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "operator role required"}
)
