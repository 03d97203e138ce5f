package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ContextKeyOperator = "operator"
	ContextKeyClaims   = "operator_claims"
)

// Middleware requires a valid operator token. A nil manager lets every
// request through as "anonymous".
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtManager == nil {
			c.Set(ContextKeyOperator, "anonymous")
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abort(c, http.StatusUnauthorized, ErrUnauthorized, "bearer token required")
			return
		}

		claims, err := jwtManager.ValidateToken(token)
		if err != nil {
			var authErr AuthError
			if !errors.As(err, &authErr) {
				authErr = ErrInvalidToken
			}
			abort(c, http.StatusUnauthorized, authErr, authErr.Message)
			return
		}
		if !claims.CanOperate() {
			abort(c, http.StatusForbidden, ErrForbidden, ErrForbidden.Message)
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// Operator returns the authenticated operator name, or fallback
func Operator(c *gin.Context, fallback string) string {
	if v, ok := c.Get(ContextKeyOperator); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// bearerToken extracts the token from an "Authorization: Bearer <token>" value
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func abort(c *gin.Context, status int, e AuthError, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   true,
		"code":    e.Code,
		"message": message,
	})
}
