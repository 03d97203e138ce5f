package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const audience = "control-core-api"

// JWTManager signs and verifies HS256 operator tokens
type JWTManager struct {
	secret        []byte
	issuer        string
	tokenDuration time.Duration
	now           func() time.Time
}

// Claims is the token payload
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret, issuer string, tokenDuration time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "trading-control-core"
	}
	return &JWTManager{
		secret:        []byte(secret),
		issuer:        issuer,
		tokenDuration: tokenDuration,
		now:           time.Now,
	}
}

// GenerateToken signs a token for an operator
func (m *JWTManager) GenerateToken(claims OperatorClaims) (string, error) {
	if claims.Operator == "" {
		return "", fmt.Errorf("operator name is required")
	}
	if claims.Role == "" {
		claims.Role = RoleOperator
	}

	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Audience:  []string{audience},
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (m *JWTManager) key(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return m.secret, nil
}

// ValidateToken checks signature, issuer, audience and expiry. Expired tokens
// return ErrTokenExpired; every other failure is ErrInvalidToken.
func (m *JWTManager) ValidateToken(raw string) (*OperatorClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, m.key)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil, !token.Valid:
		return nil, ErrInvalidToken
	}
	return &claims.OperatorClaims, nil
}

// TokenDuration returns how long issued tokens stay valid
func (m *JWTManager) TokenDuration() time.Duration {
	return m.tokenDuration
}
