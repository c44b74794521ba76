package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Tokens identify pipeline operators, not tenant end users; tenant
// scoping of admin actions is carried in request paths and checked
// against persistence, never taken from the token.
type Claims struct {
	jwt.RegisteredClaims

	OperatorID string    `json:"operator_id"`
	Role       string    `json:"role"`
	TokenType  TokenType `json:"token_type"`
}
