package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles the upstream identity provider can assert.
const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// AccessTokenClaims is the typed JWT the auth service issues. This service
// only verifies and reads it; minting lives upstream.
type AccessTokenClaims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
	jwt.RegisteredClaims
}
