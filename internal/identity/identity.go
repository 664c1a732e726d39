// Package identity verifies provider tokens and manages API sessions.
package identity

import (
	"context"
	"errors"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("expired token")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrSessionNotFound    = errors.New("session not found or expired")
)

// Identity is the authenticated user as the rest of the service sees it.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoURL    string `json:"photoURL"`
}

// Provider turns a provider-issued ID token into an Identity.
type Provider interface {
	Name() string
	Verify(ctx context.Context, idToken string) (Identity, error)
}

// Revoker is implemented by providers that can invalidate the user's
// refresh tokens on sign-out.
type Revoker interface {
	Revoke(ctx context.Context, uid string) error
}
