package identity

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"
)

// tokenVerifier is the part of *auth.Client the provider uses.
type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	RevokeRefreshTokens(ctx context.Context, uid string) error
}

// FirebaseProvider verifies Firebase Authentication ID tokens.
type FirebaseProvider struct {
	client tokenVerifier
}

func NewFirebaseProvider(client *auth.Client) *FirebaseProvider {
	return &FirebaseProvider{client: client}
}

func (p *FirebaseProvider) Name() string { return "firebase" }

func (p *FirebaseProvider) Verify(ctx context.Context, idToken string) (Identity, error) {
	if idToken == "" {
		return Identity{}, ErrInvalidToken
	}
	token, err := p.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		if auth.IsIDTokenExpired(err) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Identity{
		UID:         token.UID,
		DisplayName: claimString(token.Claims, "name"),
		Email:       claimString(token.Claims, "email"),
		PhotoURL:    claimString(token.Claims, "picture"),
	}, nil
}

func (p *FirebaseProvider) Revoke(ctx context.Context, uid string) error {
	if err := p.client.RevokeRefreshTokens(ctx, uid); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}

func claimString(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}
