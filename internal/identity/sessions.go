package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
)

// Session is an issued API session. Token is only ever returned here.
type Session struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Manager exchanges provider tokens for API sessions.
type Manager struct {
	provider Provider
	sessions SessionStore
	db       docdb.Store
	ttl      time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewManager(provider Provider, sessions SessionStore, db docdb.Store, ttl time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		provider: provider,
		sessions: sessions,
		db:       db,
		ttl:      ttl,
		log:      logger,
		now:      time.Now,
	}
}

func (m *Manager) Provider() Provider {
	return m.provider
}

// SignIn verifies idToken, refreshes the user's identity record and
// issues a session.
func (m *Manager) SignIn(ctx context.Context, idToken string) (Session, error) {
	id, err := m.provider.Verify(ctx, idToken)
	if err != nil {
		return Session{}, err
	}

	err = m.db.Set(ctx, store.UserPath(id.UID), docdb.Data{
		"uid":         id.UID,
		"displayName": id.DisplayName,
		"photoURL":    id.PhotoURL,
		"email":       id.Email,
		"lastLoginAt": docdb.ServerTimestamp,
	})
	if err != nil {
		return Session{}, fmt.Errorf("upsert user: %w", err)
	}

	token, err := generateToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}
	now := m.now()
	data := SessionData{
		UID:         id.UID,
		DisplayName: id.DisplayName,
		Email:       id.Email,
		PhotoURL:    id.PhotoURL,
		Provider:    m.provider.Name(),
		CreatedAt:   now,
	}
	if err := m.sessions.Save(ctx, HashToken(token), data, m.ttl); err != nil {
		return Session{}, err
	}
	return Session{Token: token, Identity: id, ExpiresAt: now.Add(m.ttl)}, nil
}

// Current resolves a session token.
func (m *Manager) Current(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	data, err := m.sessions.Lookup(ctx, HashToken(token))
	if errors.Is(err, ErrSessionNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	return data.Identity(), nil
}

// SignOut revokes the session. Provider-side revocation is best-effort.
func (m *Manager) SignOut(ctx context.Context, token string) error {
	hash := HashToken(token)
	data, err := m.sessions.Lookup(ctx, hash)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.sessions.Revoke(ctx, hash); err != nil {
		return err
	}
	if r, ok := m.provider.(Revoker); ok {
		if err := r.Revoke(ctx, data.UID); err != nil {
			m.log.Warn().Err(err).Str("uid", data.UID).Msg("provider revoke failed")
		}
	}
	return nil
}
