package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pixpick/api/internal/docdb"
	"pixpick/api/internal/store"
	"pixpick/api/internal/util"
)

const localProviderName = "local"

// LocalProvider keeps email/password accounts in the document store and
// issues its own short-lived ID tokens.
type LocalProvider struct {
	db     docdb.Store
	secret []byte
	now    func() time.Time
}

func NewLocalProvider(db docdb.Store, secret string) *LocalProvider {
	return &LocalProvider{db: db, secret: []byte(secret), now: time.Now}
}

func (p *LocalProvider) Name() string { return localProviderName }

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates an account and returns its uid.
func (p *LocalProvider) SignUp(ctx context.Context, req SignUpRequest) (string, error) {
	email := normalizeEmail(req.Email)
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || name == "" {
		return "", errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}

	if _, err := p.accountByEmail(ctx, email); err == nil {
		return "", ErrEmailTaken
	} else if !errors.Is(err, docdb.ErrNotFound) {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	uid := util.NewID("")
	err = p.db.Set(ctx, store.AccountPath(uid), docdb.Data{
		"email":        email,
		"passwordHash": string(hash),
		"displayName":  name,
		"createdAt":    docdb.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return uid, nil
}

// SignIn checks the password and returns an ID token for Verify.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	account, err := p.accountByEmail(ctx, email)
	if errors.Is(err, docdb.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return issueIDToken(p.secret, Identity{
		UID:         account.UID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
	}, p.now())
}

func (p *LocalProvider) Verify(ctx context.Context, idToken string) (Identity, error) {
	claims, err := parseIDToken(p.secret, idToken, p.now)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UID:         claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
	}, nil
}

func (p *LocalProvider) accountByEmail(ctx context.Context, email string) (store.Account, error) {
	docs, err := p.db.Query(ctx, docdb.Collection(store.Accounts).Where("email", docdb.OpEqual, email).Take(1))
	if err != nil {
		return store.Account{}, fmt.Errorf("lookup account: %w", err)
	}
	if len(docs) == 0 {
		return store.Account{}, docdb.ErrNotFound
	}
	return store.AccountFromDoc(docs[0]), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
