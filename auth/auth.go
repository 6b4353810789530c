// Package auth keeps the caller's bearer token and user record and validates them
// against the identity endpoint.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"examprep-server/logger"
	"examprep-server/models"
)

// ErrNotLoggedIn is returned by operations that need stored credentials.
var ErrNotLoggedIn = errors.New("not logged in")

// Identity is the part of the API the provider talks to.
type Identity interface {
	Me(ctx context.Context, token string) (*models.User, error)
	Login(ctx context.Context, in models.UserLogin) (*models.TokenResponse, error)
	Register(ctx context.Context, in models.UserRegister) (*models.TokenResponse, error)
}

// Credentials are persisted together so token and user never diverge.
type Credentials struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// CredentialStore persists one credential pair. Load returns (nil, nil) when empty.
type CredentialStore interface {
	Load(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// Provider holds the current identity. It is authenticated only while both a
// token and a user are present.
type Provider struct {
	client Identity
	store  CredentialStore
	log    *logrus.Entry
	now    func() time.Time

	mu    sync.RWMutex
	token string
	user  *models.User
}

func NewProvider(client Identity, store CredentialStore, log *logrus.Entry) *Provider {
	if log == nil {
		log = logger.Discard()
	}
	return &Provider{client: client, store: store, log: log, now: time.Now}
}

func (p *Provider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// User returns a copy of the current user, or nil.
func (p *Provider) User() *models.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.user == nil {
		return nil
	}
	u := *p.user
	return &u
}

func (p *Provider) IsAuthenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token != "" && p.user != nil
}

// Restore loads stored credentials for immediate use, then re-validates the token.
// Any validation failure clears the stored credentials.
func (p *Provider) Restore(ctx context.Context) error {
	creds, err := p.store.Load(ctx)
	if err != nil {
		p.log.WithError(err).Warn("discarding unreadable credentials")
		p.forget(ctx)
		return nil
	}
	if creds == nil || creds.Token == "" {
		return nil
	}
	if TokenExpired(creds.Token, p.now()) {
		p.log.Info("stored token has expired")
		p.forget(ctx)
		return nil
	}
	p.set(creds.Token, creds.User)

	user, err := p.client.Me(ctx, creds.Token)
	if err != nil {
		p.log.WithError(err).Warn("stored token rejected")
		p.forget(ctx)
		return fmt.Errorf("session could not be restored: %w", err)
	}
	if err := p.store.Save(ctx, Credentials{Token: creds.Token, User: *user}); err != nil {
		p.log.WithError(err).Warn("failed to refresh stored user")
	}
	p.set(creds.Token, *user)
	return nil
}

// Login exchanges credentials for a token and persists token and user together.
func (p *Provider) Login(ctx context.Context, phone, password string) (*models.User, error) {
	res, err := p.client.Login(ctx, models.UserLogin{Phone: phone, Password: password})
	if err != nil {
		return nil, err
	}
	return p.adopt(ctx, res)
}

// Register creates an account and logs in with it.
func (p *Provider) Register(ctx context.Context, phone, password, name string) (*models.User, error) {
	res, err := p.client.Register(ctx, models.UserRegister{Phone: phone, Password: password, Name: name})
	if err != nil {
		return nil, err
	}
	return p.adopt(ctx, res)
}

// Logout clears the token and user from memory and storage.
func (p *Provider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.token = ""
	p.user = nil
	p.mu.Unlock()
	if err := p.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (p *Provider) adopt(ctx context.Context, res *models.TokenResponse) (*models.User, error) {
	if res.AccessToken == "" {
		return nil, errors.New("login response carried no token")
	}
	if err := p.store.Save(ctx, Credentials{Token: res.AccessToken, User: res.User}); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}
	p.set(res.AccessToken, res.User)
	p.log.WithField("user_id", res.User.ID).Info("logged in")
	u := res.User
	return &u, nil
}

func (p *Provider) set(token string, user models.User) {
	p.mu.Lock()
	p.token = token
	p.user = &user
	p.mu.Unlock()
}

func (p *Provider) forget(ctx context.Context) {
	p.mu.Lock()
	p.token = ""
	p.user = nil
	p.mu.Unlock()
	if err := p.store.Clear(ctx); err != nil {
		p.log.WithError(err).Warn("failed to clear credentials")
	}
}

// TokenExpired reports whether token is a JWT whose exp claim lies before now.
// Tokens that are not JWTs, or carry no exp, are left to the server to judge.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
