package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// Claims are the JWT claims the client reads from its access token. The
// token is verified by the server; the client only needs the user id and
// the expiry.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	UserID   string   `json:"oid"`
	jwt.RegisteredClaims
}

// TokenSource fetches a raw JWT. forceRefresh asks the source to bypass its
// own cache.
type TokenSource func(ctx context.Context, forceRefresh bool) (string, error)

// StaticTokenSource always returns token.
func StaticTokenSource(token string) TokenSource {
	return func(context.Context, bool) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	}
}

// JWTCredentialsProvider caches a JWT from a TokenSource until it expires or
// is invalidated. Concurrent fetches are collapsed into one.
type JWTCredentialsProvider struct {
	source TokenSource
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu           sync.Mutex
	token        *Token
	expiresAt    time.Time
	forceRefresh bool
	user         User
	listener     func(User)
}

var _ CredentialsProvider = (*JWTCredentialsProvider)(nil)

// NewJWTCredentialsProvider creates a provider. The initial user is taken
// from the first token fetched.
func NewJWTCredentialsProvider(source TokenSource, logger *slog.Logger) *JWTCredentialsProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTCredentialsProvider{
		source: source,
		logger: logger.With("component", "jwt-credentials"),
		now:    time.Now,
	}
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
func ParseClaims(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// UserFromClaims returns the principal named by claims.
func UserFromClaims(c *Claims) User {
	if c.UserID != "" {
		return User{UID: c.UserID}
	}
	return User{UID: c.Subject}
}

func (p *JWTCredentialsProvider) GetToken(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	if p.token != nil && !p.forceRefresh && (p.expiresAt.IsZero() || p.now().Before(p.expiresAt)) {
		tok := *p.token
		p.mu.Unlock()
		return &tok, nil
	}
	force := p.forceRefresh
	p.mu.Unlock()

	v, err, _ := p.group.Do("token", func() (interface{}, error) {
		return p.fetch(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	tok := *(v.(*Token))
	return &tok, nil
}

func (p *JWTCredentialsProvider) fetch(ctx context.Context, force bool) (*Token, error) {
	raw, err := p.source(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token: %w", err)
	}
	claims, err := ParseClaims(raw)
	if err != nil {
		return nil, err
	}
	user := UserFromClaims(claims)
	token := &Token{Value: raw, User: user}

	p.mu.Lock()
	p.token = token
	p.forceRefresh = false
	p.expiresAt = time.Time{}
	if claims.ExpiresAt != nil {
		p.expiresAt = claims.ExpiresAt.Time
	}
	changed := p.user != user
	p.user = user
	listener := p.listener
	p.mu.Unlock()

	if changed {
		p.logger.Info("Credential user changed", "user", user.String())
		if listener != nil {
			listener(user)
		}
	}
	return token, nil
}

func (p *JWTCredentialsProvider) InvalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceRefresh = true
}

// SetChangeListener registers fn and calls it with the current user.
func (p *JWTCredentialsProvider) SetChangeListener(fn func(User)) {
	p.mu.Lock()
	p.listener = fn
	user := p.user
	p.mu.Unlock()
	if fn != nil {
		fn(user)
	}
}

// SetTokenSource swaps the token source, e.g. after sign-in, and refetches
// so listeners see the new user.
func (p *JWTCredentialsProvider) SetTokenSource(ctx context.Context, source TokenSource) error {
	p.mu.Lock()
	p.source = source
	p.token = nil
	p.mu.Unlock()
	_, err := p.GetToken(ctx)
	return err
}
