package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken is returned by token sources that have no credentials to give.
var ErrNoToken = errors.New("no token available")

// Token is a bearer token for one user.
type Token struct {
	Value string
	User  User
}

// CredentialsProvider supplies tokens to the remote streams.
type CredentialsProvider interface {
	// GetToken returns a token for the current user, or nil when the client
	// is unauthenticated. After InvalidateToken the next call must not return
	// a cached token.
	GetToken(ctx context.Context) (*Token, error)
	// InvalidateToken marks the current token as rejected by the server.
	InvalidateToken()
	// SetChangeListener registers fn to be called with the initial user and
	// on every user change. Passing nil removes the listener.
	SetChangeListener(fn func(User))
}

// EmptyCredentialsProvider never authenticates.
type EmptyCredentialsProvider struct {
	mu       sync.Mutex
	listener func(User)
}

var _ CredentialsProvider = (*EmptyCredentialsProvider)(nil)

func (p *EmptyCredentialsProvider) GetToken(context.Context) (*Token, error) {
	return nil, nil
}

func (p *EmptyCredentialsProvider) InvalidateToken() {}

func (p *EmptyCredentialsProvider) SetChangeListener(fn func(User)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
	if fn != nil {
		fn(Unauthenticated)
	}
}
