// Package identity supplies the signed-in identity the sync controller binds
// to. Authentication itself happens elsewhere: a provider only reports which
// identity is current and when it changes.
package identity

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned when no usable identity or token is available.
var ErrNoIdentity = errors.New("no identity")

// Provider reports the current identity id ("" when signed out).
type Provider interface {
	// Identity returns the current id.
	Identity() string

	// Changes delivers the new id after each sign-in or sign-out. Only the
	// latest value is kept for a slow reader.
	Changes() <-chan string

	// Token returns a bearer token for id, or "" when the provider holds
	// none. It satisfies remote.TokenSource.
	Token(ctx context.Context, id string) (string, error)

	Close() error
}

// Static is a fixed identity that never changes.
type Static struct {
	id      string
	token   string
	changes chan string
}

// NewStatic returns a provider for id. token may be empty.
func NewStatic(id, token string) *Static {
	return &Static{id: id, token: token, changes: make(chan string)}
}

func (s *Static) Identity() string       { return s.id }
func (s *Static) Changes() <-chan string { return s.changes }
func (s *Static) Close() error           { return nil }

// Token returns the configured token when id matches.
func (s *Static) Token(_ context.Context, id string) (string, error) {
	if id != s.id || s.id == "" {
		return "", ErrNoIdentity
	}
	return s.token, nil
}
