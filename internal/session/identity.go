package session

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned when the current identity cannot be resolved
// (no session, expired session, or a session without a user id).
var ErrNoIdentity = errors.New("session: identity unavailable")

// Identity is the logged-in user the client acts as.
type Identity struct {
	UserID  string
	Token   string
	Name    string
	Company string
	Role    string
}

// Source resolves the current identity. Implementations must be safe for
// concurrent use.
type Source interface {
	Identity(ctx context.Context) (Identity, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Identity, error)

// Identity calls f(ctx).
func (f SourceFunc) Identity(ctx context.Context) (Identity, error) {
	return f(ctx)
}

// Static returns a Source that always yields id. An id without a UserID
// resolves to ErrNoIdentity.
func Static(id Identity) Source {
	return SourceFunc(func(context.Context) (Identity, error) {
		if id.UserID == "" {
			return Identity{}, ErrNoIdentity
		}
		return id, nil
	})
}
