// Package sessionstore persists the provider session between process
// restarts. Provider clients save on every successful login or refresh and
// clear on logout.
package sessionstore

import (
	"context"

	"github.com/jrsteele09/go-auth-session/identity"
)

// Store holds at most one session: the one belonging to this client.
type Store interface {
	// Load returns the persisted session, or nil when none is stored.
	Load(ctx context.Context) (*identity.Session, error)
	Save(ctx context.Context, session *identity.Session) error
	Clear(ctx context.Context) error
}
