package identity

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by provider clients for operations their
// backend does not offer (e.g. sign-up over plain OIDC).
var ErrUnsupported = errors.New("operation not supported by identity provider")

// Metadata is attached to an account at sign-up. Providers forward it to the
// profile trigger so the profile row can be created with the right name and
// pending invitation token.
type Metadata struct {
	Name              string `json:"name,omitempty"`
	RegistrationToken string `json:"registration_token,omitempty"`
}

// SignUpResult is returned by a successful sign-up. Session is nil when the
// provider requires email confirmation before the first login.
type SignUpResult struct {
	SubjectID string
	Session   *Session
}

// Provider is the client side of the remote identity service. Failures are
// returned as values; nothing panics across this boundary.
type Provider interface {
	Login(ctx context.Context, email, password string) AuthResult
	Logout(ctx context.Context) error
	SignUp(ctx context.Context, email, password string, meta Metadata) (*SignUpResult, error)
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) AuthResult
	ResetPassword(ctx context.Context, email string) error
	ChangePassword(ctx context.Context, newPassword string) error
	OnStateChange(listener func(Event)) (unsubscribe func())
}

// ErrNoSession is returned by operations that need an authenticated session
// when none is persisted.
var ErrNoSession = errors.New("no active session")
