package profile

import (
	"context"
	"errors"
)

var (
	// ErrDuplicate is returned by CreateUser when a profile with the same id
	// already exists (typically created by the provider-side trigger).
	ErrDuplicate = errors.New("profile already exists")
	// ErrNotFound is returned by repository operations that require an
	// existing row but found none.
	ErrNotFound = errors.New("profile not found")
)

// Repository is read/write access to persisted profiles and invitations.
// Lookups return nil, nil when the record does not exist.
type Repository interface {
	GetUserByID(ctx context.Context, id string) (*UserProfile, error)
	CreateUser(ctx context.Context, user *UserProfile) (*UserProfile, error)
	UpdateUser(ctx context.Context, id string, patch Patch) (*UserProfile, error)
	GetInvitationByToken(ctx context.Context, token string) (*Invitation, error)
	// UseInvitation atomically marks token used by userID and returns that
	// user's profile. A token that is missing or already used is a no-op
	// returning nil, nil.
	UseInvitation(ctx context.Context, token, userID string) (*UserProfile, error)
}
