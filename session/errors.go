package session

import "errors"

var (
	// ErrLoginTimeout is the only error Login returns for a provider that did
	// not answer in time. Callers can offer a retry instead of "wrong password".
	ErrLoginTimeout = errors.New("login timed out")
	// ErrInvalidInvitation means the invitation token is unknown, already
	// used, or issued for another address.
	ErrInvalidInvitation = errors.New("invalid invitation")
	// ErrDeactivated means the profile exists but has been deactivated.
	ErrDeactivated = errors.New("account deactivated")
)
