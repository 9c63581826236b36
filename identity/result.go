package identity

import "fmt"

// AuthResult is the outcome of a login or refresh against the identity
// provider. It is a closed set: Authenticated, InvalidCredentials,
// EmailUnconfirmed or InfrastructureError.
type AuthResult interface {
	isAuthResult()
}

// Authenticated carries the session issued on success.
type Authenticated struct {
	Session Session
}

// InvalidCredentials means the email/password pair was rejected. It is
// deliberately indistinguishable from an unknown account.
type InvalidCredentials struct{}

// EmailUnconfirmed means the account exists but has not confirmed its email.
type EmailUnconfirmed struct{}

// InfrastructureError wraps transport or provider failures.
type InfrastructureError struct {
	Err error
}

func (Authenticated) isAuthResult()       {}
func (InvalidCredentials) isAuthResult()  {}
func (EmailUnconfirmed) isAuthResult()    {}
func (InfrastructureError) isAuthResult() {}

func (e InfrastructureError) Error() string {
	if e.Err == nil {
		return "identity provider failure"
	}
	return fmt.Sprintf("identity provider failure: %v", e.Err)
}

func (e InfrastructureError) Unwrap() error {
	return e.Err
}

// Failed wraps err as an InfrastructureError result.
func Failed(err error) AuthResult {
	return InfrastructureError{Err: err}
}

// SessionOf returns the session carried by an Authenticated result.
func SessionOf(r AuthResult) (*Session, bool) {
	if a, ok := r.(Authenticated); ok {
		s := a.Session
		return &s, true
	}
	return nil, false
}
