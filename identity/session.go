package identity

import "time"

// Session is an authenticated session issued by the identity provider.
// The session manager only reads SubjectID and ExpiresAt; the remaining
// fields belong to the provider client that issued it.
type Session struct {
	ID            string    `json:"id,omitempty"`             // Provider session identifier
	SubjectID     string    `json:"subject_id"`               // Identity provider user id
	Email         string    `json:"email,omitempty"`          // Email the subject authenticated with
	IssuedAt      time.Time `json:"issued_at"`                // When the session (or its last refresh) was issued
	ExpiresAt     time.Time `json:"expires_at"`               // Hard expiry; refresh before this
	AccessToken   string    `json:"access_token,omitempty"`   // Bearer/session token presented to the provider
	RefreshHandle string    `json:"refresh_handle,omitempty"` // Opaque handle used to extend the session
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// TTL returns the remaining lifetime of the session at now. Expired or nil
// sessions report zero.
func (s *Session) TTL(now time.Time) time.Duration {
	if !s.Valid(now) {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}

// NeedsRefresh reports whether the remaining lifetime is below threshold.
func (s *Session) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return s.TTL(now) < threshold
}
