package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// SessionClaims are the claims carried by a session access token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sid,omitempty"`
}

// Issue signs an access token for subject, valid from issuedAt until expiresAt.
func Issue(signer Signer, subject, email, sessionID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
	}
	if email != "" {
		claims["email"] = email
	}
	if sessionID != "" {
		claims["sid"] = sessionID
	}
	return signer.Sign(claims)
}

// Parse verifies raw with signer and returns its claims.
func Parse(signer Signer, raw string, opts ...jwt.ParserOption) (*SessionClaims, error) {
	claims := &SessionClaims{}
	opts = append(opts, jwt.WithValidMethods([]string{signer.GetSigningMethod().Alg()}))
	if _, err := jwt.ParseWithClaims(raw, claims, signer.GetVerificationKey, opts...); err != nil {
		return nil, errors.Wrap(err, "failed to parse token")
	}
	return claims, nil
}

// IssuedAt reads iat without checking the signature. It is for tokens that
// came straight from the issuer and are only inspected for timing.
func IssuedAt(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil || claims.IssuedAt == nil {
		return time.Time{}, false
	}
	return claims.IssuedAt.Time, true
}
