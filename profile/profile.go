package profile

import (
	"strings"
	"time"
)

// RoleType is the application role stored on the profile. The session core
// only carries it; authorization decisions are made elsewhere.
type RoleType string

const (
	RoleMember RoleType = "member"
	RoleLeader RoleType = "leader"
	RoleAdmin  RoleType = "admin"
)

// UserProfile is the application-level user record keyed by the identity
// provider's subject id.
type UserProfile struct {
	ID                string    `json:"id"`                           // Identity provider subject id
	Email             string    `json:"email"`                        // Email address
	Name              string    `json:"name,omitempty"`               // Display name
	Role              RoleType  `json:"role,omitempty"`               // Application role
	Active            bool      `json:"active"`                       // Inactive profiles cannot hold a session
	InvitedBy         *string   `json:"invited_by,omitempty"`         // Profile id of the inviter
	RegistrationToken *string   `json:"registration_token,omitempty"` // Invitation token awaiting consumption
	Registered        bool      `json:"registered"`                   // Registration finalised
	Phone             string    `json:"phone,omitempty"`              // Contact phone
	CreatedAt         time.Time `json:"created_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at,omitempty"`
}

// PendingInvitation reports whether the profile carries an invitation token
// that has not been consumed yet.
func (p *UserProfile) PendingInvitation() bool {
	return p != nil && p.RegistrationToken != nil && *p.RegistrationToken != ""
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.InvitedBy != nil {
		v := *p.InvitedBy
		cp.InvitedBy = &v
	}
	if p.RegistrationToken != nil {
		v := *p.RegistrationToken
		cp.RegistrationToken = &v
	}
	return &cp
}

// Invitation is a one-time token binding an email address to a future
// registration.
type Invitation struct {
	Token     string     `json:"token"`
	Email     string     `json:"email"`
	CreatedBy string     `json:"created_by"`
	Used      bool       `json:"used"`
	UsedBy    *string    `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// Redeemable reports whether the invitation can be used to register email.
// An empty invitation email accepts any address.
func (i *Invitation) Redeemable(email string) bool {
	if i == nil || i.Used {
		return false
	}
	return i.Email == "" || strings.EqualFold(strings.TrimSpace(i.Email), strings.TrimSpace(email))
}
