package profile

import "github.com/jrsteele09/go-auth-session/internal/utils"

// Patch is a partial profile update. Nil fields are left untouched.
type Patch struct {
	Name                   *string
	Role                   *RoleType
	Active                 *bool
	InvitedBy              *string
	Registered             *bool
	Phone                  *string
	ClearRegistrationToken bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Role == nil && p.Active == nil && p.InvitedBy == nil &&
		p.Registered == nil && p.Phone == nil && !p.ClearRegistrationToken
}

// Apply returns a copy of u with the patch applied.
func (p Patch) Apply(u *UserProfile) *UserProfile {
	out := u.Clone()
	if out == nil {
		return nil
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Role != nil {
		out.Role = *p.Role
	}
	if p.Active != nil {
		out.Active = *p.Active
	}
	if p.InvitedBy != nil {
		v := *p.InvitedBy
		out.InvitedBy = &v
	}
	if p.Registered != nil {
		out.Registered = *p.Registered
	}
	if p.Phone != nil {
		out.Phone = *p.Phone
	}
	if p.ClearRegistrationToken {
		out.RegistrationToken = nil
	}
	return out
}

// Target is the desired state of the fields the registration flow owns.
// Nil fields are not reconciled.
type Target struct {
	Name                   *string
	Registered             *bool
	Active                 *bool
	InvitedBy              *string
	ClearRegistrationToken bool
}

// Diff returns the minimal patch moving current to target: fields already
// holding the desired value are omitted.
func Diff(current *UserProfile, target Target) Patch {
	var p Patch
	if current == nil {
		return p
	}
	if target.Name != nil && current.Name != *target.Name {
		p.Name = target.Name
	}
	if target.Registered != nil && current.Registered != *target.Registered {
		p.Registered = target.Registered
	}
	if target.Active != nil && current.Active != *target.Active {
		p.Active = target.Active
	}
	if target.InvitedBy != nil && !utils.Equal(current.InvitedBy, target.InvitedBy) {
		p.InvitedBy = target.InvitedBy
	}
	if target.ClearRegistrationToken && current.RegistrationToken != nil {
		p.ClearRegistrationToken = true
	}
	return p
}
