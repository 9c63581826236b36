package repofake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-session/profile"
)

var _ profile.Repository = (*FakeProfileRepo)(nil)

// FakeProfileRepo is an in-memory profile.Repository with call counters and
// latency/failure injection for tests.
type FakeProfileRepo struct {
	users       map[string]*profile.UserProfile
	invitations map[string]*profile.Invitation
	lock        sync.RWMutex

	// GetDelay is applied to every GetUserByID before the lookup.
	GetDelay time.Duration
	// GetErr, when set, is returned by GetUserByID.
	GetErr error
	// UpdateErr, when set, is returned by UpdateUser.
	UpdateErr error

	getCalls    atomic.Int64
	createCalls atomic.Int64
	updateCalls atomic.Int64
	useCalls    atomic.Int64

	updates []profile.Patch
	nowFunc func() time.Time
}

func NewFakeProfileRepo() *FakeProfileRepo {
	return &FakeProfileRepo{
		users:       make(map[string]*profile.UserProfile),
		invitations: make(map[string]*profile.Invitation),
		nowFunc:     time.Now,
	}
}

// Put stores (or replaces) a profile directly, bypassing counters. Tests and
// the provider fake's trigger use it.
func (r *FakeProfileRepo) Put(user *profile.UserProfile) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.users[user.ID] = user.Clone()
}

// PutInvitation stores an invitation.
func (r *FakeProfileRepo) PutInvitation(inv *profile.Invitation) {
	r.lock.Lock()
	defer r.lock.Unlock()
	cp := *inv
	r.invitations[inv.Token] = &cp
}

// Invitation returns a copy of the stored invitation, or nil.
func (r *FakeProfileRepo) Invitation(token string) *profile.Invitation {
	r.lock.RLock()
	defer r.lock.RUnlock()
	inv, ok := r.invitations[token]
	if !ok {
		return nil
	}
	cp := *inv
	return &cp
}

func (r *FakeProfileRepo) GetUserByID(ctx context.Context, id string) (*profile.UserProfile, error) {
	r.getCalls.Add(1)
	if r.GetDelay > 0 {
		select {
		case <-time.After(r.GetDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.GetErr != nil {
		return nil, r.GetErr
	}

	r.lock.RLock()
	defer r.lock.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return user.Clone(), nil
}

func (r *FakeProfileRepo) CreateUser(_ context.Context, user *profile.UserProfile) (*profile.UserProfile, error) {
	r.createCalls.Add(1)
	if user == nil || user.ID == "" {
		return nil, errors.New("[FakeProfileRepo.CreateUser] id is required")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return nil, profile.ErrDuplicate
	}
	stored := user.Clone()
	now := r.nowFunc()
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.users[user.ID] = stored
	return stored.Clone(), nil
}

func (r *FakeProfileRepo) UpdateUser(_ context.Context, id string, patch profile.Patch) (*profile.UserProfile, error) {
	r.updateCalls.Add(1)
	if r.UpdateErr != nil {
		return nil, r.UpdateErr
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	r.updates = append(r.updates, patch)
	updated := patch.Apply(user)
	updated.UpdatedAt = r.nowFunc()
	r.users[id] = updated
	return updated.Clone(), nil
}

func (r *FakeProfileRepo) GetInvitationByToken(_ context.Context, token string) (*profile.Invitation, error) {
	return r.Invitation(token), nil
}

func (r *FakeProfileRepo) UseInvitation(_ context.Context, token, userID string) (*profile.UserProfile, error) {
	r.useCalls.Add(1)

	r.lock.Lock()
	defer r.lock.Unlock()

	inv, ok := r.invitations[token]
	if !ok || inv.Used {
		return nil, nil
	}
	now := r.nowFunc()
	inv.Used = true
	inv.UsedBy = &userID
	inv.UsedAt = &now

	user, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	return user.Clone(), nil
}

// GetCalls is the number of GetUserByID calls made so far.
func (r *FakeProfileRepo) GetCalls() int { return int(r.getCalls.Load()) }

// CreateCalls is the number of CreateUser calls made so far.
func (r *FakeProfileRepo) CreateCalls() int { return int(r.createCalls.Load()) }

// UpdateCalls is the number of UpdateUser calls made so far.
func (r *FakeProfileRepo) UpdateCalls() int { return int(r.updateCalls.Load()) }

// UseCalls is the number of UseInvitation calls made so far.
func (r *FakeProfileRepo) UseCalls() int { return int(r.useCalls.Load()) }

// Updates returns the patches applied by UpdateUser, in order.
func (r *FakeProfileRepo) Updates() []profile.Patch {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]profile.Patch, len(r.updates))
	copy(out, r.updates)
	return out
}
