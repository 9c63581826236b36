package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/optimistic"
	"github.com/jrsteele09/go-auth-session/profile"
)

// loadProfile returns the profile for the session's subject. Concurrent
// calls for one subject share a single repository read, and each caller
// waits at most ProfileLoadTimeout. A load that outlives its callers may
// still fill the cache, provided the cache has not been cleared or rebound
// since it started.
func (m *Manager) loadProfile(ctx context.Context, s *identity.Session) *profile.UserProfile {
	m.mu.Lock()
	if m.cached != nil && m.subject == s.SubjectID {
		p := m.cached.Clone()
		m.mu.Unlock()
		m.metrics.ProfileLoads.WithLabelValues("cached").Inc()
		return p
	}
	epoch, cleared := m.bindLocked(s.SubjectID)
	m.mu.Unlock()
	if cleared {
		m.notify()
	}

	bg := context.WithoutCancel(ctx)
	res, ok := m.loads.Wait(ctx, s.SubjectID, m.cfg.ProfileLoadTimeout, func() (*profile.UserProfile, error) {
		return m.fetchProfile(bg, s, epoch)
	})
	if !ok {
		m.metrics.ProfileLoads.WithLabelValues("timeout").Inc()
		m.logger.Debug().Str("subject", s.SubjectID).Dur("timeout", m.cfg.ProfileLoadTimeout).Msg("profile load timed out")
		return nil
	}
	if res.Err != nil {
		m.logger.Debug().Err(res.Err).Str("subject", s.SubjectID).Msg("profile load failed")
		return nil
	}

	p := res.Val
	if p == nil {
		return nil
	}
	if !p.Active {
		// A flight started under an older epoch skips the logout for this one.
		m.deactivate(bg, epoch, s.SubjectID)
		return nil
	}
	if !m.adopt(epoch, p) {
		return nil
	}
	return p.Clone()
}

// fetchProfile runs once per flight. It creates a missing profile from the
// session and forces a logout for an inactive one.
func (m *Manager) fetchProfile(ctx context.Context, s *identity.Session, epoch uint64) (*profile.UserProfile, error) {
	p, err := m.repo.GetUserByID(ctx, s.SubjectID)
	if err != nil {
		m.metrics.ProfileLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("[Manager.fetchProfile] get profile: %w", err)
	}

	if p == nil {
		p, err = m.repo.CreateUser(ctx, newProfile(s, "", ""))
		if errors.Is(err, profile.ErrDuplicate) {
			p, err = m.repo.GetUserByID(ctx, s.SubjectID)
		}
		if err != nil {
			m.metrics.ProfileLoads.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("[Manager.fetchProfile] create profile: %w", err)
		}
		if p == nil {
			m.metrics.ProfileLoads.WithLabelValues("missing").Inc()
			return nil, nil
		}
		m.metrics.ProfileLoads.WithLabelValues("created").Inc()
	}

	if !p.Active {
		m.metrics.ProfileLoads.WithLabelValues("deactivated").Inc()
		m.deactivate(ctx, epoch, s.SubjectID)
		return p, nil
	}

	m.metrics.ProfileLoads.WithLabelValues("loaded").Inc()
	m.adopt(epoch, p)
	return p, nil
}

// deactivate moves through DEACTIVATED and forces a logout, unless the
// cache has moved on to another session in the meantime.
func (m *Manager) deactivate(ctx context.Context, epoch uint64, subject string) {
	m.mu.Lock()
	if m.epoch != epoch || m.subject != subject {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Deactivated)
	m.mu.Unlock()

	m.logger.Debug().Str("subject", subject).Err(ErrDeactivated).Msg("forcing logout")
	m.signOut(ctx)
}

// ReloadProfile drops the cached profile and reads it again.
func (m *Manager) ReloadProfile(ctx context.Context) *profile.UserProfile {
	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("read session for reload")
		return nil
	}
	if s == nil {
		if m.CurrentUser() != nil {
			m.clear()
		}
		return nil
	}

	m.mu.Lock()
	hadProfile := m.cached != nil
	if m.subject == s.SubjectID {
		m.cached = nil
		m.epoch++
		m.version++
	}
	m.mu.Unlock()
	m.loads.Forget(s.SubjectID)
	if hadProfile {
		m.notify()
	}
	return m.loadProfile(ctx, s)
}

// UpdateProfile applies patch to the cached profile at once and writes it to
// the repository in the background. When the write fails the cache is
// reconciled from the repository, or reverted if that read fails too.
func (m *Manager) UpdateProfile(ctx context.Context, patch profile.Patch) *optimistic.Pending[*profile.UserProfile] {
	current := m.CurrentUser()
	if current == nil {
		return optimistic.Resolved[*profile.UserProfile](nil, identity.ErrNoSession)
	}
	id := current.ID

	return optimistic.Apply[*profile.UserProfile](ctx, &cacheSlot{m: m, subject: id}, optimistic.Update[*profile.UserProfile]{
		Mutate: func(p *profile.UserProfile) *profile.UserProfile {
			if p == nil || p.ID != id {
				return p
			}
			return patch.Apply(p)
		},
		Commit: func(ctx context.Context, _ *profile.UserProfile) (*profile.UserProfile, error) {
			updated, err := m.repo.UpdateUser(ctx, id, patch)
			if err != nil {
				return nil, fmt.Errorf("[Manager.UpdateProfile] %w", err)
			}
			if updated == nil {
				return nil, fmt.Errorf("[Manager.UpdateProfile] %w", profile.ErrNotFound)
			}
			return updated, nil
		},
		Fetch: func(ctx context.Context) (*profile.UserProfile, error) {
			p, err := m.repo.GetUserByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if p == nil {
				return nil, profile.ErrNotFound
			}
			return p, nil
		},
		Policy: optimistic.Reconcile,
	})
}

var _ optimistic.Store[*profile.UserProfile] = (*cacheSlot)(nil)

// cacheSlot exposes the cached profile of one subject as an optimistic
// store. Writes for any other subject, or after the cache was cleared, are
// dropped.
type cacheSlot struct {
	m       *Manager
	subject string
}

func (c *cacheSlot) Snapshot() (*profile.UserProfile, uint64) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.cached.Clone(), c.m.version
}

func (c *cacheSlot) Set(p *profile.UserProfile) uint64 {
	c.m.mu.Lock()
	changed := c.writableLocked(p)
	if changed {
		c.m.cached = p.Clone()
		c.m.version++
	}
	version := c.m.version
	c.m.mu.Unlock()

	if changed {
		c.m.notify()
	}
	return version
}

func (c *cacheSlot) CompareAndSet(version uint64, p *profile.UserProfile) bool {
	c.m.mu.Lock()
	if c.m.version != version || !c.writableLocked(p) {
		c.m.mu.Unlock()
		return false
	}
	c.m.cached = p.Clone()
	c.m.version++
	c.m.mu.Unlock()

	c.m.notify()
	return true
}

func (c *cacheSlot) writableLocked(p *profile.UserProfile) bool {
	return p != nil && p.ID == c.subject && c.m.subject == c.subject &&
		c.m.cached != nil && !reflect.DeepEqual(c.m.cached, p)
}
