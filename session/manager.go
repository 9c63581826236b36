// Package session owns the authenticated user of a client process. The
// Manager logs in against an identity.Provider, resolves and caches the
// matching profile, keeps the provider session fresh, and redeems
// invitation tokens on first registration.
package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/flight"
	"github.com/jrsteele09/go-auth-session/profile"
)

const tracerName = "github.com/jrsteele09/go-auth-session/session"

// Listener receives the cached profile, or nil when signed out. Listeners
// run synchronously in registration order and must not call Login, Logout,
// Register or Subscribe on the same Manager.
type Listener func(*profile.UserProfile)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Manager is the session and identity lifecycle manager. Construct one per
// process with New and pass it to the code that needs the current user.
type Manager struct {
	provider identity.Provider
	repo     profile.Repository
	cfg      Config
	logger   zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	nowFunc  func() time.Time

	scheduler   *Scheduler
	invitations *InvitationConsumer
	loads       flight.Group[*profile.UserProfile]

	mu        sync.Mutex
	state     State
	cached    *profile.UserProfile
	subject   string // subject of the most recently resolved session
	epoch     uint64 // bumped whenever the cache is cleared or rebound
	version   uint64 // bumped on every cache write
	resolved  chan struct{}
	listeners []listenerEntry
	nextID    uint64

	// notifyMu serialises listener delivery so every listener sees changes
	// in the same order.
	notifyMu sync.Mutex

	startOnce   sync.Once
	unsubscribe func()
	background  sync.WaitGroup
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// New creates a Manager. Zero fields of cfg take their default.
func New(provider identity.Provider, repo profile.Repository, cfg Config, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("[session.New] identity provider is required")
	}
	if repo == nil {
		return nil, errors.New("[session.New] profile repository is required")
	}

	m := &Manager{
		provider: provider,
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	m.logger = m.logger.With().Str("component", "session").Logger()
	m.scheduler = newScheduler(provider, m.cfg, m.logger, m.metrics, m.nowFunc)
	m.invitations = newInvitationConsumer(provider, repo, m.cfg.ProfilePoll, m.logger, m.metrics)
	return m, nil
}

// Start subscribes to provider state changes and begins resolving any
// persisted session in the background. Calls after the first are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.unsubscribe = m.provider.OnStateChange(m.handleEvent)

		m.mu.Lock()
		m.resolved = make(chan struct{})
		resolved := m.resolved
		if m.cached == nil {
			m.setStateLocked(Resolving)
		}
		m.mu.Unlock()

		bg := context.WithoutCancel(ctx)
		m.goBackground(func() {
			defer close(resolved)
			m.resolve(bg)
		})
	})
}

// Run drives the refresh scheduler until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.scheduler.Run(ctx)
}

// Close detaches from the provider and waits for background loads.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.background.Wait()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activity tells the scheduler the client became active, e.g. came back to
// the foreground.
func (m *Manager) Activity() {
	m.scheduler.Activity()
}

// Login authenticates and resolves the profile. It returns nil for bad
// credentials, unconfirmed email, deactivated accounts, infrastructure
// failures and profile load timeouts; ErrLoginTimeout when the provider
// does not answer within LoginTimeout.
func (m *Manager) Login(ctx context.Context, email, password string) (*profile.UserProfile, error) {
	ctx, span := m.tracer.Start(ctx, "session.Login")
	defer span.End()

	res, ok := m.authenticate(ctx, email, password)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.metrics.Logins.WithLabelValues("timeout").Inc()
		span.SetStatus(codes.Error, ErrLoginTimeout.Error())
		return nil, ErrLoginTimeout
	}

	var s identity.Session
	switch r := res.(type) {
	case identity.Authenticated:
		s = r.Session
	case identity.InvalidCredentials:
		m.metrics.Logins.WithLabelValues("invalid_credentials").Inc()
		return nil, nil
	case identity.EmailUnconfirmed:
		m.metrics.Logins.WithLabelValues("email_unconfirmed").Inc()
		return nil, nil
	case identity.InfrastructureError:
		m.metrics.Logins.WithLabelValues("error").Inc()
		m.logger.Debug().Err(r).Msg("login failed")
		span.RecordError(r)
		return nil, nil
	default:
		return nil, nil
	}

	p := m.loadProfile(ctx, &s)
	if p == nil {
		m.metrics.Logins.WithLabelValues("no_profile").Inc()
		return nil, nil
	}
	p = m.consumeDeferred(ctx, p)

	m.metrics.Logins.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("subject", p.ID))
	return p, nil
}

// authenticate races the provider login against LoginTimeout. The provider
// call is not cancelled when it loses.
func (m *Manager) authenticate(ctx context.Context, email, password string) (identity.AuthResult, bool) {
	done := make(chan identity.AuthResult, 1)
	bg := context.WithoutCancel(ctx)
	go func() {
		done <- m.provider.Login(bg, email, password)
	}()

	timer := time.NewTimer(m.cfg.LoginTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Logout signs out at the provider and clears the cache. Local state is
// cleared and listeners are notified even when the provider call fails.
func (m *Manager) Logout(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "session.Logout")
	defer span.End()
	m.signOut(ctx)
}

// CurrentUser returns the cached profile without waiting.
func (m *Manager) CurrentUser() *profile.UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached.Clone()
}

// CurrentUserAsync waits for start-up resolution, checks the session,
// refreshes it when it is close to expiry and returns the matching profile.
func (m *Manager) CurrentUserAsync(ctx context.Context) *profile.UserProfile {
	m.mu.Lock()
	resolved := m.resolved
	m.mu.Unlock()
	if resolved != nil {
		select {
		case <-resolved:
		case <-ctx.Done():
			return nil
		}
	}

	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("read session")
		return nil
	}
	if s == nil {
		if m.CurrentUser() != nil {
			m.clear()
		}
		return nil
	}

	if s.NeedsRefresh(m.nowFunc(), m.cfg.RefreshThreshold) {
		if fresh, ok := identity.SessionOf(m.scheduler.Refresh(ctx, TriggerDemand)); ok {
			s = fresh
		} else if !s.Valid(m.nowFunc()) {
			return nil
		}
	}
	return m.loadProfile(ctx, s)
}

// Subscribe registers l and immediately calls it with the current profile.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})
	current := m.cached.Clone()
	m.mu.Unlock()

	l(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, e := range m.listeners {
				if e.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Register signs up, redeeming token when given, and returns the finalised
// profile. It returns nil for an invalid invitation, for any failure, and
// when the provider requires email confirmation first.
func (m *Manager) Register(ctx context.Context, email, password, name, token string) *profile.UserProfile {
	ctx, span := m.tracer.Start(ctx, "session.Register")
	defer span.End()
	span.SetAttributes(attribute.Bool("invitation", token != ""))

	reg, err := m.invitations.Register(ctx, RegisterRequest{
		Email:    email,
		Password: password,
		Name:     name,
		Token:    token,
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidInvitation) {
			m.logger.Debug().Err(err).Msg("register failed")
			span.RecordError(err)
		}
		return nil
	}
	if reg.Session == nil || reg.Profile == nil {
		return nil
	}

	m.mu.Lock()
	epoch, cleared := m.bindLocked(reg.Profile.ID)
	m.mu.Unlock()
	if cleared {
		m.notify()
	}
	if !reg.Profile.Active || !m.adopt(epoch, reg.Profile) {
		return nil
	}
	return reg.Profile.Clone()
}

// ResetPassword asks the provider to send a recovery message.
func (m *Manager) ResetPassword(ctx context.Context, email string) bool {
	if err := m.provider.ResetPassword(ctx, email); err != nil {
		m.logger.Debug().Err(err).Msg("reset password")
		return false
	}
	return true
}

// ChangePassword changes the password of the signed-in account.
func (m *Manager) ChangePassword(ctx context.Context, newPassword string) bool {
	if err := m.provider.ChangePassword(ctx, newPassword); err != nil {
		m.logger.Debug().Err(err).Msg("change password")
		return false
	}
	return true
}

func (m *Manager) resolve(ctx context.Context) {
	defer m.settle()

	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("restore session")
		return
	}
	if s == nil {
		return
	}
	if p := m.loadProfile(ctx, s); p != nil {
		m.consumeDeferred(ctx, p)
	}
}

// settle ends start-up resolution.
func (m *Manager) settle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Resolving {
		return
	}
	if m.cached != nil {
		m.setStateLocked(Authenticated)
		return
	}
	m.setStateLocked(Anonymous)
}

func (m *Manager) handleEvent(ev identity.Event) {
	switch ev.Kind {
	case identity.SignedOut:
		m.clear()
	case identity.SessionRestored, identity.TokenRefreshed:
		if ev.Session == nil {
			return
		}
		m.mu.Lock()
		known := m.cached != nil && m.subject == ev.Session.SubjectID
		// Start's own resolution loads the session it restores.
		resolving := ev.Kind == identity.SessionRestored && m.state == Resolving
		m.mu.Unlock()
		if resolving {
			return
		}
		if known {
			return
		}
		s := *ev.Session
		m.goBackground(func() {
			m.loadProfile(context.Background(), &s)
		})
	}
}

func (m *Manager) consumeDeferred(ctx context.Context, p *profile.UserProfile) *profile.UserProfile {
	if !p.PendingInvitation() {
		return p
	}
	updated, err := m.invitations.ConsumeDeferred(ctx, p)
	if err != nil {
		m.logger.Debug().Err(err).Str("subject", p.ID).Msg("redeem invitation at login")
		return p
	}
	m.replace(updated)
	return updated
}

// signOut logs out at the provider and clears local state, notifying with
// nil unless the provider's SignedOut event already did.
func (m *Manager) signOut(ctx context.Context) {
	m.mu.Lock()
	before := m.epoch
	m.mu.Unlock()

	if err := m.provider.Logout(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("provider logout")
	}

	m.mu.Lock()
	done := m.epoch != before && m.cached == nil && m.subject == ""
	m.mu.Unlock()
	if !done {
		m.clear()
	}
}

// bindLocked points the cache at subject. A cached profile for another
// subject is dropped first.
func (m *Manager) bindLocked(subject string) (epoch uint64, cleared bool) {
	if m.subject != subject {
		cleared = m.cached != nil
		m.cached = nil
		m.subject = subject
		m.epoch++
		m.version++
		if cleared {
			m.setStateLocked(Anonymous)
		}
	}
	return m.epoch, cleared
}

// adopt caches p if the cache is still bound to p's subject at epoch.
func (m *Manager) adopt(epoch uint64, p *profile.UserProfile) bool {
	m.mu.Lock()
	if m.epoch != epoch || m.subject != p.ID {
		m.mu.Unlock()
		return false
	}
	changed := !reflect.DeepEqual(m.cached, p)
	if changed {
		m.cached = p.Clone()
		m.version++
	}
	m.setStateLocked(Authenticated)
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return true
}

// replace overwrites the cached profile of the current subject.
func (m *Manager) replace(p *profile.UserProfile) {
	m.mu.Lock()
	if p == nil || m.cached == nil || m.subject != p.ID || reflect.DeepEqual(m.cached, p) {
		m.mu.Unlock()
		return
	}
	m.cached = p.Clone()
	m.version++
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.cached = nil
	m.subject = ""
	m.epoch++
	m.version++
	m.setStateLocked(Anonymous)
	m.mu.Unlock()
	m.notify()
}

// notify delivers the current cached profile to every listener.
func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	current := m.cached
	snapshot := make([]listenerEntry, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	for _, e := range snapshot {
		e.fn(current.Clone())
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.State.Set(float64(s))
}

func (m *Manager) goBackground(fn func()) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		fn()
	}()
}
