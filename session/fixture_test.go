package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/providerfake"
	"github.com/jrsteele09/go-auth-session/profile"
	"github.com/jrsteele09/go-auth-session/profile/repofake"
	"github.com/jrsteele09/go-auth-session/session"
)

const testPassword = "pw123456"

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.LoginTimeout = time.Second
	cfg.ProfileLoadTimeout = 500 * time.Millisecond
	cfg.ProfilePoll = session.PollConfig{Initial: time.Millisecond, Multiplier: 2, Attempts: 3}
	return cfg
}

type fixture struct {
	t        *testing.T
	provider *providerfake.Provider
	repo     *repofake.FakeProfileRepo
	metrics  *session.Metrics
	manager  *session.Manager
}

type fixtureOpts struct {
	cfg      session.Config
	provider []providerfake.Option
	repo     profile.Repository
	wrapIDP  func(*providerfake.Provider) identity.Provider
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	if opts.cfg == (session.Config{}) {
		opts.cfg = testConfig()
	}

	f := &fixture{
		t:        t,
		provider: providerfake.New(opts.provider...),
		repo:     repofake.NewFakeProfileRepo(),
		metrics:  session.NewMetrics(prometheus.NewRegistry()),
	}

	var idp identity.Provider = f.provider
	if opts.wrapIDP != nil {
		idp = opts.wrapIDP(f.provider)
	}
	var repo profile.Repository = f.repo
	if opts.repo != nil {
		repo = opts.repo
		switch r := opts.repo.(type) {
		case *laggingRepo:
			f.repo = r.FakeProfileRepo
		case *gatedRepo:
			f.repo = r.FakeProfileRepo
		}
	}

	m, err := session.New(idp, repo, opts.cfg, session.WithMetrics(f.metrics))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

// addUser creates a provider account and a matching profile.
func (f *fixture) addUser(email string, active bool) *profile.UserProfile {
	f.t.Helper()
	id, err := f.provider.AddAccount(email, testPassword)
	require.NoError(f.t, err)

	p := &profile.UserProfile{
		ID:         id,
		Email:      email,
		Name:       "Max",
		Role:       profile.RoleMember,
		Active:     active,
		Registered: true,
	}
	f.repo.Put(p)
	return p
}

func (f *fixture) login(email string) *profile.UserProfile {
	f.t.Helper()
	p, err := f.manager.Login(context.Background(), email, testPassword)
	require.NoError(f.t, err)
	require.NotNil(f.t, p)
	return p
}

// sessionSubject is the subject of the provider's persisted session, or "".
func (f *fixture) sessionSubject() string {
	f.t.Helper()
	s, err := f.provider.GetSession(context.Background())
	require.NoError(f.t, err)
	if s == nil {
		return ""
	}
	return s.SubjectID
}

// requireConsistent checks the cached profile belongs to the session subject.
func (f *fixture) requireConsistent() {
	f.t.Helper()
	cached := f.manager.CurrentUser()
	if cached == nil {
		return
	}
	require.Equal(f.t, f.sessionSubject(), cached.ID)
}

// recorder collects listener deliveries as profile ids, "" for nil.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) listen(p *profile.UserProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p == nil {
		r.ids = append(r.ids, "")
		return
	}
	r.ids = append(r.ids, p.ID)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r *recorder) last() string {
	ids := r.seen()
	if len(ids) == 0 {
		return "<none>"
	}
	return ids[len(ids)-1]
}

// laggingRepo makes the profile written by the sign-up trigger visible only
// from the appearOn-th GetUserByID call, the way a slow database trigger does.
type laggingRepo struct {
	*repofake.FakeProfileRepo
	appearOn int32
	reads    atomic.Int32

	mu      sync.Mutex
	pending *profile.UserProfile
	// raceCreate makes the pending profile land just before CreateUser runs.
	raceCreate bool
}

func (r *laggingRepo) trigger(_ context.Context, subjectID, email string, meta identity.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &profile.UserProfile{
		ID:     subjectID,
		Email:  email,
		Name:   meta.Name,
		Role:   profile.RoleMember,
		Active: true,
	}
	if meta.RegistrationToken != "" {
		token := meta.RegistrationToken
		p.RegistrationToken = &token
	}
	r.pending = p
}

func (r *laggingRepo) land() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.Put(r.pending)
		r.pending = nil
	}
}

func (r *laggingRepo) GetUserByID(ctx context.Context, id string) (*profile.UserProfile, error) {
	if r.appearOn > 0 && r.reads.Add(1) >= r.appearOn {
		r.land()
	}
	return r.FakeProfileRepo.GetUserByID(ctx, id)
}

func (r *laggingRepo) CreateUser(ctx context.Context, user *profile.UserProfile) (*profile.UserProfile, error) {
	if r.raceCreate {
		r.land()
	}
	return r.FakeProfileRepo.CreateUser(ctx, user)
}

// gatedRepo holds every GetUserByID until release is closed. entered
// signals the first read.
type gatedRepo struct {
	*repofake.FakeProfileRepo
	entered chan struct{}
	release chan struct{}
}

func newGatedRepo() *gatedRepo {
	return &gatedRepo{
		FakeProfileRepo: repofake.NewFakeProfileRepo(),
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
}

func (r *gatedRepo) GetUserByID(ctx context.Context, id string) (*profile.UserProfile, error) {
	select {
	case r.entered <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.FakeProfileRepo.GetUserByID(ctx, id)
}
