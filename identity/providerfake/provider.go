// Package providerfake is an in-memory identity.Provider. It behaves like a
// hosted identity service closely enough to drive the session manager in
// tests and local runs: hashed passwords, expiring sessions, optional email
// confirmation and a sign-up trigger that can lag behind the response.
package providerfake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
	"github.com/jrsteele09/go-auth-session/internal/token"
	"golang.org/x/crypto/bcrypt"
)

var _ identity.Provider = (*Provider)(nil)

// ErrAccountExists is returned by SignUp for an email that already has an account.
var ErrAccountExists = errors.New("account already exists")

// TriggerFunc simulates the provider-side hook that creates the profile row
// after an account is created.
type TriggerFunc func(ctx context.Context, subjectID, email string, meta identity.Metadata)

type account struct {
	subjectID string
	email     string
	hash      []byte
	confirmed bool
}

// Provider is the in-memory identity provider.
type Provider struct {
	identity.Hub

	mu       sync.RWMutex
	accounts map[string]*account
	failure  error

	store               sessionstore.Store
	signer              token.Signer
	ttl                 time.Duration
	requireConfirmation bool
	delay               time.Duration
	trigger             TriggerFunc
	triggerDelay        time.Duration
	nowFunc             func() time.Time

	loginCalls   atomic.Int64
	logoutCalls  atomic.Int64
	signUpCalls  atomic.Int64
	refreshCalls atomic.Int64
	resetCalls   atomic.Int64
	triggers     sync.WaitGroup
}

// Option configures a Provider.
type Option func(*Provider)

// WithTTL sets the lifetime of issued sessions. Default one hour.
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithRequireConfirmation makes SignUp return no session until the account
// is confirmed with Confirm.
func WithRequireConfirmation(require bool) Option {
	return func(p *Provider) { p.requireConfirmation = require }
}

// WithDelay adds latency to every remote call.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// WithStore replaces the default in-memory session store.
func WithStore(store sessionstore.Store) Option {
	return func(p *Provider) { p.store = store }
}

// WithTrigger runs fn after every successful sign-up. A positive delay runs
// it asynchronously after that delay; zero runs it before SignUp returns.
func WithTrigger(delay time.Duration, fn TriggerFunc) Option {
	return func(p *Provider) {
		p.trigger = fn
		p.triggerDelay = delay
	}
}

// WithSigner sets the key access tokens are signed with. By default each
// Provider signs with a random HMAC secret.
func WithSigner(signer token.Signer) Option {
	return func(p *Provider) { p.signer = signer }
}

func WithNowFunc(now func() time.Time) Option {
	return func(p *Provider) { p.nowFunc = now }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		accounts: make(map[string]*account),
		store:    sessionstore.NewMemoryStore(),
		signer:   token.NewHMACSigner([]byte(uuid.NewString())),
		ttl:      time.Hour,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddAccount creates a confirmed account directly and returns its subject id.
func (p *Provider) AddAccount(email, password string) (string, error) {
	acct, err := newAccount(email, password, true)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[acct.email]; ok {
		return "", ErrAccountExists
	}
	p.accounts[acct.email] = acct
	return acct.subjectID, nil
}

// Confirm marks the account's email as confirmed.
func (p *Provider) Confirm(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[normalize(email)]
	if ok {
		acct.confirmed = true
	}
	return ok
}

// SetFailure makes every remote call fail with err until cleared with nil.
func (p *Provider) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = err
}

// ExpireSessionIn rewrites the stored session to expire d from now.
func (p *Provider) ExpireSessionIn(ctx context.Context, d time.Duration) error {
	s, err := p.store.Load(ctx)
	if err != nil || s == nil {
		return err
	}
	s.ExpiresAt = p.nowFunc().Add(d)
	return p.store.Save(ctx, s)
}

// Revoke drops the session server-side, as an expired refresh token would,
// and emits SignedOut.
func (p *Provider) Revoke(ctx context.Context) error {
	if err := p.store.Clear(ctx); err != nil {
		return err
	}
	p.Emit(identity.Event{Kind: identity.SignedOut})
	return nil
}

// WaitTriggers blocks until every asynchronous trigger has run.
func (p *Provider) WaitTriggers() {
	p.triggers.Wait()
}

func (p *Provider) LoginCalls() int64   { return p.loginCalls.Load() }
func (p *Provider) LogoutCalls() int64  { return p.logoutCalls.Load() }
func (p *Provider) SignUpCalls() int64  { return p.signUpCalls.Load() }
func (p *Provider) RefreshCalls() int64 { return p.refreshCalls.Load() }
func (p *Provider) ResetCalls() int64   { return p.resetCalls.Load() }

func (p *Provider) Login(ctx context.Context, email, password string) identity.AuthResult {
	p.loginCalls.Add(1)
	if err := p.remote(ctx); err != nil {
		return identity.Failed(err)
	}

	p.mu.RLock()
	acct, ok := p.accounts[normalize(email)]
	p.mu.RUnlock()
	if !ok {
		// Hash anyway so unknown accounts take as long as wrong passwords
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return identity.InvalidCredentials{}
	}
	if bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return identity.InvalidCredentials{}
	}
	if !acct.confirmed {
		return identity.EmailUnconfirmed{}
	}

	s, err := p.issue(acct.subjectID, acct.email, "")
	if err != nil {
		return identity.Failed(err)
	}
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(err)
	}
	return identity.Authenticated{Session: *s}
}

// Logout clears the local session even when the remote call fails.
func (p *Provider) Logout(ctx context.Context) error {
	p.logoutCalls.Add(1)
	remoteErr := p.remote(ctx)
	if err := p.store.Clear(ctx); err != nil {
		return err
	}
	p.Emit(identity.Event{Kind: identity.SignedOut})
	return remoteErr
}

func (p *Provider) SignUp(ctx context.Context, email, password string, meta identity.Metadata) (*identity.SignUpResult, error) {
	p.signUpCalls.Add(1)
	if err := p.remote(ctx); err != nil {
		return nil, err
	}

	acct, err := newAccount(email, password, !p.requireConfirmation)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if _, ok := p.accounts[acct.email]; ok {
		p.mu.Unlock()
		return nil, ErrAccountExists
	}
	p.accounts[acct.email] = acct
	p.mu.Unlock()

	p.runTrigger(ctx, acct, meta)

	res := &identity.SignUpResult{SubjectID: acct.subjectID}
	if p.requireConfirmation {
		return res, nil
	}
	s, err := p.issue(acct.subjectID, acct.email, "")
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, s); err != nil {
		return nil, err
	}
	res.Session = s
	return res, nil
}

func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	s, err := p.store.Load(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Valid(p.nowFunc()) {
		return nil, p.store.Clear(ctx)
	}
	p.Restored(s)
	return s, nil
}

func (p *Provider) RefreshSession(ctx context.Context) identity.AuthResult {
	p.refreshCalls.Add(1)
	if err := p.remote(ctx); err != nil {
		return identity.Failed(err)
	}

	current, err := p.store.Load(ctx)
	if err != nil {
		return identity.Failed(err)
	}
	if current == nil {
		return identity.Failed(identity.ErrNoSession)
	}

	s, err := p.issue(current.SubjectID, current.Email, current.ID)
	if err != nil {
		return identity.Failed(err)
	}
	if err := p.store.Save(ctx, s); err != nil {
		return identity.Failed(err)
	}
	p.Emit(identity.Event{Kind: identity.TokenRefreshed, Session: s})
	return identity.Authenticated{Session: *s}
}

// ResetPassword succeeds for unknown emails too.
func (p *Provider) ResetPassword(ctx context.Context, _ string) error {
	p.resetCalls.Add(1)
	return p.remote(ctx)
}

func (p *Provider) ChangePassword(ctx context.Context, newPassword string) error {
	if err := p.remote(ctx); err != nil {
		return err
	}
	s, err := p.GetSession(ctx)
	if err != nil {
		return err
	}
	if s == nil {
		return identity.ErrNoSession
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.MinCost)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acct, ok := p.accounts[normalize(s.Email)]
	if !ok {
		return identity.ErrNoSession
	}
	acct.hash = hash
	return nil
}

func (p *Provider) runTrigger(ctx context.Context, acct *account, meta identity.Metadata) {
	if p.trigger == nil {
		return
	}
	if p.triggerDelay <= 0 {
		p.trigger(ctx, acct.subjectID, acct.email, meta)
		return
	}

	bg := context.WithoutCancel(ctx)
	p.triggers.Add(1)
	time.AfterFunc(p.triggerDelay, func() {
		defer p.triggers.Done()
		p.trigger(bg, acct.subjectID, acct.email, meta)
	})
}

// issue mints a session with a signed access token. An empty sessionID
// starts a new session; a refresh keeps the old one.
func (p *Provider) issue(subjectID, email, sessionID string) (*identity.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := p.nowFunc()
	expires := now.Add(p.ttl)
	accessToken, err := token.Issue(p.signer, subjectID, email, sessionID, now, expires)
	if err != nil {
		return nil, err
	}
	return &identity.Session{
		ID:            sessionID,
		SubjectID:     subjectID,
		Email:         email,
		IssuedAt:      now,
		ExpiresAt:     expires,
		AccessToken:   accessToken,
		RefreshHandle: uuid.NewString(),
	}, nil
}

// remote simulates the network round trip.
func (p *Provider) remote(ctx context.Context) error {
	if p.delay > 0 {
		t := time.NewTimer(p.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failure
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), bcrypt.MinCost)

func newAccount(email, password string, confirmed bool) (*account, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("[providerfake] email is required")
	}
	if password == "" {
		return nil, errors.New("[providerfake] password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	return &account{
		subjectID: uuid.NewString(),
		email:     normalize(email),
		hash:      hash,
		confirmed: confirmed,
	}, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
