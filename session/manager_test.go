package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/providerfake"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/profile"
	"github.com/jrsteele09/go-auth-session/profile/repofake"
	"github.com/jrsteele09/go-auth-session/session"
)

var errNetwork = errors.New("network down")

func TestNew_Validation(t *testing.T) {
	_, err := session.New(nil, repofake.NewFakeProfileRepo(), session.Config{})
	require.Error(t, err)

	_, err = session.New(providerfake.New(), nil, session.Config{})
	require.Error(t, err)
}

func TestManager_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)

		p, err := f.manager.Login(ctx, "max@club.org", testPassword)
		require.NoError(t, err)
		require.Equal(t, user.ID, p.ID)
		require.Equal(t, user.ID, f.manager.CurrentUser().ID)
		require.Equal(t, session.Authenticated, f.manager.State())
		require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Logins.WithLabelValues("ok")))
		require.Equal(t, float64(session.Authenticated), testutil.ToFloat64(f.metrics.State))
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.addUser("max@club.org", true)

		p, err := f.manager.Login(ctx, "max@club.org", "wrong")
		require.NoError(t, err)
		require.Nil(t, p)
		require.Nil(t, f.manager.CurrentUser())
		require.Equal(t, session.Anonymous, f.manager.State())
	})

	t.Run("unknown account looks like wrong password", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})

		p, err := f.manager.Login(ctx, "ghost@club.org", testPassword)
		require.NoError(t, err)
		require.Nil(t, p)
		require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Logins.WithLabelValues("invalid_credentials")))
	})

	t.Run("unconfirmed email", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{provider: []providerfake.Option{providerfake.WithRequireConfirmation(true)}})
		_, err := f.provider.SignUp(ctx, "new@club.org", testPassword, identity.Metadata{})
		require.NoError(t, err)

		p, err := f.manager.Login(ctx, "new@club.org", testPassword)
		require.NoError(t, err)
		require.Nil(t, p)
		require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Logins.WithLabelValues("email_unconfirmed")))
	})

	t.Run("provider failure", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.addUser("max@club.org", true)
		f.provider.SetFailure(errNetwork)

		p, err := f.manager.Login(ctx, "max@club.org", testPassword)
		require.NoError(t, err)
		require.Nil(t, p)
		require.Equal(t, session.Anonymous, f.manager.State())
	})

	t.Run("missing profile is created from the session", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		id, err := f.provider.AddAccount("solo@club.org", testPassword)
		require.NoError(t, err)

		p := f.login("solo@club.org")
		require.Equal(t, id, p.ID)
		require.Equal(t, "solo@club.org", p.Email)
		require.Equal(t, "solo", p.Name)
		require.Equal(t, profile.RoleMember, p.Role)
		require.True(t, p.Active)
		require.Equal(t, 1, f.repo.CreateCalls())
	})
}

func TestManager_LoginTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.LoginTimeout = 30 * time.Millisecond
	f := newFixture(t, fixtureOpts{cfg: cfg, provider: []providerfake.Option{providerfake.WithDelay(300 * time.Millisecond)}})
	f.addUser("max@club.org", true)

	start := time.Now()
	p, err := f.manager.Login(context.Background(), "max@club.org", testPassword)
	require.ErrorIs(t, err, session.ErrLoginTimeout)
	require.Nil(t, p)
	require.Less(t, time.Since(start), 250*time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Logins.WithLabelValues("timeout")))
}

func TestManager_LoginCallerCancelled(t *testing.T) {
	f := newFixture(t, fixtureOpts{provider: []providerfake.Option{providerfake.WithDelay(300 * time.Millisecond)}})
	f.addUser("max@club.org", true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p, err := f.manager.Login(ctx, "max@club.org", testPassword)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, p)
}

func TestManager_Deactivation(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addUser("gone@club.org", false)

	rec := &recorder{}
	defer f.manager.Subscribe(rec.listen)()

	p, err := f.manager.Login(context.Background(), "gone@club.org", testPassword)
	require.NoError(t, err)
	require.Nil(t, p)
	require.Nil(t, f.manager.CurrentUser())
	require.Equal(t, session.Anonymous, f.manager.State())

	// The provider session that "succeeded" is gone too
	require.Equal(t, int64(1), f.provider.LogoutCalls())
	require.Empty(t, f.sessionSubject())
	require.Equal(t, "", rec.last())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ProfileLoads.WithLabelValues("deactivated")))
}

func TestManager_DeactivationThroughSharedLoad(t *testing.T) {
	ctx := context.Background()
	repo := newGatedRepo()
	f := newFixture(t, fixtureOpts{repo: repo})
	f.addUser("gone@club.org", false)
	done := make(chan *profile.UserProfile, 1)

	// The first login gives up while its profile read is still pending
	first, cancel := context.WithCancel(ctx)
	go func() {
		p, _ := f.manager.Login(first, "gone@club.org", testPassword)
		done <- p
	}()
	<-repo.entered
	cancel()
	require.Nil(t, <-done)

	// Logout moves the cache to a new epoch while that read is in flight
	f.manager.Logout(ctx)
	require.Equal(t, int64(1), f.provider.LogoutCalls())

	go func() {
		p, _ := f.manager.Login(ctx, "gone@club.org", testPassword)
		done <- p
	}()
	require.Eventually(t, func() bool { return f.provider.LoginCalls() == 2 }, time.Second, time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	close(repo.release)

	require.Nil(t, <-done)
	require.Equal(t, int64(2), f.provider.LogoutCalls())
	require.Empty(t, f.sessionSubject())
	require.Nil(t, f.manager.CurrentUser())
	require.Equal(t, session.Anonymous, f.manager.State())
}

func TestManager_Logout(t *testing.T) {
	ctx := context.Background()

	t.Run("clears cache and notifies", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)
		f.login("max@club.org")

		rec := &recorder{}
		defer f.manager.Subscribe(rec.listen)()

		f.manager.Logout(ctx)
		require.Nil(t, f.manager.CurrentUser())
		require.Equal(t, session.Anonymous, f.manager.State())
		require.Equal(t, []string{user.ID, ""}, rec.seen())
		require.Empty(t, f.sessionSubject())
	})

	t.Run("provider failure still clears local state", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{wrapIDP: func(p *providerfake.Provider) identity.Provider {
			return failingLogout{p}
		}})
		user := f.addUser("max@club.org", true)
		f.login("max@club.org")

		rec := &recorder{}
		defer f.manager.Subscribe(rec.listen)()

		f.manager.Logout(ctx)
		require.Nil(t, f.manager.CurrentUser())
		require.Equal(t, []string{user.ID, ""}, rec.seen())
	})
}

// failingLogout is a provider whose logout call never reaches the server.
type failingLogout struct {
	*providerfake.Provider
}

func (failingLogout) Logout(context.Context) error {
	return errNetwork
}

func TestManager_SubscribeReplay(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	user := f.addUser("max@club.org", true)

	early := &recorder{}
	unsubscribeEarly := f.manager.Subscribe(early.listen)
	require.Equal(t, []string{""}, early.seen())

	f.login("max@club.org")

	late := &recorder{}
	unsubscribeLate := f.manager.Subscribe(late.listen)
	require.Equal(t, []string{user.ID}, late.seen())

	unsubscribeEarly()
	unsubscribeEarly()
	f.manager.Logout(context.Background())
	unsubscribeLate()

	require.Equal(t, []string{"", user.ID}, early.seen())
	require.Equal(t, []string{user.ID, ""}, late.seen())
}

func TestManager_ListenerOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addUser("max@club.org", true)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		defer f.manager.Subscribe(func(p *profile.UserProfile) {
			if p == nil {
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})()
	}

	f.login("max@club.org")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManager_SingleFlightLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	user := f.addUser("max@club.org", true)
	f.repo.GetDelay = 50 * time.Millisecond

	// Session exists at the provider but nothing is cached yet
	_, ok := identity.SessionOf(f.provider.Login(ctx, "max@club.org", testPassword))
	require.True(t, ok)

	const callers = 20
	var wg sync.WaitGroup
	results := make([]*profile.UserProfile, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.manager.CurrentUserAsync(ctx)
		}(i)
	}
	wg.Wait()

	for _, p := range results {
		require.NotNil(t, p)
		require.Equal(t, user.ID, p.ID)
	}
	require.Equal(t, 1, f.repo.GetCalls())

	// Cached from now on
	require.Equal(t, user.ID, f.manager.CurrentUserAsync(ctx).ID)
	require.Equal(t, 1, f.repo.GetCalls())
}

func TestManager_ProfileLoadTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("login degrades to nil", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProfileLoadTimeout = 30 * time.Millisecond
		f := newFixture(t, fixtureOpts{cfg: cfg})
		user := f.addUser("max@club.org", true)
		f.repo.GetDelay = 150 * time.Millisecond

		start := time.Now()
		p, err := f.manager.Login(ctx, "max@club.org", testPassword)
		require.NoError(t, err)
		require.Nil(t, p)
		require.Less(t, time.Since(start), 120*time.Millisecond)

		// The load is not cancelled and fills the cache when it lands; the
		// value already returned stays nil.
		require.Eventually(t, func() bool {
			c := f.manager.CurrentUser()
			return c != nil && c.ID == user.ID
		}, time.Second, 10*time.Millisecond)
		require.Nil(t, p)
		f.requireConsistent()
	})

	t.Run("late load after logout is discarded", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProfileLoadTimeout = 30 * time.Millisecond
		f := newFixture(t, fixtureOpts{cfg: cfg})
		f.addUser("max@club.org", true)
		f.repo.GetDelay = 100 * time.Millisecond

		p, err := f.manager.Login(ctx, "max@club.org", testPassword)
		require.NoError(t, err)
		require.Nil(t, p)
		f.manager.Logout(ctx)

		time.Sleep(200 * time.Millisecond)
		require.Nil(t, f.manager.CurrentUser())
		require.Equal(t, session.Anonymous, f.manager.State())
	})
}

func TestManager_CacheFollowsSessionSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	alice := f.addUser("alice@club.org", true)
	bob := f.addUser("bob@club.org", true)
	f.manager.Start(ctx)
	require.Nil(t, f.manager.CurrentUserAsync(ctx))

	rec := &recorder{}
	defer f.manager.Subscribe(rec.listen)()

	f.login("alice@club.org")
	f.requireConsistent()

	f.login("bob@club.org")
	f.requireConsistent()
	require.Equal(t, bob.ID, f.manager.CurrentUser().ID)

	_, err := f.manager.Login(ctx, "alice@club.org", "wrong")
	require.NoError(t, err)
	f.requireConsistent()

	require.NoError(t, f.provider.Revoke(ctx))
	require.Nil(t, f.manager.CurrentUser())

	// Never switches subject without passing through nil
	require.Equal(t, []string{"", alice.ID, "", bob.ID, ""}, rec.seen())
}

func TestManager_Start(t *testing.T) {
	ctx := context.Background()

	t.Run("restores persisted session", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)
		f.provider.Login(ctx, "max@club.org", testPassword)
		f.repo.GetDelay = 50 * time.Millisecond

		f.manager.Start(ctx)
		f.manager.Start(ctx)
		require.Equal(t, session.Resolving, f.manager.State())

		p := f.manager.CurrentUserAsync(ctx)
		require.NotNil(t, p)
		require.Equal(t, user.ID, p.ID)
		require.Equal(t, session.Authenticated, f.manager.State())
	})

	t.Run("no session", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.manager.Start(ctx)

		require.Nil(t, f.manager.CurrentUserAsync(ctx))
		require.Equal(t, session.Anonymous, f.manager.State())
	})

	t.Run("signed out event clears cache", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.addUser("max@club.org", true)
		f.manager.Start(ctx)
		f.login("max@club.org")

		require.NoError(t, f.provider.Revoke(ctx))
		require.Nil(t, f.manager.CurrentUser())
		require.Equal(t, session.Anonymous, f.manager.State())
	})

	t.Run("refresh for an unknown subject loads its profile", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)
		f.manager.Start(ctx)
		require.Nil(t, f.manager.CurrentUserAsync(ctx))

		// Logged in behind the manager's back, then refreshed
		f.provider.Login(ctx, "max@club.org", testPassword)
		f.provider.RefreshSession(ctx)

		require.Eventually(t, func() bool {
			c := f.manager.CurrentUser()
			return c != nil && c.ID == user.ID
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("session restored from another client loads its profile", func(t *testing.T) {
		store := sessionstore.NewMemoryStore()
		cfg := testConfig()
		cfg.RefreshInterval = 10 * time.Millisecond
		f := newFixture(t, fixtureOpts{cfg: cfg, provider: []providerfake.Option{providerfake.WithStore(store)}})
		f.manager.Start(ctx)
		require.Nil(t, f.manager.CurrentUserAsync(ctx))

		other := providerfake.New(providerfake.WithStore(store))
		id, err := other.AddAccount("max@club.org", testPassword)
		require.NoError(t, err)
		f.repo.Put(&profile.UserProfile{ID: id, Email: "max@club.org", Name: "Max", Active: true, Registered: true})
		require.IsType(t, identity.Authenticated{}, other.Login(ctx, "max@club.org", testPassword))

		// The next tick reads the shared session back
		runScheduler(t, f.manager)
		require.Eventually(t, func() bool {
			c := f.manager.CurrentUser()
			return c != nil && c.ID == id
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, session.Authenticated, f.manager.State())
		require.Zero(t, f.provider.RefreshCalls())
	})
}

func TestManager_CurrentUserAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes a session close to expiry", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{provider: []providerfake.Option{providerfake.WithTTL(10 * time.Minute)}})
		user := f.addUser("max@club.org", true)
		f.login("max@club.org")

		p := f.manager.CurrentUserAsync(ctx)
		require.Equal(t, user.ID, p.ID)
		require.Equal(t, int64(1), f.provider.RefreshCalls())
		require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Refreshes.WithLabelValues(session.TriggerDemand, "ok")))
	})

	t.Run("fresh session is not refreshed", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.addUser("max@club.org", true)
		f.login("max@club.org")

		require.NotNil(t, f.manager.CurrentUserAsync(ctx))
		require.Equal(t, int64(0), f.provider.RefreshCalls())
	})

	t.Run("expired session clears the cache", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		f.addUser("max@club.org", true)
		f.login("max@club.org")
		require.NoError(t, f.provider.ExpireSessionIn(ctx, -time.Second))

		require.Nil(t, f.manager.CurrentUserAsync(ctx))
		require.Nil(t, f.manager.CurrentUser())
	})

	t.Run("concurrent refreshes share one provider call", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{provider: []providerfake.Option{
			providerfake.WithTTL(10 * time.Minute),
			providerfake.WithDelay(50 * time.Millisecond),
		}})
		f.addUser("max@club.org", true)
		f.login("max@club.org")

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				f.manager.CurrentUserAsync(ctx)
			}()
		}
		close(start)
		wg.Wait()
		require.Equal(t, int64(1), f.provider.RefreshCalls())
	})
}

func TestManager_UpdateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("applies locally then confirms", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)
		f.login("max@club.org")

		pending := f.manager.UpdateProfile(ctx, profile.Patch{Name: utils.Ptr("Maxine")})
		require.Equal(t, "Maxine", f.manager.CurrentUser().Name)

		p, err := pending.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, "Maxine", p.Name)

		stored, err := f.repo.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, "Maxine", stored.Name)
	})

	t.Run("failed write reconciles from the repository", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		user := f.addUser("max@club.org", true)
		f.login("max@club.org")

		// Someone else changed the phone number meanwhile
		remote := user.Clone()
		remote.Phone = "+44 20 7946 0000"
		f.repo.Put(remote)
		f.repo.UpdateErr = errNetwork

		_, err := f.manager.UpdateProfile(ctx, profile.Patch{Name: utils.Ptr("Maxine")}).Wait(ctx)
		require.ErrorIs(t, err, errNetwork)

		current := f.manager.CurrentUser()
		require.Equal(t, "Max", current.Name)
		require.Equal(t, "+44 20 7946 0000", current.Phone)
	})

	t.Run("requires a session", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		_, err := f.manager.UpdateProfile(ctx, profile.Patch{Name: utils.Ptr("x")}).Wait(ctx)
		require.ErrorIs(t, err, identity.ErrNoSession)
	})
}

func TestManager_ReloadProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	user := f.addUser("max@club.org", true)
	f.login("max@club.org")

	renamed := user.Clone()
	renamed.Name = "Maximilian"
	f.repo.Put(renamed)

	rec := &recorder{}
	defer f.manager.Subscribe(rec.listen)()

	p := f.manager.ReloadProfile(ctx)
	require.Equal(t, "Maximilian", p.Name)
	require.Equal(t, "Maximilian", f.manager.CurrentUser().Name)
	require.Equal(t, []string{user.ID, "", user.ID}, rec.seen())
}

func TestManager_PasswordOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.addUser("max@club.org", true)

	require.True(t, f.manager.ResetPassword(ctx, "max@club.org"))
	require.False(t, f.manager.ChangePassword(ctx, "newpass99"))

	f.login("max@club.org")
	require.True(t, f.manager.ChangePassword(ctx, "newpass99"))

	f.provider.SetFailure(errNetwork)
	require.False(t, f.manager.ResetPassword(ctx, "max@club.org"))
}
