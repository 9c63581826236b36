package kratos_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/kratos"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
	"github.com/stretchr/testify/require"
)

const (
	testSubject = "0b7c2d43-6a8d-4d4a-9c65-3b3f0c0a1e11"
	testToken   = "ory_st_test"
)

type fakeKratos struct {
	t          *testing.T
	expiresAt  time.Time
	loginReply func(w http.ResponseWriter, r *http.Request)
	whoamiCode int
	logouts    int
}

func newFakeKratos(t *testing.T) (*fakeKratos, *httptest.Server) {
	t.Helper()
	f := &fakeKratos{t: t, expiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second), whoamiCode: http.StatusOK}
	f.loginReply = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":       f.session(),
			"session_token": testToken,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/self-service/login/api", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, flow("login"))
	})
	mux.HandleFunc("/self-service/login", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "flow-login", r.URL.Query().Get("flow"))
		f.loginReply(w, r)
	})
	mux.HandleFunc("/sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		if f.whoamiCode != http.StatusOK {
			writeJSON(w, f.whoamiCode, map[string]interface{}{"error": map[string]interface{}{"code": f.whoamiCode, "message": "no session"}})
			return
		}
		require.Equal(t, testToken, r.Header.Get("X-Session-Token"))
		writeJSON(w, http.StatusOK, f.session())
	})
	mux.HandleFunc("/self-service/logout/api", func(w http.ResponseWriter, _ *http.Request) {
		f.logouts++
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeKratos) session() map[string]interface{} {
	return map[string]interface{}{
		"id":               "sess-1",
		"active":           true,
		"expires_at":       f.expiresAt.Format(time.RFC3339),
		"issued_at":        time.Now().UTC().Format(time.RFC3339),
		"authenticated_at": time.Now().UTC().Format(time.RFC3339),
		"identity": map[string]interface{}{
			"id":         testSubject,
			"schema_id":  "default",
			"schema_url": "http://localhost/schemas/default",
			"traits":     map[string]interface{}{"email": "max@club.org"},
		},
	}
}

func flow(kind string) map[string]interface{} {
	now := time.Now().UTC()
	return map[string]interface{}{
		"id":          "flow-" + kind,
		"type":        "api",
		"state":       "choose_method",
		"expires_at":  now.Add(10 * time.Minute).Format(time.RFC3339),
		"issued_at":   now.Format(time.RFC3339),
		"request_url": "http://localhost/self-service/" + kind + "/api",
		"ui": map[string]interface{}{
			"action": "http://localhost/self-service/" + kind + "?flow=flow-" + kind,
			"method": "POST",
			"nodes":  []interface{}{},
		},
	}
}

func flowWithMessage(kind string, id int) map[string]interface{} {
	f := flow(kind)
	f["ui"].(map[string]interface{})["messages"] = []interface{}{
		map[string]interface{}{"id": id, "text": "rejected", "type": "error"},
	}
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newProvider(t *testing.T, url string) (*kratos.Provider, sessionstore.Store) {
	t.Helper()
	store := sessionstore.NewMemoryStore()
	p, err := kratos.New(url, "", store)
	require.NoError(t, err)
	return p, store
}

func TestNew_Validation(t *testing.T) {
	_, err := kratos.New("", "", sessionstore.NewMemoryStore())
	require.Error(t, err)
	_, err = kratos.New("http://localhost", "", nil)
	require.Error(t, err)
}

func TestProvider_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("success persists session", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		p, store := newProvider(t, srv.URL)

		s, ok := identity.SessionOf(p.Login(ctx, "max@club.org", "pw123456"))
		require.True(t, ok)
		require.Equal(t, testSubject, s.SubjectID)
		require.Equal(t, "max@club.org", s.Email)
		require.Equal(t, testToken, s.AccessToken)
		require.True(t, s.ExpiresAt.Equal(f.expiresAt))

		stored, err := store.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, s.ID, stored.ID)
	})

	t.Run("bad credentials", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		f.loginReply = func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadRequest, flowWithMessage("login", 4000006))
		}
		p, _ := newProvider(t, srv.URL)
		require.IsType(t, identity.InvalidCredentials{}, p.Login(ctx, "max@club.org", "wrong"))
	})

	t.Run("unverified address", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		f.loginReply = func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusBadRequest, flowWithMessage("login", 4000010))
		}
		p, _ := newProvider(t, srv.URL)
		require.IsType(t, identity.EmailUnconfirmed{}, p.Login(ctx, "max@club.org", "pw123456"))
	})

	t.Run("server error", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		f.loginReply = func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": map[string]interface{}{"code": 500, "message": "boom"}})
		}
		p, _ := newProvider(t, srv.URL)
		require.IsType(t, identity.InfrastructureError{}, p.Login(ctx, "max@club.org", "pw123456"))
	})

	t.Run("unreachable", func(t *testing.T) {
		_, srv := newFakeKratos(t)
		p, _ := newProvider(t, srv.URL)
		srv.Close()
		require.IsType(t, identity.InfrastructureError{}, p.Login(ctx, "max@club.org", "pw123456"))
	})
}

func TestProvider_RefreshSession(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		_, srv := newFakeKratos(t)
		p, _ := newProvider(t, srv.URL)
		res, ok := p.RefreshSession(ctx).(identity.InfrastructureError)
		require.True(t, ok)
		require.ErrorIs(t, res, identity.ErrNoSession)
	})

	t.Run("re-reads expiry and emits", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		p, _ := newProvider(t, srv.URL)
		_, ok := identity.SessionOf(p.Login(ctx, "max@club.org", "pw123456"))
		require.True(t, ok)

		var events []identity.Event
		defer p.OnStateChange(func(ev identity.Event) { events = append(events, ev) })()

		f.expiresAt = f.expiresAt.Add(time.Hour)
		s, ok := identity.SessionOf(p.RefreshSession(ctx))
		require.True(t, ok)
		require.True(t, s.ExpiresAt.Equal(f.expiresAt))
		require.Len(t, events, 1)
		require.Equal(t, identity.TokenRefreshed, events[0].Kind)
	})

	t.Run("revoked token signs out", func(t *testing.T) {
		f, srv := newFakeKratos(t)
		p, store := newProvider(t, srv.URL)
		p.Login(ctx, "max@club.org", "pw123456")

		var kinds []identity.EventKind
		defer p.OnStateChange(func(ev identity.Event) { kinds = append(kinds, ev.Kind) })()

		f.whoamiCode = http.StatusUnauthorized
		require.IsType(t, identity.InvalidCredentials{}, p.RefreshSession(ctx))
		require.Equal(t, []identity.EventKind{identity.SignedOut}, kinds)

		s, err := store.Load(ctx)
		require.NoError(t, err)
		require.Nil(t, s)
	})
}

func TestProvider_Logout(t *testing.T) {
	ctx := context.Background()
	f, srv := newFakeKratos(t)
	p, store := newProvider(t, srv.URL)
	p.Login(ctx, "max@club.org", "pw123456")

	require.NoError(t, p.Logout(ctx))
	require.Equal(t, 1, f.logouts)

	s, err := store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, s)

	// Nothing to revoke the second time
	require.NoError(t, p.Logout(ctx))
	require.Equal(t, 1, f.logouts)
}

func TestProvider_GetSessionDropsExpired(t *testing.T) {
	ctx := context.Background()
	store := sessionstore.NewMemoryStore()
	require.NoError(t, store.Save(ctx, &identity.Session{SubjectID: testSubject, ExpiresAt: time.Now().Add(-time.Minute)}))

	p, err := kratos.New("http://localhost", "", store)
	require.NoError(t, err)

	s, err := p.GetSession(ctx)
	require.NoError(t, err)
	require.Nil(t, s)

	require.ErrorIs(t, p.ChangePassword(ctx, "newpass99"), identity.ErrNoSession)
}
