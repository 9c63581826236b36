package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/kratos"
	"github.com/jrsteele09/go-auth-session/identity/oidc"
	"github.com/jrsteele09/go-auth-session/identity/providerfake"
	"github.com/jrsteele09/go-auth-session/identity/sessionstore"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/profile"
	"github.com/jrsteele09/go-auth-session/profile/postgres"
	"github.com/jrsteele09/go-auth-session/profile/repofake"
	"github.com/jrsteele09/go-auth-session/session"
)

// app is the composition root: one Manager plus the resources it owns.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	manager  *session.Manager
	closers  []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	if err := a.wire(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("release partially built app")
		}
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	store, err := a.sessionStore()
	if err != nil {
		return err
	}
	repo, err := a.profileRepository(ctx)
	if err != nil {
		return err
	}
	provider, err := a.identityProvider(ctx, store, repo)
	if err != nil {
		return err
	}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.manager, err = session.New(provider, repo, a.cfg.Session.Manager(),
		session.WithLogger(a.logger),
		session.WithMetrics(session.NewMetrics(a.registry)),
	)
	if err != nil {
		return errors.Wrap(err, "newApp session.New")
	}
	a.closers = append(a.closers, func() error {
		a.manager.Close()
		return nil
	})
	return nil
}

func (a *app) sessionStore() (sessionstore.Store, error) {
	if a.cfg.Store.RedisAddr == "" {
		a.logger.Debug().Msg("session store: memory")
		return sessionstore.NewMemoryStore(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Store.RedisAddr,
		Password: a.cfg.Store.RedisPassword,
		DB:       a.cfg.Store.RedisDB,
	})
	a.closers = append(a.closers, client.Close)

	store, err := sessionstore.NewRedisStore(client, a.cfg.ClientID)
	if err != nil {
		return nil, errors.Wrap(err, "sessionStore NewRedisStore")
	}
	a.logger.Debug().Str("addr", a.cfg.Store.RedisAddr).Msg("session store: redis")
	return store, nil
}

func (a *app) profileRepository(ctx context.Context) (profile.Repository, error) {
	if a.cfg.Database.URL == "" {
		a.logger.Debug().Msg("profile repository: memory")
		return repofake.NewFakeProfileRepo(), nil
	}

	pool, err := postgres.Open(ctx, a.cfg.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "profileRepository postgres.Open")
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.cfg.Database.EnsureSchema {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, errors.Wrap(err, "profileRepository postgres.EnsureSchema")
		}
	}
	repo, err := postgres.NewProfileRepository(pool, a.logger)
	if err != nil {
		return nil, errors.Wrap(err, "profileRepository postgres.NewProfileRepository")
	}
	return repo, nil
}

func (a *app) identityProvider(ctx context.Context, store sessionstore.Store, repo profile.Repository) (identity.Provider, error) {
	p := a.cfg.Provider
	switch strings.ToLower(p.Kind) {
	case config.ProviderKratos:
		provider, err := kratos.New(p.KratosPublicURL, p.KratosAdminURL, store, kratos.WithLogger(a.logger))
		if err != nil {
			return nil, errors.Wrap(err, "identityProvider kratos.New")
		}
		return provider, nil
	case config.ProviderOIDC:
		provider, err := oidc.Discover(ctx, p.OIDCIssuer, p.OIDCClientID, p.OIDCClientSecret, p.OIDCScopes, store, oidc.WithLogger(a.logger))
		if err != nil {
			return nil, errors.Wrap(err, "identityProvider oidc.Discover")
		}
		return provider, nil
	default:
		// Stand in for the database trigger a real deployment installs.
		return providerfake.New(
			providerfake.WithStore(store),
			providerfake.WithTrigger(0, profileTrigger(repo, a.logger)),
		), nil
	}
}

// profileTrigger writes the profile row for a new account. The name falls
// back to the local part of the email.
func profileTrigger(repo profile.Repository, logger zerolog.Logger) providerfake.TriggerFunc {
	return func(ctx context.Context, subjectID, email string, meta identity.Metadata) {
		name := meta.Name
		if name == "" {
			name, _, _ = strings.Cut(email, "@")
		}
		p := &profile.UserProfile{
			ID:     subjectID,
			Email:  email,
			Name:   name,
			Role:   profile.RoleMember,
			Active: true,
		}
		if meta.RegistrationToken != "" {
			token := meta.RegistrationToken
			p.RegistrationToken = &token
		}
		if _, err := repo.CreateUser(ctx, p); err != nil {
			logger.Warn().Err(err).Str("subject", subjectID).Msg("profile trigger")
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return apperrors.Wrapf(apperrors.Join(errs...), "[app.Close]")
}
