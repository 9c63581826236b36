package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jrsteele09/go-auth-session/profile"
)

const shutdownTimeout = 5 * time.Second

// run restores the session, then drives the refresh scheduler and the
// metrics endpoint until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	unsubscribe := a.manager.Subscribe(func(p *profile.UserProfile) {
		if p == nil {
			a.logger.Info().Msg("signed out")
			return
		}
		a.logger.Info().Str("subject", p.ID).Str("email", p.Email).Msg("signed in")
	})
	defer unsubscribe()
	a.manager.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.manager.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	resumed := make(chan os.Signal, 1)
	signal.Notify(resumed, syscall.SIGCONT)
	defer signal.Stop(resumed)
	g.Go(func() error {
		a.forwardActivity(gctx, resumed)
		return nil
	})

	if a.cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           a.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			return a.listenAndServe(server)
		})
		g.Go(func() error {
			<-gctx.Done()
			return shutdown(server)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info().Msg("stopped")
	return nil
}

// forwardActivity reports each resume of the process (SIGCONT after a
// suspend) as client activity, so a session that aged while stopped is
// refreshed without waiting for the next tick.
func (a *app) forwardActivity(ctx context.Context, resumed <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-resumed:
			a.logger.Debug().Str("signal", sig.String()).Msg("resumed")
			a.manager.Activity()
		}
	}
}

func (a *app) metricsHandler() http.Handler {
	mw := []middleware{loggingMiddleware(a.logger), recoverMiddleware(a.logger)}
	metrics := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", chainMiddleware(metrics.ServeHTTP, mw...))
	mux.HandleFunc("/healthz", chainMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, a.manager.State())
	}, mw...))
	return mux
}

func (a *app) listenAndServe(server *http.Server) error {
	a.logger.Info().Str("addr", server.Addr).Msg("metrics listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
