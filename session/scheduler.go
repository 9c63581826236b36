package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/internal/flight"
)

// Refresh triggers, used as metric labels.
const (
	TriggerTick     = "tick"
	TriggerActivity = "activity"
	TriggerDemand   = "demand"
)

const refreshKey = "refresh"

// Scheduler keeps the provider session alive. A ticker checks the remaining
// lifetime against RefreshThreshold; activity signals check immediately
// against the larger ActivityThreshold. Concurrent refreshes share one
// provider call, so the two paths can race freely.
type Scheduler struct {
	provider          identity.Provider
	interval          time.Duration
	threshold         time.Duration
	activityThreshold time.Duration
	limiter           *rate.Limiter
	activity          chan struct{}
	refreshes         flight.Group[identity.AuthResult]

	logger  zerolog.Logger
	metrics *Metrics
	nowFunc func() time.Time
}

func newScheduler(provider identity.Provider, cfg Config, logger zerolog.Logger, metrics *Metrics, now func() time.Time) *Scheduler {
	limit := rate.Inf
	if cfg.ActivityMinInterval > 0 {
		limit = rate.Every(cfg.ActivityMinInterval)
	}
	return &Scheduler{
		provider:          provider,
		interval:          cfg.RefreshInterval,
		threshold:         cfg.RefreshThreshold,
		activityThreshold: cfg.ActivityThreshold,
		limiter:           rate.NewLimiter(limit, 1),
		activity:          make(chan struct{}, 1),
		logger:            logger,
		metrics:           metrics,
		nowFunc:           now,
	}
}

// Run drives the ticker and activity checks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Check(ctx, s.threshold, TriggerTick)
		case <-s.activity:
			s.Check(ctx, s.activityThreshold, TriggerActivity)
		}
	}
}

// Activity signals that the client became active again. Bursts are
// throttled and never block.
func (s *Scheduler) Activity() {
	if !s.limiter.Allow() {
		return
	}
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// Check refreshes the session when its remaining lifetime is below
// threshold. It reports whether a refresh was attempted.
func (s *Scheduler) Check(ctx context.Context, threshold time.Duration, trigger string) bool {
	current, err := s.provider.GetSession(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Str("trigger", trigger).Msg("read session for refresh check")
		return false
	}
	if current == nil || !current.NeedsRefresh(s.nowFunc(), threshold) {
		return false
	}
	s.Refresh(ctx, trigger)
	return true
}

// Refresh asks the provider for a fresh session, joining a refresh that is
// already running. Failures are logged and left for the next tick.
func (s *Scheduler) Refresh(ctx context.Context, trigger string) identity.AuthResult {
	res, _, _ := s.refreshes.Do(refreshKey, func() (identity.AuthResult, error) {
		r := s.provider.RefreshSession(ctx)
		s.record(trigger, r)
		return r, nil
	})
	return res
}

func (s *Scheduler) record(trigger string, res identity.AuthResult) {
	outcome := "ok"
	switch r := res.(type) {
	case identity.Authenticated:
	case identity.InfrastructureError:
		outcome = "error"
		s.logger.Debug().Err(r).Str("trigger", trigger).Msg("session refresh failed")
	default:
		outcome = "rejected"
		s.logger.Debug().Str("trigger", trigger).Msg("session refresh rejected")
	}
	s.metrics.Refreshes.WithLabelValues(trigger, outcome).Inc()
}
