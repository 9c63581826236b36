package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "authsession"

// Metrics are the Prometheus collectors of one Manager.
type Metrics struct {
	Logins       *prometheus.CounterVec
	Refreshes    *prometheus.CounterVec
	ProfileLoads *prometheus.CounterVec
	Invitations  *prometheus.CounterVec
	State        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Logins: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "logins_total",
				Help:      "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		Refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "refreshes_total",
				Help:      "Session refresh attempts by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		ProfileLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "profile_loads_total",
				Help:      "Profile resolutions by outcome",
			},
			[]string{"outcome"},
		),
		Invitations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "invitations_total",
				Help:      "Invitation redemptions by outcome",
			},
			[]string{"outcome"},
		),
		State: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "state",
				Help:      "Current manager state (0 anonymous, 1 resolving, 2 authenticated, 3 deactivated)",
			},
		),
	}
}
