package config

import (
	"time"

	"github.com/jrsteele09/go-auth-session/session"
)

// SessionConfig holds the timing of the session manager. Defaults match the
// reference behaviour; tests and slow networks can override them.
type SessionConfig struct {
	LoginTimeout        time.Duration `env:"LOGIN_TIMEOUT" envDefault:"30s"`
	ProfileLoadTimeout  time.Duration `env:"PROFILE_LOAD_TIMEOUT" envDefault:"10s"`
	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL" envDefault:"2m"`
	RefreshThreshold    time.Duration `env:"REFRESH_THRESHOLD" envDefault:"15m"`
	ActivityThreshold   time.Duration `env:"ACTIVITY_THRESHOLD" envDefault:"20m"`
	ActivityMinInterval time.Duration `env:"ACTIVITY_MIN_INTERVAL" envDefault:"5s"`

	ProfilePollInitial    time.Duration `env:"PROFILE_POLL_INITIAL" envDefault:"250ms"`
	ProfilePollMultiplier float64       `env:"PROFILE_POLL_MULTIPLIER" envDefault:"2"`
	ProfilePollAttempts   int           `env:"PROFILE_POLL_ATTEMPTS" envDefault:"3"`
}

// Manager converts the settings into the session manager's configuration.
func (c SessionConfig) Manager() session.Config {
	return session.Config{
		LoginTimeout:        c.LoginTimeout,
		ProfileLoadTimeout:  c.ProfileLoadTimeout,
		RefreshInterval:     c.RefreshInterval,
		RefreshThreshold:    c.RefreshThreshold,
		ActivityThreshold:   c.ActivityThreshold,
		ActivityMinInterval: c.ActivityMinInterval,
		ProfilePoll: session.PollConfig{
			Initial:    c.ProfilePollInitial,
			Multiplier: c.ProfilePollMultiplier,
			Attempts:   c.ProfilePollAttempts,
		},
	}
}
