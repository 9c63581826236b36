package session

import "time"

// PollConfig bounds the wait for the provider-side trigger that creates the
// profile row after sign-up. Each attempt waits, then reads; the interval
// grows by Multiplier. When every attempt misses, the profile is created
// directly.
type PollConfig struct {
	Initial    time.Duration
	Multiplier float64
	Attempts   int
}

// Config holds the timing of a Manager.
type Config struct {
	LoginTimeout        time.Duration
	ProfileLoadTimeout  time.Duration
	RefreshInterval     time.Duration
	RefreshThreshold    time.Duration
	ActivityThreshold   time.Duration
	ActivityMinInterval time.Duration
	ProfilePoll         PollConfig
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		LoginTimeout:        30 * time.Second,
		ProfileLoadTimeout:  10 * time.Second,
		RefreshInterval:     2 * time.Minute,
		RefreshThreshold:    15 * time.Minute,
		ActivityThreshold:   20 * time.Minute,
		ActivityMinInterval: 5 * time.Second,
		ProfilePoll: PollConfig{
			Initial:    250 * time.Millisecond,
			Multiplier: 2,
			Attempts:   3,
		},
	}
}

// withDefaults fills zero or invalid fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = d.LoginTimeout
	}
	if c.ProfileLoadTimeout <= 0 {
		c.ProfileLoadTimeout = d.ProfileLoadTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = d.RefreshThreshold
	}
	if c.ActivityThreshold <= 0 {
		c.ActivityThreshold = d.ActivityThreshold
	}
	if c.ActivityMinInterval < 0 {
		c.ActivityMinInterval = 0
	}
	if c.ProfilePoll.Initial <= 0 {
		c.ProfilePoll.Initial = d.ProfilePoll.Initial
	}
	if c.ProfilePoll.Multiplier < 1 {
		c.ProfilePoll.Multiplier = d.ProfilePoll.Multiplier
	}
	if c.ProfilePoll.Attempts <= 0 {
		c.ProfilePoll.Attempts = d.ProfilePoll.Attempts
	}
	return c
}
