package transport

import "time"

// BackoffConfig defines retry backoff behavior. Jitter is the +/- fraction
// applied to each delay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Config defines connector reliability defaults.
type Config struct {
	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	MaxAttempts          int
	MaxConnectAttempts   int
	MaxReconnectAttempts int
	Workers              int
	QueueSize            int
	Backoff              BackoffConfig
	Breaker              BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		PublishTimeout:       5 * time.Second,
		MaxAttempts:          3,
		MaxConnectAttempts:   3,
		MaxReconnectAttempts: 0,
		Workers:              4,
		QueueSize:            256,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig. MaxReconnectAttempts
// keeps zero as unbounded.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		c.Backoff.Jitter = d.Backoff.Jitter
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = d.Breaker.FailureThreshold
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = d.Breaker.ResetTimeout
	}
	return c
}
