// Package backoff provides the reconnect delay policies used by the realtime client.
package backoff

import (
	"fmt"
	"strings"
	"time"

	cb "github.com/cenkalti/backoff/v4"
)

// Policy yields the delay before each reconnect attempt; Stop means give up.
type Policy = cb.BackOff

// Stop is returned by a Policy that will not retry again
const Stop = cb.Stop

const (
	StrategyFixed       = "fixed"
	StrategyExponential = "exponential"

	DefaultDelay      = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
)

// Config selects and tunes a policy
type Config struct {
	Strategy   string
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64
	// MaxElapsed stops retrying once this much time has passed since the last reset; zero retries forever.
	MaxElapsed time.Duration
	// MaxRetries caps consecutive attempts; zero means unlimited.
	MaxRetries uint64
}

// Fixed retries forever with a constant delay
func Fixed(delay time.Duration) Policy {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return cb.NewConstantBackOff(delay)
}

// Exponential grows the delay geometrically up to MaxDelay, randomised by Jitter.
func Exponential(cfg Config) Policy {
	b := cb.NewExponentialBackOff()
	b.InitialInterval = orDefault(cfg.Delay, DefaultDelay)
	b.MaxInterval = orDefault(cfg.MaxDelay, DefaultMaxDelay)
	b.Multiplier = cfg.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = cfg.MaxElapsed
	b.Reset()
	return b
}

// FromConfig builds the policy named by cfg.Strategy. An empty strategy is fixed.
func FromConfig(cfg Config) (Policy, error) {
	var p Policy
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategyFixed:
		p = Fixed(cfg.Delay)
	case StrategyExponential:
		p = Exponential(cfg)
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", cfg.Strategy)
	}

	if cfg.MaxRetries > 0 {
		p = cb.WithMaxRetries(p, cfg.MaxRetries)
	}
	return p, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
