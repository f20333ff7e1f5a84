package rotation

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	// defaultBaseInterval is the default time between rotation attempts.
	defaultBaseInterval = 30 * time.Second

	// defaultJitterMax is the default upper jitter bound.
	defaultJitterMax = 3 * time.Second

	// defaultHistorySize is the default reuse-exclusion window.
	defaultHistorySize = 8

	// defaultAttemptTimeout bounds one transport switch call.
	defaultAttemptTimeout = 300 * time.Millisecond
)

// Rand is the random source used for jitter.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Int64N(n int64) int64
}

// globalRand draws from the math/rand/v2 global source.
type globalRand struct{}

// Int64N implements Rand.
func (globalRand) Int64N(n int64) int64 {
	return rand.Int64N(n)
}

// Config holds the rotation policy.
type Config struct {
	// BaseInterval is the nominal time between attempts.
	BaseInterval time.Duration

	// JitterMin and JitterMax bound the delay added to BaseInterval.
	// JitterMin may be negative as long as BaseInterval+JitterMin > 0.
	JitterMin time.Duration
	JitterMax time.Duration

	// HistorySize is the number of recent identifiers that may not be reused.
	HistorySize int

	// AttemptTimeout bounds a switch call; exceeding it counts as rejected.
	AttemptTimeout time.Duration

	// Role tags every event (server, client, sim).
	Role string

	// Rand is the jitter source. Defaults to the math/rand/v2 global source.
	Rand Rand

	// Clock drives timers. Defaults to the wall clock.
	Clock Clock
}

// DefaultConfig returns the default rotation policy.
func DefaultConfig() Config {
	return Config{
		BaseInterval:   defaultBaseInterval,
		JitterMax:      defaultJitterMax,
		HistorySize:    defaultHistorySize,
		AttemptTimeout: defaultAttemptTimeout,
	}
}

// Validate checks the policy bounds.
func (c Config) Validate() error {
	if c.BaseInterval <= 0 {
		return fmt.Errorf("base interval must be positive, got %s", c.BaseInterval)
	}

	if c.JitterMin > c.JitterMax {
		return fmt.Errorf("jitter min %s exceeds jitter max %s", c.JitterMin, c.JitterMax)
	}

	if c.BaseInterval+c.JitterMin <= 0 {
		return fmt.Errorf("base interval %s with jitter min %s is not in the future", c.BaseInterval, c.JitterMin)
	}

	if c.HistorySize < 0 {
		return fmt.Errorf("history size must not be negative, got %d", c.HistorySize)
	}

	if c.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout must not be negative, got %s", c.AttemptTimeout)
	}

	return nil
}

// withDefaults fills zero-valued optional fields.
func (c Config) withDefaults() Config {
	if c.HistorySize == 0 {
		c.HistorySize = defaultHistorySize
	}

	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}

	if c.Rand == nil {
		c.Rand = globalRand{}
	}

	if c.Clock == nil {
		c.Clock = wallClock{}
	}

	return c
}

// nextDelay returns BaseInterval plus a uniform jitter in [JitterMin, JitterMax].
func (c Config) nextDelay() time.Duration {
	jitter := c.JitterMin

	if span := c.JitterMax - c.JitterMin; span > 0 {
		jitter += time.Duration(c.Rand.Int64N(int64(span) + 1))
	}

	return c.BaseInterval + jitter
}
