// Package retry runs connection attempts with exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds configuration for a Retryer.
type Config struct {
	MaxAttempts int           // Maximum number of attempts
	BaseDelay   time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Upper bound between attempts
	Multiplier  float64       // Backoff growth factor
	JitterRange float64       // Jitter range (0.0 to 1.0)
	Name        string        // Name for logging
}

// DefaultConfig returns the settings used for broker and database connects.
func DefaultConfig(name string) Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Name:        name,
	}
}

// Retryer handles retry logic with exponential backoff and jitter.
type Retryer struct {
	config Config
	logger logrus.FieldLogger
	rng    *rand.Rand
	sleep  func(ctx context.Context, d time.Duration) error
}

// New fills unset config values with defaults.
func New(config Config, logger logrus.FieldLogger) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1.0 {
		config.JitterRange = 0.1
	}
	if config.Name == "" {
		config.Name = "retry"
	}

	return &Retryer{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  sleepContext,
	}
}

// Do calls fn until it succeeds, the attempts run out or ctx is done.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Infof("[%s] succeeded on attempt %d", r.config.Name, attempt)
			}
			return nil
		}
		lastErr = err

		if attempt == r.config.MaxAttempts {
			r.logger.Errorf("[%s] all %d attempts failed, last error: %v", r.config.Name, attempt, err)
			break
		}

		delay := r.delay(attempt)
		r.logger.Warnf("[%s] attempt %d failed: %v. Retrying in %v...", r.config.Name, attempt, err, delay)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}

// delay is BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, with
// jitter, and never below BaseDelay.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}

	if r.config.JitterRange > 0 {
		jitter := r.rng.Float64() * r.config.JitterRange * d
		if r.rng.Float64() < 0.5 {
			d -= jitter
		} else {
			d += jitter
		}
	}

	if d < float64(r.config.BaseDelay) {
		d = float64(r.config.BaseDelay)
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
