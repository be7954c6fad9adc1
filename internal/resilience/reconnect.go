package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff before the second attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to reconnect
type ReconnectFunc func() error

// Reconnect calls fn until it succeeds, backing off exponentially between
// attempts. It gives up after MaxAttempts or when ctx is done.
func Reconnect(ctx context.Context, fn ReconnectFunc, config *ReconnectConfig, logger zerolog.Logger) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			logger.Info().Int("attempt", attempt+1).Msg("Reconnection successful")
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		backoff := CalculateBackoff(attempt, config.Backoff, config.MaxBackoff, config.Multiplier)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Reconnection attempt failed")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts: %w", config.MaxAttempts, lastErr)
}
