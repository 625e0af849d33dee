package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WithRateLimit waits on limiter before every call. One limiter may be shared by many callers.
func WithRateLimit(next Caller, limiter *rate.Limiter) Caller {
	if limiter == nil {
		return next
	}
	return CallerFunc(func(ctx context.Context, system, user string) (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
		return next.Call(ctx, system, user)
	})
}

// NewLimiter returns a limiter for rps requests per second, or nil when rps <= 0.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// WithLogging traces every call at debug level and failures at warn level.
func WithLogging(next Caller, logger zerolog.Logger, provider, model string) Caller {
	logger = logger.With().Str("provider", provider).Str("model", model).Logger()
	return CallerFunc(func(ctx context.Context, system, user string) (string, error) {
		started := time.Now()
		response, err := next.Call(ctx, system, user)
		elapsed := time.Since(started)
		if err != nil {
			logger.Warn().
				Err(err).
				Int("system_chars", len(system)).
				Int("user_chars", len(user)).
				Dur("duration", elapsed).
				Msg("llm_call_failed")
			return "", err
		}
		logger.Debug().
			Int("system_chars", len(system)).
			Int("user_chars", len(user)).
			Int("response_chars", len(response)).
			Dur("duration", elapsed).
			Msg("llm_call")
		return response, nil
	})
}
