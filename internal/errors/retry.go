package errors

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// RetryConfig describes an exponential backoff schedule
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// Jitter spreads each delay by up to ±25%.
	Jitter bool
	// OnRetry, if set, is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2,
		Jitter:         true,
	}
}

// StoreRetryConfig is used when connecting to Postgres and Redis at startup, when
// containers often come up out of order.
func StoreRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2,
		Jitter:         true,
	}
}

// RetryableFunc is one attempt of a retried operation
type RetryableFunc func(ctx context.Context) error

// Retry runs fn until it succeeds, fails with a permanent error, ctx ends, or the
// retries are used up. The last error is returned.
func Retry(ctx context.Context, cfg *RetryConfig, fn RetryableFunc) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !isRetryableError(err) {
			return err
		}

		wait := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// delay returns the wait before retry number attempt+1
func (cfg *RetryConfig) delay(attempt int) time.Duration {
	d := float64(cfg.InitialBackoff)
	for i := 0; i < attempt && d < float64(cfg.MaxBackoff); i++ {
		d *= cfg.BackoffFactor
	}
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter {
		d += d * 0.25 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// transientMessages are substrings of driver errors seen while a backend is starting.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"the database system is starting up",
	"loading the dataset in memory",
}

func isRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		// a per-attempt timeout; Retry itself stops once the caller's ctx is done
		return true
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == CategoryServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
