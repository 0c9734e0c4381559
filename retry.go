package sdauploader

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryConfig configures retries of the session dial. Authentication probes
// and file transfers are never retried.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int

	// InitialDelay is the initial delay between retries.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64
}

// DefaultRetryConfig returns a retry configuration suited to flaky networks.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Retry executes fn, retrying transient failures with exponential backoff.
func Retry(ctx context.Context, config RetryConfig, log *zap.Logger, operation string, fn RetryableFunc) error {
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.MaxRetries == 0 || !IsRetryableError(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(config, attempt)
		log.Warn("operation failed, retrying",
			zap.String("op", operation),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", config.MaxRetries+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during retry wait: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxRetries+1, lastErr)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= config.Multiplier
	}

	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether err is a transient network failure.
// Authentication and host key failures are not transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isHostKeyError(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "unable to authenticate") {
		return false
	}

	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"ssh: disconnect",
		"temporary failure",
		"too many open files",
	}
	for _, msg := range retryableMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}
