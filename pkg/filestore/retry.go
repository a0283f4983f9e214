package filestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/lgreene/gravix-files/pkg/storage"
)

// The Provider never retries. Retry is the caller-side policy used by the CLI tools.

var baseRetryDelay = 500 * time.Millisecond

// Retryable reports whether err may succeed on another attempt. Configuration
// problems, bad keys, missing objects and unsupported presigning are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, storage.ErrInvalidKey),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrPresignUnsupported),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Retry runs fn up to maxRetries+1 times with exponential backoff + jitter.
// It stops early on non-retryable errors or when ctx is cancelled.
func Retry(ctx context.Context, operation string, maxRetries int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !Retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}

		if attempt < maxRetries {
			delay := time.Duration(float64(baseRetryDelay) * math.Pow(2, float64(attempt)))
			// Jitter: 0.5x to 1.5x the delay
			jitter := time.Duration(float64(delay) * (0.5 + rand.Float64()))
			slog.Warn("operation failed, retrying",
				"op", operation, "attempt", attempt+1, "of", maxRetries+1, "in", jitter, "error", lastErr)

			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(jitter):
			}
		}
	}
	if maxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, maxRetries+1, lastErr)
}
