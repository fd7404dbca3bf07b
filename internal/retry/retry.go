// Package retry provides a small bounded-retry helper for operations
// that may fail transiently, such as liquidation orders racing held
// quantity.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	MaxRetries     int           // additional attempts after the first
	InitialBackoff time.Duration // doubled each retry, plus jitter
	MaxBackoff     time.Duration
}

// DefaultConfig matches the emergency liquidation protocol: three
// retries starting at two seconds.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do runs op until it succeeds, it reports an unretryable error, the
// attempts are exhausted, or ctx is done. op returns (retryable, err);
// retryable is consulted only when err is non-nil.
func Do(ctx context.Context, cfg Config, op func(attempt int) (bool, error)) error {
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
		retryable, err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(withJitter(backoff)):
		case <-ctx.Done():
			return fmt.Errorf("retry canceled during backoff: %w", ctx.Err())
		}
		backoff *= 2
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// withJitter adds up to 25% random jitter so parallel liquidations do
// not retry in lockstep.
func withJitter(d time.Duration) time.Duration {
	maxJitter := int64(d / 4)
	if maxJitter <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}
