// Package retry wraps storage writes that can fail transiently - a busy
// SQLite handle under WAL contention - with bounded, jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds a retried operation.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig suits short storage writes.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Timeout:        30 * time.Second,
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget
// runs out. Only transient errors are retried.
func Do(ctx context.Context, cfg Config, log *logrus.Logger, op string, fn func(context.Context) error) error {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultConfig
	}
	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", op, err)
		}
		err := fn(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == cfg.MaxRetries {
			break
		}
		log.WithFields(logrus.Fields{"op": op, "attempt": attempt + 1}).
			WithError(err).Warn("retry: transient failure, backing off")
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitter.Int64())
		}
	}
	return backoff
}

// IsTransient reports whether the error looks like contention rather
// than a logic failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"timeout",
		"temporarily unavailable",
		"interrupted",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
