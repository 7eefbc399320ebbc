package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"stocksim/internal/models"
)

// BreakerProvider wraps a Provider with circuit breaker functionality so
// a wedged bar database degrades into fast per-tick skips instead of
// stalling every runner on timeouts.
type BreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	provider Provider,
	fn func(Provider) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(provider) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewBreakerProvider creates a BreakerProvider with sensible defaults.
func NewBreakerProvider(provider Provider) *BreakerProvider {
	return NewBreakerProviderWithSettings(provider, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerProviderWithSettings creates a BreakerProvider with custom
// settings.
func NewBreakerProviderWithSettings(provider Provider, settings BreakerSettings) *BreakerProvider {
	gbSettings := gobreaker.Settings{
		Name:        "MarketDataBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
	}
	return &BreakerProvider{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(gbSettings),
	}
}

var _ Provider = (*BreakerProvider)(nil)

// BarsUntil wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) BarsUntil(ctx context.Context, symbol string, tfMin int, asOf time.Time, lookback int, rthOnly bool) ([]models.Bar, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) ([]models.Bar, error) {
		return p.BarsUntil(ctx, symbol, tfMin, asOf, lookback, rthOnly)
	})
}

// BarsBulkUntil wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) BarsBulkUntil(ctx context.Context, symbols []string, tfMin int, asOf time.Time, lookback int, rthOnly bool) (map[string]Series, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (map[string]Series, error) {
		return p.BarsBulkUntil(ctx, symbols, tfMin, asOf, lookback, rthOnly)
	})
}

// NextSessionTS wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) NextSessionTS(ctx context.Context, asOf time.Time, tfMin int, referenceSymbol string) (*time.Time, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (*time.Time, error) {
		return p.NextSessionTS(ctx, asOf, tfMin, referenceSymbol)
	})
}

// LastCloseFor wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) LastCloseFor(ctx context.Context, symbols []string, tfMin int, asOf time.Time, rthOnly bool) (map[string]float64, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (map[string]float64, error) {
		return p.LastCloseFor(ctx, symbols, tfMin, asOf, rthOnly)
	})
}

// EarliestDaily wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) EarliestDaily(ctx context.Context, symbol string) (*time.Time, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (*time.Time, error) {
		return p.EarliestDaily(ctx, symbol)
	})
}

// HasDaily wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) HasDaily(ctx context.Context, symbol string) (bool, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (bool, error) {
		return p.HasDaily(ctx, symbol)
	})
}

// HasMinute wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) HasMinute(ctx context.Context, symbol string, tfMin int) (bool, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (bool, error) {
		return p.HasMinute(ctx, symbol, tfMin)
	})
}

// EarliestMinute wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) EarliestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (*time.Time, error) {
		return p.EarliestMinute(ctx, symbol, tfMin)
	})
}

// LatestMinute wraps the underlying provider call with the circuit breaker.
func (b *BreakerProvider) LatestMinute(ctx context.Context, symbol string, tfMin int) (*time.Time, error) {
	return execBreaker(b.breaker, b.provider, func(p Provider) (*time.Time, error) {
		return p.LatestMinute(ctx, symbol, tfMin)
	})
}
