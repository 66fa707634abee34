// Package pricefeed reads externally produced price snapshots. Snapshots are
// keyed by unix second; the engine only ever reads them.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/metrics"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/retry"
)

var (
	ErrPriceUnavailable  = errors.New("pricefeed: no snapshot for requested time")
	ErrPriceFieldMissing = errors.New("pricefeed: instrument missing from snapshot")

	errNoSnapshot = errors.New("pricefeed: empty result")
)

// Source is a queryable price feed. Query returns every snapshot recorded
// for the second containing ts; an empty result is not an error.
type Source interface {
	Query(ctx context.Context, ts time.Time) ([]model.PriceSnapshot, error)
}

// Sink accepts snapshots produced by a feed writer such as the Simulator.
type Sink interface {
	Put(ctx context.Context, snap model.PriceSnapshot) error
}

// Reader fetches snapshots with a bounded retry.
type Reader struct {
	src    Source
	policy retry.Policy
	logger *slog.Logger
}

// NewReader creates a Reader. The policy must allow a non-zero delay between
// attempts; a feed that lags by a fraction of a second is the common case.
func NewReader(src Source, policy retry.Policy, logger *slog.Logger) *Reader {
	return &Reader{
		src:    src,
		policy: policy,
		logger: logger.With("component", "pricefeed"),
	}
}

// FetchSnapshot returns the snapshot for the second containing at. Source
// errors and empty results are both retried; once attempts are exhausted,
// or ctx ends, the error wraps ErrPriceUnavailable.
func (r *Reader) FetchSnapshot(ctx context.Context, at time.Time) (model.PriceSnapshot, error) {
	ts := at.UTC().Truncate(time.Second)

	var snap model.PriceSnapshot
	err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
		metrics.PriceFetchAttempts.Inc()
		snaps, err := r.src.Query(ctx, ts)
		if err != nil {
			r.logger.WarnContext(ctx, "price query failed", "ts", ts.Unix(), "attempt", attempt, "err", err)
			return err
		}
		if len(snaps) == 0 {
			r.logger.DebugContext(ctx, "price snapshot not yet available", "ts", ts.Unix(), "attempt", attempt)
			return errNoSnapshot
		}
		snap = snaps[0]
		return nil
	})
	if err != nil {
		metrics.PriceFetchFailures.Inc()
		return model.PriceSnapshot{}, fmt.Errorf("%w: ts %d: %w", ErrPriceUnavailable, ts.Unix(), err)
	}
	return snap, nil
}

// ExtractPrice returns the price of instrument in snap.
func ExtractPrice(snap model.PriceSnapshot, instrument string) (decimal.Decimal, error) {
	p, ok := snap.Prices[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s at %d", ErrPriceFieldMissing, instrument, snap.Timestamp.Unix())
	}
	return p, nil
}
