package pricefeed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Delay: 10 * time.Millisecond, Multiplier: 1.5}
}

// scriptedSource replays one response per call and records call times.
type scriptedSource struct {
	mu        sync.Mutex
	responses []func(ts time.Time) ([]model.PriceSnapshot, error)
	calls     []time.Time
}

func (s *scriptedSource) Query(_ context.Context, ts time.Time) ([]model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.calls)
	s.calls = append(s.calls, time.Now())
	if i >= len(s.responses) {
		return nil, nil
	}
	return s.responses[i](ts)
}

func empty(time.Time) ([]model.PriceSnapshot, error) { return nil, nil }

func failing(time.Time) ([]model.PriceSnapshot, error) { return nil, errors.New("connection reset") }

func found(ts time.Time) ([]model.PriceSnapshot, error) {
	return []model.PriceSnapshot{{
		Timestamp: ts,
		Prices:    map[string]decimal.Decimal{"boom_100": decimal.RequireFromString("1000.50")},
	}}, nil
}

func TestFetchSnapshot_FirstAttempt(t *testing.T) {
	src := &scriptedSource{responses: []func(time.Time) ([]model.PriceSnapshot, error){found}}
	r := NewReader(src, testPolicy(), discardLogger())

	at := time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	snap, err := r.FetchSnapshot(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, at.Truncate(time.Second), snap.Timestamp)
	assert.Len(t, src.calls, 1)
}

func TestFetchSnapshot_AppearsOnLastAttempt(t *testing.T) {
	src := &scriptedSource{responses: []func(time.Time) ([]model.PriceSnapshot, error){empty, failing, found}}
	r := NewReader(src, testPolicy(), discardLogger())

	snap, err := r.FetchSnapshot(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Contains(t, snap.Prices, "boom_100")
	require.Len(t, src.calls, 3)
	for i := 1; i < len(src.calls); i++ {
		assert.GreaterOrEqual(t, src.calls[i].Sub(src.calls[i-1]), 10*time.Millisecond,
			"attempts must be separated by a non-zero delay")
	}
}

func TestFetchSnapshot_Unavailable(t *testing.T) {
	src := &scriptedSource{responses: []func(time.Time) ([]model.PriceSnapshot, error){empty, empty, empty, found}}
	r := NewReader(src, testPolicy(), discardLogger())

	_, err := r.FetchSnapshot(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrPriceUnavailable)
	assert.Len(t, src.calls, 3, "exactly three attempts")
}

func TestFetchSnapshot_ContextCancelled(t *testing.T) {
	src := &scriptedSource{}
	r := NewReader(src, retry.Policy{Attempts: 3, Delay: time.Hour}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.FetchSnapshot(ctx, time.Now())
	require.ErrorIs(t, err, ErrPriceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExtractPrice(t *testing.T) {
	snap := model.PriceSnapshot{
		Timestamp: time.Unix(1700000000, 0),
		Prices:    map[string]decimal.Decimal{"volatility_10": decimal.RequireFromString("512.34")},
	}

	p, err := ExtractPrice(snap, "volatility_10")
	require.NoError(t, err)
	assert.Equal(t, "512.34", p.StringFixed(2))

	_, err = ExtractPrice(snap, "boom_100")
	assert.ErrorIs(t, err, ErrPriceFieldMissing)
}

func TestMemorySource_PutQueryPrune(t *testing.T) {
	m := NewMemorySource()
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 10, 0, time.UTC)

	require.NoError(t, m.Put(ctx, model.PriceSnapshot{Timestamp: at.Add(300 * time.Millisecond), Prices: map[string]decimal.Decimal{}}))

	got, err := m.Query(ctx, at)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = m.Query(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)

	m.Prune(at.Add(time.Second))
	got, _ = m.Query(ctx, at)
	assert.Empty(t, got)
}

func TestSimulator_PublishesEveryInstrument(t *testing.T) {
	m := NewMemorySource()
	instruments := []string{"boom_100", "crash_100", "volatility_10", "volatility_25"}
	sim := NewSimulator(m, instruments, 1000, time.Second, 7, discardLogger())
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 50; i++ {
		require.NoError(t, sim.Publish(ctx, at.Add(time.Duration(i)*time.Second)))
	}

	r := NewReader(m, testPolicy(), discardLogger())
	snap, err := r.FetchSnapshot(ctx, at.Add(49*time.Second))
	require.NoError(t, err)
	for _, inst := range instruments {
		p, err := ExtractPrice(snap, inst)
		require.NoError(t, err)
		assert.True(t, p.IsPositive(), "%s price %s", inst, p)
		assert.True(t, p.Equal(p.Round(2)), "%s price %s has more than 2 decimals", inst, p)
	}
}

func TestSimulator_Deterministic(t *testing.T) {
	at := time.Unix(1700000000, 0)
	a := NewSimulator(NewMemorySource(), []string{"volatility_25"}, 100, time.Second, 42, discardLogger())
	b := NewSimulator(NewMemorySource(), []string{"volatility_25"}, 100, time.Second, 42, discardLogger())

	for i := 0; i < 10; i++ {
		sa, sb := a.Next(at), b.Next(at)
		assert.True(t, sa.Prices["volatility_25"].Equal(sb.Prices["volatility_25"]))
	}
}
