package pricefeed

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/model"
)

// Simulator publishes one synthetic snapshot per interval into a Sink. It is
// a development stand-in for the external feed writer.
//
// boom_N drifts down and spikes up about once every N ticks; crash_N is the
// mirror image; volatility_N is a random walk whose step size scales with N.
type Simulator struct {
	sink        Sink
	interval    time.Duration
	instruments []string
	logger      *slog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewSimulator creates a Simulator starting every instrument at start.
func NewSimulator(sink Sink, instruments []string, start float64, interval time.Duration, seed uint64, logger *slog.Logger) *Simulator {
	prices := make(map[string]float64, len(instruments))
	for _, inst := range instruments {
		prices[inst] = start
	}
	return &Simulator{
		sink:        sink,
		interval:    interval,
		instruments: instruments,
		logger:      logger.With("component", "simulator"),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices:      prices,
	}
}

// Run publishes until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("price simulator started", "instruments", len(s.instruments), "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.Publish(ctx, now); err != nil {
				s.logger.Warn("publish snapshot failed", "err", err)
			}
		}
	}
}

// Publish advances every instrument one tick and writes the snapshot for
// the second containing at.
func (s *Simulator) Publish(ctx context.Context, at time.Time) error {
	return s.sink.Put(ctx, s.Next(at))
}

// Next advances every instrument one tick and returns the snapshot.
func (s *Simulator) Next(at time.Time) model.PriceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.PriceSnapshot{
		Timestamp: at.UTC().Truncate(time.Second),
		Prices:    make(map[string]decimal.Decimal, len(s.instruments)),
	}
	for _, inst := range s.instruments {
		p := s.step(inst, s.prices[inst])
		s.prices[inst] = p
		snap.Prices[inst] = decimal.NewFromFloat(p).Round(2)
	}
	return snap
}

func (s *Simulator) step(instrument string, price float64) float64 {
	kind, n := splitInstrument(instrument)
	var next float64
	switch kind {
	case "boom":
		if s.rng.Float64() < 1/n {
			next = price * (1 + 0.005 + s.rng.Float64()*0.01)
		} else {
			next = price * (1 - s.rng.Float64()*0.0002)
		}
	case "crash":
		if s.rng.Float64() < 1/n {
			next = price * (1 - 0.005 - s.rng.Float64()*0.01)
		} else {
			next = price * (1 + s.rng.Float64()*0.0002)
		}
	default:
		next = price * (1 + s.rng.NormFloat64()*n/10000)
	}
	return math.Max(next, 0.01)
}

// splitInstrument turns "boom_100" into ("boom", 100). Unparseable tiers
// fall back to 100.
func splitInstrument(instrument string) (string, float64) {
	kind, tier, _ := strings.Cut(instrument, "_")
	n, err := strconv.ParseFloat(tier, 64)
	if err != nil || n <= 0 {
		n = 100
	}
	return kind, n
}
