package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/model"
)

// PostgresSource reads snapshots from the price_snapshots table
// (ts BIGINT, prices JSONB).
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a PostgreSQL-backed Source and Sink.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) Query(ctx context.Context, ts time.Time) ([]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, prices FROM price_snapshots WHERE ts = $1`, ts.Unix())
	if err != nil {
		return nil, fmt.Errorf("query price_snapshots: %w", err)
	}
	defer rows.Close()

	var out []model.PriceSnapshot
	for rows.Next() {
		var unix int64
		var raw []byte
		if err := rows.Scan(&unix, &raw); err != nil {
			return nil, err
		}
		prices := make(map[string]decimal.Decimal)
		if err := json.Unmarshal(raw, &prices); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", unix, err)
		}
		out = append(out, model.PriceSnapshot{Timestamp: time.Unix(unix, 0).UTC(), Prices: prices})
	}
	return out, rows.Err()
}

func (s *PostgresSource) Put(ctx context.Context, snap model.PriceSnapshot) error {
	raw, err := json.Marshal(snap.Prices)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO price_snapshots (ts, prices) VALUES ($1, $2)
		 ON CONFLICT (ts) DO UPDATE SET prices = EXCLUDED.prices`,
		snap.Timestamp.Unix(), raw)
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", snap.Timestamp.Unix(), err)
	}
	return nil
}
