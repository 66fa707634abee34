// Package archive exports settled trades to object storage as JSONL
// statements, one object per completed settlement window.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/syntrade/trade-engine/internal/metrics"
	"github.com/syntrade/trade-engine/internal/model"
)

// BlobWriter uploads one object. *s3blob.Writer satisfies it.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// TradeSource lists settled trades and keeps the export cursor. store.Store
// satisfies it.
type TradeSource interface {
	ListTradesSettledBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error)
	ExportCursor(ctx context.Context, name string) (time.Time, error)
	SetExportCursor(ctx context.Context, name string, position time.Time) error
}

// DefaultSettleDelay is how long after a window ends before it is exported,
// so settlements still committing at the boundary land in it.
const DefaultSettleDelay = time.Minute

// Archiver writes statements for completed windows. Windows are keyed by the
// time a trade settled, and the end of the last exported window is kept in
// the store, so no window is skipped across restarts or outages.
type Archiver struct {
	writer BlobWriter
	trades TradeSource
	prefix string
	window time.Duration
	delay  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver exporting windows of the given length.
func New(writer BlobWriter, trades TradeSource, prefix string, window time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		prefix: prefix,
		window: window,
		delay:  DefaultSettleDelay,
		logger: logger.With("component", "archive"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveWindow exports the trades settled in [from, to) and returns how many
// were written. An empty window writes nothing.
func (a *Archiver) ArchiveWindow(ctx context.Context, from, to time.Time) (int, error) {
	trades, err := a.trades.ListTradesSettledBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("archive query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range trades {
		if err := enc.Encode(&trades[i]); err != nil {
			return 0, fmt.Errorf("archive marshal: %w", err)
		}
	}

	path := a.path(from)
	if err := a.writer.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("archive upload: %w", err)
	}
	metrics.ArchivedTrades.Add(float64(len(trades)))
	a.logger.InfoContext(ctx, "statement exported", "path", path, "count", len(trades))
	return len(trades), nil
}

// ArchiveDue exports every completed window from the stored cursor up to now,
// oldest first, advancing the cursor after each one. Without a cursor it
// starts at the most recent completed window. It returns the number of trades
// written.
func (a *Archiver) ArchiveDue(ctx context.Context) (int, error) {
	latest := a.now().Add(-a.delay).Truncate(a.window)
	name := a.cursorName()

	from, err := a.trades.ExportCursor(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("archive cursor: %w", err)
	}
	if from.IsZero() {
		from = latest.Add(-a.window)
	}

	total := 0
	for ; from.Before(latest); from = from.Add(a.window) {
		to := from.Add(a.window)
		n, err := a.ArchiveWindow(ctx, from, to)
		if err != nil {
			return total, err
		}
		total += n
		if err := a.trades.SetExportCursor(ctx, name, to); err != nil {
			return total, fmt.Errorf("archive cursor: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run calls ArchiveDue every interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := a.ArchiveDue(ctx); err != nil && ctx.Err() == nil {
			a.logger.WarnContext(ctx, "statement export failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *Archiver) cursorName() string {
	return "statements:" + a.prefix
}

// path builds the object key for a window, e.g.
//
//	statements/2026-03-02/000000.jsonl
func (a *Archiver) path(from time.Time) string {
	from = from.UTC()
	return fmt.Sprintf("%s/%s/%s.jsonl", a.prefix, from.Format("2006-01-02"), from.Format("150405"))
}
