package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each one in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, name).
			Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// --- Accounts and ledger ---

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.Account, fund *model.LedgerEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (id, wallet_balance, created_at)
			 VALUES ($1, $2::NUMERIC, $3)
			 ON CONFLICT (id) DO NOTHING`,
			acct.ID, acct.WalletBalance.String(), acct.CreatedAt)
		if err != nil {
			return fmt.Errorf("create account %s: %w", acct.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
		}
		if fund != nil {
			fund.BalanceAfter = acct.WalletBalance
			if err := insertLedgerEntry(ctx, tx, fund); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT id, wallet_balance::TEXT, created_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.WalletBalance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return applyEntry(ctx, tx, entry)
	})
}

// applyEntry is the conditional balance update: the row only changes when
// the resulting balance stays non-negative, so concurrent debits against the
// same account serialize on the row lock and can never overdraw it.
func applyEntry(ctx context.Context, tx pgx.Tx, entry *model.LedgerEntry) error {
	var balance string
	err := tx.QueryRow(ctx,
		`UPDATE accounts
		 SET wallet_balance = wallet_balance + $2::NUMERIC
		 WHERE id = $1 AND wallet_balance + $2::NUMERIC >= 0
		 RETURNING wallet_balance::TEXT`,
		entry.AccountID, entry.Delta.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, entry.AccountID).
			Scan(&exists); err != nil {
			return fmt.Errorf("check account %s: %w", entry.AccountID, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, entry.AccountID)
		}
		return fmt.Errorf("%w: account %s, requested %s",
			ErrInsufficientFunds, entry.AccountID, entry.Delta.Neg())
	}
	if err != nil {
		return fmt.Errorf("update balance %s: %w", entry.AccountID, err)
	}
	entry.BalanceAfter, _ = decimal.NewFromString(balance)
	return insertLedgerEntry(ctx, tx, entry)
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, trade_key, kind, delta, balance_after, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.ID, e.AccountID, e.TradeKey, e.Kind,
		e.Delta.String(), e.BalanceAfter.String(), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, trade_key, kind, delta::TEXT, balance_after::TEXT, timestamp
		 FROM ledger_entries WHERE account_id = $1 ORDER BY timestamp, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var deltaS, balanceS string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TradeKey, &e.Kind,
			&deltaS, &balanceS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Delta, _ = decimal.NewFromString(deltaS)
		e.BalanceAfter, _ = decimal.NewFromString(balanceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Trades ---

func (s *PostgresStore) InsertTradeOpen(ctx context.Context, open *model.TradeRow, settlement *model.ScheduledSettlement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := insertTradeRow(ctx, tx, open)
		if err != nil {
			return err
		}
		if tag == 0 {
			return fmt.Errorf("%w: %s", ErrTradeExists, open.TradeKey)
		}
		if settlement != nil {
			return insertSettlement(ctx, tx, settlement)
		}
		return nil
	})
}

func (s *PostgresStore) SettleTrade(ctx context.Context, closeRow *model.TradeRow, credit *model.LedgerEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM trade_rows WHERE trade_key = $1 AND kind = 'open')`,
			closeRow.TradeKey).Scan(&exists); err != nil {
			return fmt.Errorf("check trade %s: %w", closeRow.TradeKey, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrTradeNotFound, closeRow.TradeKey)
		}

		// The credit takes the account row lock first; a concurrent settle of
		// the same trade then hits the unique (trade_key, kind) constraint and
		// the whole transaction rolls back.
		if err := applyEntry(ctx, tx, credit); err != nil {
			return err
		}
		closeRow.BalanceAfter = credit.BalanceAfter
		inserted, err := insertTradeRow(ctx, tx, closeRow)
		if err != nil {
			return err
		}
		if inserted == 0 {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, closeRow.TradeKey)
		}

		// settled_at is wall-clock, unlike the close row's feed timestamp.
		var settledAt time.Time
		if err := tx.QueryRow(ctx,
			`UPDATE trade_rows SET settled_at = clock_timestamp()
			 WHERE trade_key = $1 AND kind = 'close'
			 RETURNING settled_at`, closeRow.TradeKey).Scan(&settledAt); err != nil {
			return fmt.Errorf("stamp settled_at %s: %w", closeRow.TradeKey, err)
		}
		closeRow.SettledAt = &settledAt

		_, err = tx.Exec(ctx,
			`UPDATE scheduled_settlements
			 SET settled = TRUE, attempted = TRUE, attempts = attempts + 1, last_error = ''
			 WHERE trade_key = $1`, closeRow.TradeKey)
		if err != nil {
			return fmt.Errorf("mark settled %s: %w", closeRow.TradeKey, err)
		}
		return nil
	})
}

func insertTradeRow(ctx context.Context, tx pgx.Tx, r *model.TradeRow) (int64, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO trade_rows (id, trade_key, account_id, product_type, option_type, kind,
		                         amount, ticks, last_digit_prediction, price, balance_after, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11::NUMERIC, $12)
		 ON CONFLICT (trade_key, kind) DO NOTHING`,
		r.ID, r.TradeKey, r.AccountID, r.ProductType, r.OptionType, r.Kind,
		r.Amount.String(), r.Ticks, r.LastDigitPrediction,
		r.Price.String(), r.BalanceAfter.String(), r.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert %s row %s: %w", r.Kind, r.TradeKey, err)
	}
	return tag.RowsAffected(), nil
}

// tradeSelect composes the trade view from its open row, optional close row
// and optional scheduled settlement.
const tradeSelect = `
	SELECT o.trade_key, o.account_id, o.product_type, o.option_type,
	       o.amount::TEXT, o.ticks, o.last_digit_prediction, o.price::TEXT,
	       o.balance_after::TEXT, o.timestamp,
	       c.amount::TEXT, c.price::TEXT, c.balance_after::TEXT, c.timestamp, c.settled_at,
	       s.due_at, s.attempted, s.settled
	FROM trade_rows o
	LEFT JOIN trade_rows c ON c.trade_key = o.trade_key AND c.kind = 'close'
	LEFT JOIN scheduled_settlements s ON s.trade_key = o.trade_key
	WHERE o.kind = 'open'`

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var open model.TradeRow
	var amountS, priceS, balanceS string
	var cAmount, cPrice, cBalance *string
	var cTime, cSettledAt, dueAt *time.Time
	var attempted, settled *bool

	if err := row.Scan(&open.TradeKey, &open.AccountID, &open.ProductType, &open.OptionType,
		&amountS, &open.Ticks, &open.LastDigitPrediction, &priceS,
		&balanceS, &open.Timestamp,
		&cAmount, &cPrice, &cBalance, &cTime, &cSettledAt,
		&dueAt, &attempted, &settled); err != nil {
		return nil, err
	}
	open.Kind = model.RowOpen
	open.Amount, _ = decimal.NewFromString(amountS)
	open.Price, _ = decimal.NewFromString(priceS)
	open.BalanceAfter, _ = decimal.NewFromString(balanceS)

	var closeRow *model.TradeRow
	if cTime != nil {
		closeRow = &model.TradeRow{TradeKey: open.TradeKey, Kind: model.RowClose, Timestamp: *cTime, SettledAt: cSettledAt}
		closeRow.Amount, _ = decimal.NewFromString(deref(cAmount))
		closeRow.Price, _ = decimal.NewFromString(deref(cPrice))
		closeRow.BalanceAfter, _ = decimal.NewFromString(deref(cBalance))
	}
	var st *model.ScheduledSettlement
	if dueAt != nil {
		st = &model.ScheduledSettlement{TradeKey: open.TradeKey, DueAt: *dueAt}
		st.Attempted = attempted != nil && *attempted
		st.Settled = settled != nil && *settled
	}
	return model.ComposeTrade(open, closeRow, st), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *PostgresStore) GetTrade(ctx context.Context, tradeKey string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, tradeSelect+` AND o.trade_key = $1`, tradeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", tradeKey, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		tradeSelect+` AND o.account_id = $1 ORDER BY o.timestamp DESC, o.trade_key DESC`, accountID)
}

func (s *PostgresStore) ListTradesSettledBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error) {
	return s.queryTrades(ctx,
		tradeSelect+` AND c.settled_at >= $1 AND c.settled_at < $2 ORDER BY c.settled_at, o.trade_key`, from, to)
}

func (s *PostgresStore) queryTrades(ctx context.Context, sql string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// --- Scheduled settlements ---

func insertSettlement(ctx context.Context, tx pgx.Tx, st *model.ScheduledSettlement) error {
	next := st.NextAttemptAt
	if next.IsZero() {
		next = st.DueAt
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO scheduled_settlements (trade_key, account_id, due_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (trade_key) DO NOTHING`,
		st.TradeKey, st.AccountID, st.DueAt, next)
	if err != nil {
		return fmt.Errorf("schedule settlement %s: %w", st.TradeKey, err)
	}
	return nil
}

func (s *PostgresStore) ScheduleSettlement(ctx context.Context, st *model.ScheduledSettlement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertSettlement(ctx, tx, st)
	})
}

const settlementColumns = `trade_key, account_id, due_at, attempted, attempts, settled,
	last_error, next_attempt_at, alerted`

func scanSettlement(row pgx.Row) (*model.ScheduledSettlement, error) {
	var st model.ScheduledSettlement
	err := row.Scan(&st.TradeKey, &st.AccountID, &st.DueAt, &st.Attempted, &st.Attempts,
		&st.Settled, &st.LastError, &st.NextAttemptAt, &st.Alerted)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) GetScheduledSettlement(ctx context.Context, tradeKey string) (*model.ScheduledSettlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM scheduled_settlements WHERE trade_key = $1`, tradeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", tradeKey, err)
	}
	return st, nil
}

func (s *PostgresStore) ListPendingSettlements(ctx context.Context) ([]model.ScheduledSettlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+settlementColumns+` FROM scheduled_settlements
		 WHERE NOT settled ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledSettlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordSettlementFailure(ctx context.Context, tradeKey, lastErr string, nextAttemptAt time.Time) (*model.ScheduledSettlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`UPDATE scheduled_settlements
		 SET attempted = TRUE,
		     attempts = attempts + CASE WHEN settled THEN 0 ELSE 1 END,
		     last_error = CASE WHEN settled THEN last_error ELSE $2 END,
		     next_attempt_at = CASE WHEN settled THEN next_attempt_at ELSE $3 END
		 WHERE trade_key = $1
		 RETURNING `+settlementColumns, tradeKey, lastErr, nextAttemptAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	if err != nil {
		return nil, fmt.Errorf("record settlement failure %s: %w", tradeKey, err)
	}
	return st, nil
}

func (s *PostgresStore) MarkSettlementAlerted(ctx context.Context, tradeKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scheduled_settlements SET alerted = TRUE WHERE trade_key = $1`, tradeKey)
	if err != nil {
		return fmt.Errorf("mark alerted %s: %w", tradeKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	return nil
}

// --- Export cursors ---

func (s *PostgresStore) ExportCursor(ctx context.Context, name string) (time.Time, error) {
	var pos time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM export_cursors WHERE name = $1`, name).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get export cursor %s: %w", name, err)
	}
	return pos.UTC(), nil
}

func (s *PostgresStore) SetExportCursor(ctx context.Context, name string, position time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO export_cursors (name, position, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = NOW()`,
		name, position)
	if err != nil {
		return fmt.Errorf("set export cursor %s: %w", name, err)
	}
	return nil
}
