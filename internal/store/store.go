// Package store defines the persistence interface for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/syntrade/trade-engine/internal/model"
)

var (
	ErrAccountNotFound   = errors.New("store: account not found")
	ErrAccountExists     = errors.New("store: account already exists")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
	ErrTradeNotFound     = errors.New("store: trade not found")
	ErrTradeExists       = errors.New("store: trade already exists")
	ErrAlreadySettled    = errors.New("store: trade already settled")
	ErrSettlementMissing = errors.New("store: scheduled settlement not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Every balance change happens together with the audit entry describing it,
// so the balance always equals the sum of the account's entry deltas.
type Store interface {
	// --- Accounts and the wallet ledger ---

	// CreateAccount persists a new account. fund, when non-nil, is the
	// opening credit and must carry a delta equal to the initial balance.
	CreateAccount(ctx context.Context, acct *model.Account, fund *model.LedgerEntry) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ApplyEntry adjusts the account balance by entry.Delta and appends the
	// entry in one atomic step. A negative delta larger than the balance
	// fails with ErrInsufficientFunds and changes nothing. On success
	// entry.BalanceAfter is filled in.
	ApplyEntry(ctx context.Context, entry *model.LedgerEntry) error

	// ListLedgerEntries returns an account's audit trail, oldest first.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Trades ---

	// InsertTradeOpen persists the open half of a trade together with its
	// scheduled settlement.
	InsertTradeOpen(ctx context.Context, open *model.TradeRow, settlement *model.ScheduledSettlement) error

	// SettleTrade credits the payout, appends the credit entry, inserts the
	// close half and marks the scheduled settlement settled in one atomic
	// step. It returns ErrAlreadySettled without side effects if the close
	// half already exists. closeRow.BalanceAfter, closeRow.SettledAt and
	// credit.BalanceAfter are filled in on success; SettledAt comes from the
	// store's clock, not from the caller.
	SettleTrade(ctx context.Context, closeRow *model.TradeRow, credit *model.LedgerEntry) error

	// GetTrade composes the trade view for a trade key.
	GetTrade(ctx context.Context, tradeKey string) (*model.Trade, error)

	// ListTradesByAccount returns an account's trades, newest first.
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)

	// ListTradesSettledBetween returns trades whose close half was committed
	// in [from, to), by SettledAt. A trade that settles late is listed in the
	// window it actually settled in, not the one holding its due time.
	ListTradesSettledBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error)

	// --- Scheduled settlements ---

	// ScheduleSettlement persists a due-time record. Inserting a key that
	// already exists is a no-op.
	ScheduleSettlement(ctx context.Context, s *model.ScheduledSettlement) error

	// GetScheduledSettlement retrieves the due-time record for a trade.
	GetScheduledSettlement(ctx context.Context, tradeKey string) (*model.ScheduledSettlement, error)

	// ListPendingSettlements returns every record not yet settled, by due time.
	ListPendingSettlements(ctx context.Context) ([]model.ScheduledSettlement, error)

	// RecordSettlementFailure marks an attempt as failed and pushes the next
	// attempt out to nextAttemptAt. The updated record is returned.
	RecordSettlementFailure(ctx context.Context, tradeKey, lastErr string, nextAttemptAt time.Time) (*model.ScheduledSettlement, error)

	// MarkSettlementAlerted records that operators were notified about a
	// failing settlement.
	MarkSettlementAlerted(ctx context.Context, tradeKey string) error

	// --- Export cursors ---

	// ExportCursor returns the position recorded for name, or the zero time
	// when none was recorded.
	ExportCursor(ctx context.Context, name string) (time.Time, error)

	// SetExportCursor records position for name.
	SetExportCursor(ctx context.Context, name string, position time.Time) error
}
