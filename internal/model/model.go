// Package model defines the core domain types shared across the trade engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Option types accepted on a trade.
const (
	OptionCall = "call"
	OptionPut  = "put"
)

// Trade row kinds. Each trade is stored as one open row and, once settled,
// one close row sharing the same trade key.
const (
	RowOpen  = "open"
	RowClose = "close"
)

// Ledger entry kinds.
const (
	EntryFund       = "fund"
	EntryDebit      = "debit"
	EntryCredit     = "credit"
	EntryCompensate = "compensate"
)

// Trade statuses as observed by callers.
const (
	StatusOpened             = "opened"
	StatusAwaitingSettlement = "awaiting_settlement"
	StatusSettlementFailed   = "settlement_failed"
	StatusSettled            = "settled"
	StatusRejected           = "rejected"
)

// Account is a trader's wallet. The balance is only mutated through the
// wallet ledger and never goes negative.
type Account struct {
	ID            string          `json:"id" db:"id"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable audit record of one balance mutation.
// Delta is signed: negative for debits, positive for credits.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	TradeKey     string          `json:"trade_key,omitempty" db:"trade_key"`
	Kind         string          `json:"kind" db:"kind"`
	Delta        decimal.Decimal `json:"delta" db:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TradeRow is one immutable half of a trade. Amount is the wager on the open
// row and the payout on the close row; Price is the entry or exit price.
// Timestamp is feed time (opened at / due at). SettledAt is the wall-clock
// time the store committed a close row and is nil on open rows.
type TradeRow struct {
	ID                  string          `json:"id" db:"id"`
	TradeKey            string          `json:"trade_key" db:"trade_key"`
	AccountID           string          `json:"account_id" db:"account_id"`
	ProductType         string          `json:"product_type" db:"product_type"`
	OptionType          string          `json:"option_type" db:"option_type"`
	Kind                string          `json:"kind" db:"kind"`
	Amount              decimal.Decimal `json:"amount" db:"amount"`
	Ticks               int             `json:"ticks" db:"ticks"`
	LastDigitPrediction *int            `json:"last_digit_prediction,omitempty" db:"last_digit_prediction"`
	Price               decimal.Decimal `json:"price" db:"price"`
	BalanceAfter        decimal.Decimal `json:"balance_after" db:"balance_after"`
	Timestamp           time.Time       `json:"timestamp" db:"timestamp"`
	SettledAt           *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// Trade is the combined view of a trade's open and close rows.
type Trade struct {
	Key                 string           `json:"trade_key"`
	AccountID           string           `json:"account_id"`
	ProductType         string           `json:"product_type"`
	OptionType          string           `json:"option_type"`
	Wager               decimal.Decimal  `json:"wager"`
	Ticks               int              `json:"ticks"`
	LastDigitPrediction *int             `json:"last_digit_prediction,omitempty"`
	Status              string           `json:"status"`
	OpenedAt            time.Time        `json:"opened_at"`
	EntryPrice          decimal.Decimal  `json:"entry_price"`
	BalanceAfterOpen    decimal.Decimal  `json:"balance_after_open"`
	DueAt               time.Time        `json:"due_at"`
	ClosedAt            *time.Time       `json:"closed_at,omitempty"`
	ExitPrice           *decimal.Decimal `json:"exit_price,omitempty"`
	Payout              *decimal.Decimal `json:"payout,omitempty"`
	BalanceAfterClose   *decimal.Decimal `json:"balance_after_close,omitempty"`
	SettledAt           *time.Time       `json:"settled_at,omitempty"`
}

// Settled reports whether the close half has been persisted.
func (t *Trade) Settled() bool {
	return t.ClosedAt != nil
}

// ComposeTrade builds the trade view from its rows. closeRow and settlement
// may be nil.
func ComposeTrade(open TradeRow, closeRow *TradeRow, settlement *ScheduledSettlement) *Trade {
	t := &Trade{
		Key:                 open.TradeKey,
		AccountID:           open.AccountID,
		ProductType:         open.ProductType,
		OptionType:          open.OptionType,
		Wager:               open.Amount,
		Ticks:               open.Ticks,
		LastDigitPrediction: open.LastDigitPrediction,
		Status:              StatusOpened,
		OpenedAt:            open.Timestamp,
		EntryPrice:          open.Price,
		BalanceAfterOpen:    open.BalanceAfter,
	}
	if settlement != nil {
		t.DueAt = settlement.DueAt
		t.Status = StatusAwaitingSettlement
		if settlement.Attempted && !settlement.Settled {
			t.Status = StatusSettlementFailed
		}
	}
	if closeRow != nil {
		closedAt := closeRow.Timestamp
		exit := closeRow.Price
		payout := closeRow.Amount
		balance := closeRow.BalanceAfter
		t.ClosedAt = &closedAt
		t.ExitPrice = &exit
		t.Payout = &payout
		t.BalanceAfterClose = &balance
		if closeRow.SettledAt != nil {
			settledAt := *closeRow.SettledAt
			t.SettledAt = &settledAt
		}
		t.DueAt = closedAt
		t.Status = StatusSettled
	}
	return t
}

// PriceSnapshot is an externally produced set of instrument prices for one
// second of feed time. Keys are instrument names such as "boom_100".
type PriceSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Prices    map[string]decimal.Decimal `json:"prices"`
}

// ScheduledSettlement is the durable due-time record for one open trade. It
// is kept until the trade is settled and is never discarded on failure.
type ScheduledSettlement struct {
	TradeKey      string    `json:"trade_key" db:"trade_key"`
	AccountID     string    `json:"account_id" db:"account_id"`
	DueAt         time.Time `json:"due_at" db:"due_at"`
	Attempted     bool      `json:"attempted" db:"attempted"`
	Attempts      int       `json:"attempts" db:"attempts"`
	Settled       bool      `json:"settled" db:"settled"`
	LastError     string    `json:"last_error,omitempty" db:"last_error"`
	NextAttemptAt time.Time `json:"next_attempt_at" db:"next_attempt_at"`
	Alerted       bool      `json:"alerted" db:"alerted"`
}
