// Package ledger owns every wallet balance mutation. Each debit or credit is
// tied to a trade key and recorded as an audit entry in the same atomic step
// as the balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/metrics"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/notify"
	"github.com/syntrade/trade-engine/internal/retry"
	"github.com/syntrade/trade-engine/internal/store"
)

var ErrInvalidAmount = errors.New("ledger: amount must be positive with at most 2 decimal places")

// Alerter raises operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Wallet applies debits and credits through the store.
type Wallet struct {
	store      store.Store
	alerts     Alerter
	compensate retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithAlerter sets where failed compensations are reported.
func WithAlerter(a Alerter) Option { return func(w *Wallet) { w.alerts = a } }

// WithCompensationPolicy sets the retry policy for compensating credits.
func WithCompensationPolicy(p retry.Policy) Option { return func(w *Wallet) { w.compensate = p } }

// WithLogger sets the wallet logger.
func WithLogger(l *slog.Logger) Option { return func(w *Wallet) { w.logger = l } }

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option { return func(w *Wallet) { w.now = now } }

// NewWallet creates a Wallet over st.
func NewWallet(st store.Store, opts ...Option) *Wallet {
	w := &Wallet{
		store:      st,
		compensate: retry.DefaultPolicy(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "wallet")
	return w
}

func validAmount(amount decimal.Decimal, allowZero bool) error {
	if amount.IsNegative() || (!allowZero && amount.IsZero()) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return nil
}

func (w *Wallet) newEntry(accountID, tradeKey, kind string, delta decimal.Decimal) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		TradeKey:  tradeKey,
		Kind:      kind,
		Delta:     delta,
		Timestamp: w.now(),
	}
}

// OpenAccount creates an account funded with the initial balance. The
// funding is recorded as an audit entry so balances always reconcile with
// the ledger.
func (w *Wallet) OpenAccount(ctx context.Context, id string, initial decimal.Decimal) (*model.Account, error) {
	if err := validAmount(initial, true); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	acct := &model.Account{ID: id, WalletBalance: initial, CreatedAt: w.now()}
	var fund *model.LedgerEntry
	if initial.IsPositive() {
		fund = w.newEntry(id, "", model.EntryFund, initial)
		fund.Timestamp = acct.CreatedAt
	}
	if err := w.store.CreateAccount(ctx, acct, fund); err != nil {
		return nil, err
	}
	if fund != nil {
		metrics.WalletMutations.WithLabelValues(model.EntryFund).Inc()
	}
	w.logger.InfoContext(ctx, "account opened", "account_id", id, "balance", initial.StringFixed(2))
	return acct, nil
}

// Debit withdraws a wager. It either succeeds completely or fails with
// store.ErrInsufficientFunds (or store.ErrAccountNotFound) and changes
// nothing.
func (w *Wallet) Debit(ctx context.Context, accountID, tradeKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount(amount, false); err != nil {
		return decimal.Zero, err
	}
	return w.apply(ctx, w.newEntry(accountID, tradeKey, model.EntryDebit, amount.Neg()))
}

// Credit deposits amount. A zero credit is recorded so every settled trade
// leaves a trace in the ledger.
func (w *Wallet) Credit(ctx context.Context, accountID, tradeKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount(amount, true); err != nil {
		return decimal.Zero, err
	}
	return w.apply(ctx, w.newEntry(accountID, tradeKey, model.EntryCredit, amount))
}

// Compensate refunds a debit whose trade could not be opened. It retries
// under the compensation policy and alerts operators if every attempt fails.
func (w *Wallet) Compensate(ctx context.Context, accountID, tradeKey string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := validAmount(amount, false); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	err := retry.Do(ctx, w.compensate, func(ctx context.Context, attempt int) error {
		// A fresh entry per attempt so a partially failed write never reuses
		// an ID.
		b, err := w.apply(ctx, w.newEntry(accountID, tradeKey, model.EntryCompensate, amount))
		if err != nil {
			w.logger.WarnContext(ctx, "compensation attempt failed",
				"trade_key", tradeKey, "attempt", attempt, "err", err)
			return err
		}
		balance = b
		return nil
	})
	if err != nil {
		metrics.CompensationFailures.Inc()
		w.logger.ErrorContext(ctx, "compensation failed, wallet left debited",
			"trade_key", tradeKey, "account_id", accountID, "amount", amount.StringFixed(2), "err", err)
		if w.alerts != nil {
			msg := fmt.Sprintf("account %s trade %s amount %s: %v", accountID, tradeKey, amount.StringFixed(2), err)
			if alertErr := w.alerts.Notify(context.WithoutCancel(ctx), notify.EventCompensationFailed,
				"Compensation failed", msg); alertErr != nil {
				w.logger.ErrorContext(ctx, "compensation alert failed", "trade_key", tradeKey, "err", alertErr)
			}
		}
		return decimal.Zero, err
	}
	return balance, nil
}

// Settle credits a trade's payout and persists its close half in one atomic
// step. Settling a trade twice returns store.ErrAlreadySettled and credits
// nothing. closeRow.Amount is the payout; closeRow.BalanceAfter is filled in.
func (w *Wallet) Settle(ctx context.Context, closeRow *model.TradeRow) (decimal.Decimal, error) {
	if err := validAmount(closeRow.Amount, true); err != nil {
		return decimal.Zero, err
	}
	credit := w.newEntry(closeRow.AccountID, closeRow.TradeKey, model.EntryCredit, closeRow.Amount)
	if err := w.store.SettleTrade(ctx, closeRow, credit); err != nil {
		return decimal.Zero, err
	}
	metrics.WalletMutations.WithLabelValues(model.EntryCredit).Inc()
	return credit.BalanceAfter, nil
}

// Balance returns the current wallet balance.
func (w *Wallet) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.WalletBalance, nil
}

func (w *Wallet) apply(ctx context.Context, e *model.LedgerEntry) (decimal.Decimal, error) {
	if err := w.store.ApplyEntry(ctx, e); err != nil {
		return decimal.Zero, err
	}
	metrics.WalletMutations.WithLabelValues(e.Kind).Inc()
	w.logger.DebugContext(ctx, "wallet entry applied",
		"account_id", e.AccountID, "trade_key", e.TradeKey, "kind", e.Kind,
		"delta", e.Delta.StringFixed(2), "balance_after", e.BalanceAfter.StringFixed(2))
	return e.BalanceAfter, nil
}
