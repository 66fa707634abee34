// Package trade runs the trade lifecycle: it validates and opens trades
// against the wallet and price feed, and settles them when the scheduler
// fires.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/ledger"
	"github.com/syntrade/trade-engine/internal/metrics"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/payout"
	"github.com/syntrade/trade-engine/internal/pricefeed"
	"github.com/syntrade/trade-engine/internal/product"
	"github.com/syntrade/trade-engine/internal/store"
)

var (
	ErrValidation  = errors.New("trade: invalid request")
	ErrPersistence = errors.New("trade: persistence failed")
)

// Rejection codes reported in OpenResult.Code.
const (
	CodeValidation        = "validation_error"
	CodeAccountNotFound   = "account_not_found"
	CodeInsufficientFunds = "insufficient_funds"
	CodePriceUnavailable  = "price_unavailable"
	CodePersistence       = "persistence_error"
)

// PriceReader fetches the snapshot for one feed second. *pricefeed.Reader
// satisfies it.
type PriceReader interface {
	FetchSnapshot(ctx context.Context, at time.Time) (model.PriceSnapshot, error)
}

// Scheduler registers a trade's due time. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	Schedule(ctx context.Context, tradeKey, accountID string, dueAt time.Time) error
}

// Config holds trade lifecycle parameters.
type Config struct {
	TickInterval time.Duration
	// FeedLag is how far behind wall-clock time the entry price is read.
	FeedLag        time.Duration
	MinWager       decimal.Decimal
	InitialBalance decimal.Decimal
	MaxTicks       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:   time.Second,
		FeedLag:        time.Second,
		MinWager:       decimal.NewFromInt(1),
		InitialBalance: decimal.NewFromInt(10000),
		MaxTicks:       10,
	}
}

// Deps are the collaborators a Service needs. Hub and Logger may be nil.
type Deps struct {
	Store     store.Store
	Wallet    *ledger.Wallet
	Prices    PriceReader
	Payouts   *payout.Registry
	Scheduler Scheduler
	Hub       *WSHub
	Logger    *slog.Logger
}

// Service opens and settles trades.
type Service struct {
	store    store.Store
	wallet   *ledger.Wallet
	prices   PriceReader
	payouts  *payout.Registry
	sched    Scheduler
	hub      *WSHub
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a trade service.
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    deps.Store,
		wallet:   deps.Wallet,
		prices:   deps.Prices,
		payouts:  deps.Payouts,
		sched:    deps.Scheduler,
		hub:      deps.Hub,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With("component", "trade"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the wall clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// OpenRequest is the JSON body for POST /api/v1/trades.
type OpenRequest struct {
	AccountID   string          `json:"account_id" validate:"required,uuid"`
	ProductType string          `json:"product_type" validate:"required"`
	OptionType  string          `json:"option_type" validate:"required,oneof=call put"`
	Wager       decimal.Decimal `json:"wager"`
	Ticks       int             `json:"ticks" validate:"min=1,max=10"`
	// LastDigitPrediction is required for matches/differs products only.
	LastDigitPrediction *int `json:"last_digit_prediction,omitempty" validate:"omitempty,min=0,max=9"`
}

// OpenResult is the outcome of OpenTrade. It is never nil.
type OpenResult struct {
	Status string       `json:"status"`
	Code   string       `json:"code,omitempty"`
	Reason string       `json:"reason,omitempty"`
	Trade  *model.Trade `json:"trade,omitempty"`
}

// OpenTrade validates req, debits the wager, captures the entry price,
// persists the open trade and registers its settlement. Any failure after
// the debit is compensated before the rejection is returned. Settlement is
// observed later through the persisted trade.
func (s *Service) OpenTrade(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	start := time.Now()
	defer func() { metrics.OpenLatency.Observe(time.Since(start).Seconds()) }()

	p, err := s.validateOpen(req)
	if err != nil {
		return s.reject(ctx, req, CodeValidation, err)
	}

	key := uuid.NewString()
	log := s.logger.With("trade_key", key, "account_id", req.AccountID, "product", p.Type)

	openedAt := s.now().Truncate(time.Second).Add(-s.cfg.FeedLag)
	dueAt := openedAt.Add(time.Duration(req.Ticks) * s.cfg.TickInterval)

	balance, err := s.wallet.Debit(ctx, req.AccountID, key, req.Wager)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		return s.reject(ctx, req, CodeInsufficientFunds, err)
	case errors.Is(err, store.ErrAccountNotFound):
		return s.reject(ctx, req, CodeAccountNotFound, err)
	case err != nil:
		return s.reject(ctx, req, CodePersistence, fmt.Errorf("%w: debit: %w", ErrPersistence, err))
	}

	snap, err := s.prices.FetchSnapshot(ctx, openedAt)
	if err == nil {
		var entry decimal.Decimal
		entry, err = pricefeed.ExtractPrice(snap, p.Instrument)
		if err == nil {
			return s.persistOpen(ctx, log, req, p, key, entry, balance, openedAt, dueAt)
		}
	}
	log.WarnContext(ctx, "entry price unavailable, compensating", "at", openedAt, "err", err)
	return s.reject(ctx, req, CodePriceUnavailable, s.compensate(ctx, req, key, err))
}

func (s *Service) persistOpen(ctx context.Context, log *slog.Logger, req OpenRequest, p product.Product,
	key string, entry, balance decimal.Decimal, openedAt, dueAt time.Time) (*OpenResult, error) {
	open := &model.TradeRow{
		ID:                  uuid.NewString(),
		TradeKey:            key,
		AccountID:           req.AccountID,
		ProductType:         p.Type,
		OptionType:          req.OptionType,
		Kind:                model.RowOpen,
		Amount:              req.Wager,
		Ticks:               req.Ticks,
		LastDigitPrediction: req.LastDigitPrediction,
		Price:               entry,
		BalanceAfter:        balance,
		Timestamp:           openedAt,
	}
	settlement := &model.ScheduledSettlement{
		TradeKey:      key,
		AccountID:     req.AccountID,
		DueAt:         dueAt,
		NextAttemptAt: dueAt,
	}
	if err := s.store.InsertTradeOpen(ctx, open, settlement); err != nil {
		log.ErrorContext(ctx, "persist open trade failed, compensating", "err", err)
		err = fmt.Errorf("%w: insert trade: %w", ErrPersistence, err)
		return s.reject(ctx, req, CodePersistence, s.compensate(ctx, req, key, err))
	}

	// The due-time record is already durable; a failed arm is picked up by
	// the scheduler's sweep.
	if err := s.sched.Schedule(context.WithoutCancel(ctx), key, req.AccountID, dueAt); err != nil {
		log.WarnContext(ctx, "arm settlement failed, leaving it to the sweep", "err", err)
	}

	tr := model.ComposeTrade(*open, nil, settlement)
	metrics.TradesOpened.WithLabelValues(p.Type).Inc()
	log.InfoContext(ctx, "trade opened",
		"option", req.OptionType,
		"wager", req.Wager.StringFixed(2),
		"ticks", req.Ticks,
		"entry_price", entry.String(),
		"balance", balance.StringFixed(2),
		"due_at", dueAt,
	)
	s.broadcast(EventTradeOpened, tr)

	return &OpenResult{Status: model.StatusOpened, Trade: tr}, nil
}

// compensate refunds a debited wager and returns cause, joined with the
// compensation error when the refund also failed.
func (s *Service) compensate(ctx context.Context, req OpenRequest, key string, cause error) error {
	if _, err := s.wallet.Compensate(context.WithoutCancel(ctx), req.AccountID, key, req.Wager); err != nil {
		return errors.Join(cause, fmt.Errorf("compensation: %w", err))
	}
	return cause
}

func (s *Service) reject(ctx context.Context, req OpenRequest, code string, err error) (*OpenResult, error) {
	metrics.TradesRejected.WithLabelValues(code).Inc()
	s.logger.InfoContext(ctx, "trade rejected",
		"account_id", req.AccountID, "product", req.ProductType, "code", code, "err", err)
	return &OpenResult{Status: model.StatusRejected, Code: code, Reason: err.Error()}, err
}

// validateOpen runs struct-tag validation followed by the product rules.
func (s *Service) validateOpen(req OpenRequest) (product.Product, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return product.Product{}, fmt.Errorf("%w: %s failed %q", ErrValidation, fe.Field(), fe.Tag())
		}
		return product.Product{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	p, err := product.Parse(req.ProductType)
	if err != nil {
		return product.Product{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if req.Ticks > s.cfg.MaxTicks {
		return product.Product{}, fmt.Errorf("%w: ticks must be between 1 and %d", ErrValidation, s.cfg.MaxTicks)
	}
	if req.Wager.LessThan(s.cfg.MinWager) {
		return product.Product{}, fmt.Errorf("%w: wager must be at least %s", ErrValidation, s.cfg.MinWager.StringFixed(2))
	}
	if !req.Wager.Equal(req.Wager.Round(2)) {
		return product.Product{}, fmt.Errorf("%w: wager has more than 2 decimal places", ErrValidation)
	}
	if p.RequiresPrediction() && req.LastDigitPrediction == nil {
		return product.Product{}, fmt.Errorf("%w: last_digit_prediction is required for %s", ErrValidation, p.Type)
	}
	return p, nil
}

// Settle is the scheduler handler. It reads the exit price at the trade's
// due time, computes the payout and credits it together with the close row.
// A trade that is already settled yields store.ErrAlreadySettled.
func (s *Service) Settle(ctx context.Context, rec model.ScheduledSettlement) (err error) {
	log := s.logger.With("trade_key", rec.TradeKey, "account_id", rec.AccountID)

	tr, err := s.store.GetTrade(ctx, rec.TradeKey)
	if err != nil {
		return fmt.Errorf("load trade: %w", err)
	}
	if tr.Settled() {
		return fmt.Errorf("%w: %s", store.ErrAlreadySettled, rec.TradeKey)
	}
	defer func() {
		if err != nil && !errors.Is(err, store.ErrAlreadySettled) {
			failed := *tr
			failed.Status = model.StatusSettlementFailed
			s.broadcast(EventSettlementFailed, &failed)
		}
	}()

	p, err := product.Parse(tr.ProductType)
	if err != nil {
		return err
	}

	snap, err := s.prices.FetchSnapshot(ctx, rec.DueAt)
	if err != nil {
		return err
	}
	exit, err := pricefeed.ExtractPrice(snap, p.Instrument)
	if err != nil {
		return err
	}

	prediction := 0
	if tr.LastDigitPrediction != nil {
		prediction = *tr.LastDigitPrediction
	}
	amount, err := s.payouts.Compute(payout.Params{
		Family:              p.Family,
		Option:              tr.OptionType,
		Entry:               tr.EntryPrice,
		Exit:                exit,
		Wager:               tr.Wager,
		Ticks:               tr.Ticks,
		LastDigitPrediction: prediction,
		Volatility:          p.Volatility,
	})
	if err != nil {
		return fmt.Errorf("compute payout: %w", err)
	}

	closeRow := &model.TradeRow{
		ID:                  uuid.NewString(),
		TradeKey:            tr.Key,
		AccountID:           tr.AccountID,
		ProductType:         tr.ProductType,
		OptionType:          tr.OptionType,
		Kind:                model.RowClose,
		Amount:              amount,
		Ticks:               tr.Ticks,
		LastDigitPrediction: tr.LastDigitPrediction,
		Price:               exit,
		Timestamp:           rec.DueAt,
	}
	balance, err := s.wallet.Settle(ctx, closeRow)
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "trade settled",
		"entry_price", tr.EntryPrice.String(),
		"exit_price", exit.String(),
		"payout", amount.StringFixed(2),
		"balance", balance.StringFixed(2),
	)

	closeRow.BalanceAfter = balance
	settled := *tr
	settled.Status = model.StatusSettled
	settled.ClosedAt = &closeRow.Timestamp
	settled.ExitPrice = &exit
	settled.Payout = &amount
	settled.BalanceAfterClose = &balance
	s.broadcast(EventTradeSettled, &settled)
	return nil
}

// CreateAccount opens an account funded with initial, or with the configured
// default balance when initial is nil.
func (s *Service) CreateAccount(ctx context.Context, initial *decimal.Decimal) (*model.Account, error) {
	amount := s.cfg.InitialBalance
	if initial != nil {
		amount = *initial
	}
	return s.wallet.OpenAccount(ctx, "", amount)
}

// GetAccount returns an account with its current balance.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// GetTrade returns the combined view of one trade.
func (s *Service) GetTrade(ctx context.Context, tradeKey string) (*model.Trade, error) {
	return s.store.GetTrade(ctx, tradeKey)
}

// ListAccountTrades returns an account's trades, newest first.
func (s *Service) ListAccountTrades(ctx context.Context, accountID string) ([]model.Trade, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListTradesByAccount(ctx, accountID)
}

// ListAccountLedger returns an account's ledger entries in the order they
// were applied.
func (s *Service) ListAccountLedger(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListLedgerEntries(ctx, accountID)
}

func (s *Service) broadcast(eventType string, tr *model.Trade) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(newEvent(eventType, tr))
}
