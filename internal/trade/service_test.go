package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrade/trade-engine/internal/ledger"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/payout"
	"github.com/syntrade/trade-engine/internal/pricefeed"
	"github.com/syntrade/trade-engine/internal/retry"
	"github.com/syntrade/trade-engine/internal/store"
	"github.com/syntrade/trade-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func intPtr(n int) *int { return &n }

// clock is 10.4s past a fixed minute; entries are read at :09.
var clock = time.Date(2026, 3, 2, 12, 0, 10, 400_000_000, time.UTC)

var entryAt = time.Date(2026, 3, 2, 12, 0, 9, 0, time.UTC)

type recordingScheduler struct {
	mu    sync.Mutex
	calls []model.ScheduledSettlement
}

func (r *recordingScheduler) Schedule(_ context.Context, key, accountID string, dueAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, model.ScheduledSettlement{TradeKey: key, AccountID: accountID, DueAt: dueAt})
	return nil
}

type testEnv struct {
	svc    *trade.Service
	store  store.Store
	wallet *ledger.Wallet
	feed   *pricefeed.MemorySource
	sched  *recordingScheduler
	router chi.Router
}

func testOdds() payout.Odds {
	return payout.Odds{
		Boom:       d(1.95),
		Crash:      d(1.95),
		EvenOdd:    d(1.9),
		Matches:    d(9),
		Differs:    d(1.1),
		Volatility: map[int]decimal.Decimal{10: d(1.9), 25: d(1.85)},
	}
}

// newTestEnv creates a Service over in-memory collaborators and a chi router.
func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, st, trade.DefaultConfig())
}

func newTestEnvWithConfig(t *testing.T, st store.Store, cfg trade.Config) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fast := retry.Policy{Attempts: 3, Delay: time.Millisecond, Multiplier: 1.5}

	wallet := ledger.NewWallet(st, ledger.WithCompensationPolicy(fast), ledger.WithLogger(logger))
	feed := pricefeed.NewMemorySource()
	registry, err := payout.NewRegistry(payout.Standard(testOdds()))
	require.NoError(t, err)
	sched := &recordingScheduler{}

	svc := trade.NewService(trade.Deps{
		Store:     st,
		Wallet:    wallet,
		Prices:    pricefeed.NewReader(feed, fast, logger),
		Payouts:   registry,
		Scheduler: sched,
		Logger:    logger,
	}, cfg)
	svc.SetClock(func() time.Time { return clock })

	r := chi.NewRouter()
	r.Route("/api/v1", trade.NewHandler(svc, nil).Routes)

	return &testEnv{svc: svc, store: st, wallet: wallet, feed: feed, sched: sched, router: r}
}

func (e *testEnv) account(t *testing.T, balance float64) string {
	t.Helper()
	acct, err := e.wallet.OpenAccount(context.Background(), "", d(balance))
	require.NoError(t, err)
	return acct.ID
}

func (e *testEnv) price(t *testing.T, at time.Time, instrument string, p float64) {
	t.Helper()
	require.NoError(t, e.feed.Put(context.Background(), model.PriceSnapshot{
		Timestamp: at,
		Prices:    map[string]decimal.Decimal{instrument: d(p)},
	}))
}

func (e *testEnv) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	b, err := e.wallet.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func doOpen(t *testing.T, router chi.Router, req trade.OpenRequest) (*httptest.ResponseRecorder, trade.OpenResult) {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest("POST", "/api/v1/trades", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)

	var res trade.OpenResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return w, res
}

// --- Lifecycle scenarios ---

func TestOpenTrade_OpensAndSettlesWinningBoomRise(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	w, res := doOpen(t, env.router, trade.OpenRequest{
		AccountID:   acct,
		ProductType: "boom_100_rise",
		OptionType:  model.OptionCall,
		Wager:       d(10),
		Ticks:       5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, model.StatusOpened, res.Status)
	require.NotNil(t, res.Trade)
	assert.True(t, env.balance(t, acct).Equal(d(90)), "balance after open = %s, want 90", env.balance(t, acct))
	assert.True(t, res.Trade.EntryPrice.Equal(d(1000)), "entry price = %s", res.Trade.EntryPrice)
	assert.True(t, res.Trade.OpenedAt.Equal(entryAt), "opened at = %s, want %s", res.Trade.OpenedAt, entryAt)

	dueAt := entryAt.Add(5 * time.Second)
	require.Len(t, env.sched.calls, 1)
	assert.True(t, env.sched.calls[0].DueAt.Equal(dueAt), "due at = %s, want %s", env.sched.calls[0].DueAt, dueAt)

	env.price(t, dueAt, "boom_100", 1010)
	rec, err := env.store.GetScheduledSettlement(context.Background(), res.Trade.Key)
	require.NoError(t, err)
	require.NoError(t, env.svc.Settle(context.Background(), *rec))

	// 90 + 10 * 1.95
	assert.True(t, env.balance(t, acct).Equal(d(109.5)), "balance after settle = %s, want 109.50", env.balance(t, acct))
	tr, err := env.svc.GetTrade(context.Background(), res.Trade.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, tr.Status)
	require.NotNil(t, tr.ExitPrice)
	assert.True(t, tr.ExitPrice.Equal(d(1010)), "exit price = %s", tr.ExitPrice)
	require.NotNil(t, tr.Payout)
	assert.True(t, tr.Payout.Equal(d(19.5)), "payout = %s", tr.Payout)
	require.NotNil(t, tr.ClosedAt)
	assert.True(t, tr.ClosedAt.Equal(dueAt), "closed at = %s, want due time", tr.ClosedAt)
	assert.NotNil(t, tr.SettledAt)
}

func TestOpenTrade_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 5)
	env.price(t, entryAt, "boom_100", 1000)

	w, res := doOpen(t, env.router, trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 5,
	})
	require.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	assert.Equal(t, model.StatusRejected, res.Status)
	assert.Equal(t, trade.CodeInsufficientFunds, res.Code)
	assert.True(t, env.balance(t, acct).Equal(d(5)), "balance = %s, want 5", env.balance(t, acct))
	assert.Empty(t, env.sched.calls, "rejected trade was scheduled")
}

func TestOpenTrade_PriceUnavailableCompensates(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)

	w, res := doOpen(t, env.router, trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 5,
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Equal(t, trade.CodePriceUnavailable, res.Code)
	assert.True(t, env.balance(t, acct).Equal(d(100)), "balance = %s, want 100 after compensation", env.balance(t, acct))

	entries, err := env.store.ListLedgerEntries(context.Background(), acct)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{model.EntryFund, model.EntryDebit, model.EntryCompensate}, kinds)

	trades, err := env.svc.ListAccountTrades(context.Background(), acct)
	require.NoError(t, err)
	assert.Empty(t, trades, "rejected open left trades behind")
}

func TestOpenTrade_MissingInstrumentCompensates(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "crash_100", 1000)

	_, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 5,
	})
	require.ErrorIs(t, err, pricefeed.ErrPriceFieldMissing)
	assert.True(t, env.balance(t, acct).Equal(d(100)), "balance = %s, want 100", env.balance(t, acct))
}

func TestOpenTrade_ConcurrentOpensOnOneAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	var wg sync.WaitGroup
	results := make([]*trade.OpenResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.svc.OpenTrade(context.Background(), trade.OpenRequest{
				AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(60), Ticks: 3,
			})
		}(i)
	}
	wg.Wait()

	opened, insufficient := 0, 0
	for i := range results {
		require.NotNil(t, results[i], "result %d", i)
		switch {
		case errs[i] == nil && results[i].Status == model.StatusOpened:
			opened++
		case errors.Is(errs[i], store.ErrInsufficientFunds):
			insufficient++
		}
	}
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, insufficient)
	assert.True(t, env.balance(t, acct).Equal(d(40)), "balance = %s, want 40", env.balance(t, acct))
}

// failingStore rejects every open-trade insert.
type failingStore struct {
	*store.MemoryStore
}

func (f *failingStore) InsertTradeOpen(context.Context, *model.TradeRow, *model.ScheduledSettlement) error {
	return errors.New("disk full")
}

func TestOpenTrade_PersistenceFailureCompensates(t *testing.T) {
	env := newTestEnv(t, &failingStore{MemoryStore: store.NewMemoryStore()})
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	w, res := doOpen(t, env.router, trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 5,
	})
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.Equal(t, trade.CodePersistence, res.Code)
	assert.True(t, env.balance(t, acct).Equal(d(100)), "balance = %s, want 100", env.balance(t, acct))
}

func TestOpenTrade_ValidationRejectsWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "volatility_10", 1000)

	base := trade.OpenRequest{
		AccountID: acct, ProductType: "volatility_10_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 5,
	}
	tests := []struct {
		name   string
		mutate func(r *trade.OpenRequest)
	}{
		{"bad account id", func(r *trade.OpenRequest) { r.AccountID = "not-a-uuid" }},
		{"unknown product", func(r *trade.OpenRequest) { r.ProductType = "volatility_50_rise" }},
		{"malformed product", func(r *trade.OpenRequest) { r.ProductType = "boom-rise" }},
		{"bad option", func(r *trade.OpenRequest) { r.OptionType = "straddle" }},
		{"zero ticks", func(r *trade.OpenRequest) { r.Ticks = 0 }},
		{"eleven ticks", func(r *trade.OpenRequest) { r.Ticks = 11 }},
		{"wager below minimum", func(r *trade.OpenRequest) { r.Wager = d(0.5) }},
		{"wager sub-cent", func(r *trade.OpenRequest) { r.Wager = d(1.005) }},
		{"prediction out of range", func(r *trade.OpenRequest) {
			r.ProductType = "volatility_10_matches"
			r.LastDigitPrediction = intPtr(10)
		}},
		{"prediction required", func(r *trade.OpenRequest) { r.ProductType = "volatility_10_differs" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			w, res := doOpen(t, env.router, req)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, model.StatusRejected, res.Status)
			assert.Equal(t, trade.CodeValidation, res.Code)
			assert.NotEmpty(t, res.Reason)
		})
	}

	entries, err := env.store.ListLedgerEntries(context.Background(), acct)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "validation failures touched the ledger")
}

func TestOpenTrade_TickCapHoldsAboveConfiguredMax(t *testing.T) {
	cfg := trade.DefaultConfig()
	cfg.MaxTicks = 50
	env := newTestEnvWithConfig(t, nil, cfg)
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	w, res := doOpen(t, env.router, trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(10), Ticks: 11,
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, trade.CodeValidation, res.Code)
	assert.True(t, env.balance(t, acct).Equal(d(100)))
	assert.Empty(t, env.sched.calls)
}

func TestOpenTrade_PredictionIgnoredForOtherProducts(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "volatility_25", 500)

	_, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
		AccountID: acct, ProductType: "volatility_25_even", OptionType: model.OptionCall, Wager: d(1), Ticks: 1,
	})
	require.NoError(t, err, "even/odd should not need a prediction")
}

// --- Settlement ---

func TestSettle_MatchesPaysOnDigit(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "volatility_10", 1000.12)

	res, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
		AccountID: acct, ProductType: "volatility_10_matches", OptionType: model.OptionCall,
		Wager: d(10), Ticks: 2, LastDigitPrediction: intPtr(7),
	})
	require.NoError(t, err)

	dueAt := entryAt.Add(2 * time.Second)
	env.price(t, dueAt, "volatility_10", 1000.57)
	require.NoError(t, env.svc.Settle(context.Background(), env.sched.calls[0]))

	tr, err := env.svc.GetTrade(context.Background(), res.Trade.Key)
	require.NoError(t, err)
	require.NotNil(t, tr.Payout)
	assert.True(t, tr.Payout.Equal(d(90)), "payout = %s, want 90", tr.Payout)
	assert.True(t, env.balance(t, acct).Equal(d(180)), "balance = %s, want 180", env.balance(t, acct))
}

func TestSettle_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "crash_100", 1000)

	_, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
		AccountID: acct, ProductType: "crash_100_fall", OptionType: model.OptionPut, Wager: d(10), Ticks: 1,
	})
	require.NoError(t, err)
	env.price(t, entryAt.Add(time.Second), "crash_100", 990)

	rec := env.sched.calls[0]
	require.NoError(t, env.svc.Settle(context.Background(), rec))
	err = env.svc.Settle(context.Background(), rec)
	require.ErrorIs(t, err, store.ErrAlreadySettled)
	assert.True(t, env.balance(t, acct).Equal(d(109.5)), "balance = %s, want 109.50", env.balance(t, acct))
}

func TestSettle_PriceUnavailableLeavesTradeOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	res, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
		AccountID: acct, ProductType: "boom_100_fall", OptionType: model.OptionPut, Wager: d(10), Ticks: 4,
	})
	require.NoError(t, err)

	err = env.svc.Settle(context.Background(), env.sched.calls[0])
	require.ErrorIs(t, err, pricefeed.ErrPriceUnavailable)

	tr, err := env.svc.GetTrade(context.Background(), res.Trade.Key)
	require.NoError(t, err)
	assert.False(t, tr.Settled(), "trade settled without an exit price")
	assert.True(t, env.balance(t, acct).Equal(d(90)), "balance = %s, want 90 (wager stays debited)", env.balance(t, acct))
}

// --- Account and query endpoints ---

func TestCreateAccount_DefaultBalance(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/accounts", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var acct model.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.True(t, acct.WalletBalance.Equal(d(10000)), "balance = %s, want 10000", acct.WalletBalance)

	req = httptest.NewRequest("GET", "/api/v1/accounts/"+acct.ID+"/ledger", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	var entries []model.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryFund, entries[0].Kind)
}

func TestCreateAccount_ExplicitBalance(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader([]byte(`{"initial_balance":"250.00"}`)))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var acct model.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	assert.True(t, acct.WalletBalance.Equal(d(250)), "balance = %s, want 250", acct.WalletBalance)
}

func TestGetAccount_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{
		"/api/v1/accounts/missing",
		"/api/v1/accounts/missing/trades",
		"/api/v1/accounts/missing/ledger",
		"/api/v1/trades/missing",
	} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestListAccountTrades(t *testing.T) {
	env := newTestEnv(t, nil)
	acct := env.account(t, 100)
	env.price(t, entryAt, "boom_100", 1000)

	for i := 0; i < 2; i++ {
		_, err := env.svc.OpenTrade(context.Background(), trade.OpenRequest{
			AccountID: acct, ProductType: "boom_100_rise", OptionType: model.OptionCall, Wager: d(5), Ticks: 1,
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest("GET", "/api/v1/accounts/"+acct+"/trades", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var trades []model.Trade
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trades))
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, model.StatusAwaitingSettlement, tr.Status)
	}
}

func TestListProducts(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/api/v1/products", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var products []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &products))
	assert.Len(t, products, 16)
}
