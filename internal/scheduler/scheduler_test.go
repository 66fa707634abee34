package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrade/trade-engine/internal/ledger"
	"github.com/syntrade/trade-engine/internal/lock"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/scheduler"
	"github.com/syntrade/trade-engine/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() scheduler.Config {
	return scheduler.Config{
		Grace:              5 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
		RetryDelay:         5 * time.Millisecond,
		MaxRetryDelay:      20 * time.Millisecond,
		AlertAfterAttempts: 2,
		LockTTL:            time.Second,
		FireTimeout:        time.Second,
	}
}

type countingAlerter struct {
	count atomic.Int32
}

func (c *countingAlerter) Notify(context.Context, string, string, string) error {
	c.count.Add(1)
	return nil
}

// openTrade debits the wallet and persists an open trade due at dueAt.
func openTrade(t *testing.T, ms *store.MemoryStore, w *ledger.Wallet, accountID string, dueAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	key := uuid.NewString()
	_, err := w.Debit(ctx, accountID, key, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.NoError(t, ms.InsertTradeOpen(ctx, &model.TradeRow{
		ID: uuid.NewString(), TradeKey: key, AccountID: accountID, ProductType: "boom_100_rise",
		OptionType: model.OptionCall, Kind: model.RowOpen, Amount: decimal.NewFromInt(10), Ticks: 1,
		Price: decimal.NewFromInt(1000), Timestamp: dueAt.Add(-time.Second),
	}, nil))
	return key
}

// settleHandler pays a fixed 19.00 through the wallet.
func settleHandler(w *ledger.Wallet, calls *atomic.Int32) scheduler.Handler {
	return func(ctx context.Context, rec model.ScheduledSettlement) error {
		calls.Add(1)
		_, err := w.Settle(ctx, &model.TradeRow{
			ID: uuid.NewString(), TradeKey: rec.TradeKey, AccountID: rec.AccountID,
			ProductType: "boom_100_rise", OptionType: model.OptionCall, Kind: model.RowClose,
			Amount: decimal.NewFromInt(19), Ticks: 1, Price: decimal.NewFromInt(1001), Timestamp: rec.DueAt,
		})
		return err
	}
}

func TestScheduler_FiresAfterDueTime(t *testing.T) {
	ms := store.NewMemoryStore()
	w := ledger.NewWallet(ms)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acct, err := w.OpenAccount(ctx, "", decimal.NewFromInt(100))
	require.NoError(t, err)

	var calls atomic.Int32
	s := scheduler.New(ms, lock.NewLocal(), nil, testConfig(), discardLogger())
	require.NoError(t, s.Start(ctx, settleHandler(w, &calls)))
	defer s.Stop()

	dueAt := time.Now().UTC().Add(50 * time.Millisecond)
	key := openTrade(t, ms, w, acct.ID, dueAt)
	require.NoError(t, s.Schedule(ctx, key, acct.ID, dueAt))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, time.Now().UTC().Before(dueAt), "fired before due time")

	tr, err := ms.GetTrade(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, tr.Status)
	bal, _ := w.Balance(ctx, acct.ID)
	assert.True(t, bal.Equal(decimal.NewFromInt(109)))
}

func TestScheduler_RecoversAfterRestart(t *testing.T) {
	ms := store.NewMemoryStore()
	w := ledger.NewWallet(ms)
	ctx := context.Background()

	acct, err := w.OpenAccount(ctx, "", decimal.NewFromInt(100))
	require.NoError(t, err)

	// First process schedules, then dies before the due time.
	var firstCalls atomic.Int32
	first := scheduler.New(ms, lock.NewLocal(), nil, testConfig(), discardLogger())
	require.NoError(t, first.Start(ctx, settleHandler(w, &firstCalls)))
	dueAt := time.Now().UTC().Add(time.Hour)
	key := openTrade(t, ms, w, acct.ID, dueAt)
	require.NoError(t, first.Schedule(ctx, key, acct.ID, dueAt))
	first.Stop()

	// Pretend the downtime outlasted the due time.
	overdue := openTrade(t, ms, w, acct.ID, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, ms.ScheduleSettlement(ctx, &model.ScheduledSettlement{
		TradeKey: overdue, AccountID: acct.ID, DueAt: time.Now().UTC().Add(-time.Minute),
	}))

	var calls atomic.Int32
	second := scheduler.New(ms, lock.NewLocal(), nil, testConfig(), discardLogger())
	require.NoError(t, second.Start(ctx, settleHandler(w, &calls)))
	defer second.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	tr, _ := ms.GetTrade(ctx, overdue)
	assert.Equal(t, model.StatusSettled, tr.Status)

	// The future trade is armed, not fired.
	assert.Equal(t, 1, second.Pending())
	assert.Zero(t, firstCalls.Load())
}

func TestScheduler_ExactlyOnceAcrossInstances(t *testing.T) {
	ms := store.NewMemoryStore()
	w := ledger.NewWallet(ms)
	ctx := context.Background()
	locker := lock.NewLocal()

	acct, err := w.OpenAccount(ctx, "", decimal.NewFromInt(100))
	require.NoError(t, err)

	dueAt := time.Now().UTC().Add(-time.Second)
	var keys []string
	for i := 0; i < 10; i++ {
		key := openTrade(t, ms, w, acct.ID, dueAt)
		require.NoError(t, ms.ScheduleSettlement(ctx, &model.ScheduledSettlement{TradeKey: key, AccountID: acct.ID, DueAt: dueAt}))
		keys = append(keys, key)
	}

	var calls atomic.Int32
	var schedulers []*scheduler.Scheduler
	for i := 0; i < 3; i++ {
		s := scheduler.New(ms, locker, nil, testConfig(), discardLogger())
		require.NoError(t, s.Start(ctx, settleHandler(w, &calls)))
		schedulers = append(schedulers, s)
	}

	require.Eventually(t, func() bool {
		pending, _ := ms.ListPendingSettlements(ctx)
		return len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	for _, s := range schedulers {
		s.Stop()
	}

	// 100 - 10*10 + 10*19
	bal, _ := w.Balance(ctx, acct.ID)
	assert.True(t, bal.Equal(decimal.NewFromInt(190)), "balance %s", bal)

	entries, _ := ms.ListLedgerEntries(ctx, acct.ID)
	credits := 0
	for _, e := range entries {
		if e.Kind == model.EntryCredit {
			credits++
		}
	}
	assert.Equal(t, len(keys), credits, "every trade credited exactly once")
}

func TestScheduler_FailureRecordedAndAlertedOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	w := ledger.NewWallet(ms)
	ctx := context.Background()

	acct, err := w.OpenAccount(ctx, "", decimal.NewFromInt(100))
	require.NoError(t, err)
	dueAt := time.Now().UTC()
	key := openTrade(t, ms, w, acct.ID, dueAt)

	var calls atomic.Int32
	failing := func(context.Context, model.ScheduledSettlement) error {
		calls.Add(1)
		return errors.New("price unavailable")
	}
	alerts := &countingAlerter{}
	s := scheduler.New(ms, lock.NewLocal(), alerts, testConfig(), discardLogger())
	require.NoError(t, s.Start(ctx, failing))
	require.NoError(t, s.Schedule(ctx, key, acct.ID, dueAt))

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 3*time.Second, 5*time.Millisecond)
	s.Stop()

	rec, err := ms.GetScheduledSettlement(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Attempted)
	assert.False(t, rec.Settled, "failed settlement must not be discarded")
	assert.GreaterOrEqual(t, rec.Attempts, 4)
	assert.Equal(t, "price unavailable", rec.LastError)
	assert.True(t, rec.Alerted)
	assert.EqualValues(t, 1, alerts.count.Load(), "alert raised once")

	tr, _ := ms.GetTrade(ctx, key)
	assert.Equal(t, model.StatusSettlementFailed, tr.Status)
}

func TestScheduler_SettledRecordNotRefired(t *testing.T) {
	ms := store.NewMemoryStore()
	w := ledger.NewWallet(ms)
	ctx := context.Background()

	acct, err := w.OpenAccount(ctx, "", decimal.NewFromInt(100))
	require.NoError(t, err)
	dueAt := time.Now().UTC().Add(-time.Second)
	key := openTrade(t, ms, w, acct.ID, dueAt)
	require.NoError(t, ms.ScheduleSettlement(ctx, &model.ScheduledSettlement{TradeKey: key, AccountID: acct.ID, DueAt: dueAt}))

	var calls atomic.Int32
	handler := settleHandler(w, &calls)
	require.NoError(t, handler(ctx, model.ScheduledSettlement{TradeKey: key, AccountID: acct.ID, DueAt: dueAt}))

	s := scheduler.New(ms, lock.NewLocal(), nil, testConfig(), discardLogger())
	require.NoError(t, s.Start(ctx, handler))
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.EqualValues(t, 1, calls.Load(), "settled trade fired again")
	bal, _ := w.Balance(ctx, acct.ID)
	assert.True(t, bal.Equal(decimal.NewFromInt(109)))
}

func TestScheduler_DuplicateSettleCountsAsSuccess(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(_ context.Context, rec model.ScheduledSettlement) error {
		mu.Lock()
		defer mu.Unlock()
		seen[rec.TradeKey]++
		return store.ErrAlreadySettled
	}

	require.NoError(t, ms.ScheduleSettlement(ctx, &model.ScheduledSettlement{TradeKey: "k", AccountID: "a", DueAt: time.Now().UTC()}))
	s := scheduler.New(ms, lock.NewLocal(), nil, testConfig(), discardLogger())
	require.NoError(t, s.Start(ctx, handler))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	rec, _ := ms.GetScheduledSettlement(ctx, "k")
	assert.False(t, rec.Attempted, "duplicate must not be recorded as a failure")
}
