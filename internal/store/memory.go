package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntrade/trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Lock order: an account's mutex is taken before tradesMu. Balance changes
// on different accounts do not contend.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount

	tradesMu    sync.RWMutex
	opens       map[string]model.TradeRow
	closes      map[string]model.TradeRow
	settlements map[string]*model.ScheduledSettlement

	cursorsMu sync.Mutex
	cursors   map[string]time.Time

	now func() time.Time
}

type memAccount struct {
	mu      sync.Mutex
	acct    model.Account
	entries []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*memAccount),
		opens:       make(map[string]model.TradeRow),
		closes:      make(map[string]model.TradeRow),
		settlements: make(map[string]*model.ScheduledSettlement),
		cursors:     make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock used to stamp SettledAt. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	s.now = now
}

func (s *MemoryStore) account(id string) (*memAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account, fund *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
	}
	a := &memAccount{acct: *acct}
	if fund != nil {
		fund.BalanceAfter = acct.WalletBalance
		a.entries = append(a.entries, *fund)
	}
	s.accounts[acct.ID] = a
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	a, err := s.account(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to avoid external mutation.
	acct := a.acct
	return &acct, nil
}

func (s *MemoryStore) ApplyEntry(_ context.Context, entry *model.LedgerEntry) error {
	a, err := s.account(entry.AccountID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.apply(entry)
}

// apply must be called with a.mu held.
func (a *memAccount) apply(entry *model.LedgerEntry) error {
	next := a.acct.WalletBalance.Add(entry.Delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: account %s balance %s, requested %s",
			ErrInsufficientFunds, a.acct.ID, a.acct.WalletBalance, entry.Delta.Neg())
	}
	a.acct.WalletBalance = next
	entry.BalanceAfter = next
	a.entries = append(a.entries, *entry)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	a, err := s.account(accountID)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.LedgerEntry, len(a.entries))
	copy(out, a.entries)
	return out, nil
}

func (s *MemoryStore) InsertTradeOpen(_ context.Context, open *model.TradeRow, settlement *model.ScheduledSettlement) error {
	if _, err := s.account(open.AccountID); err != nil {
		return err
	}

	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	if _, ok := s.opens[open.TradeKey]; ok {
		return fmt.Errorf("%w: %s", ErrTradeExists, open.TradeKey)
	}
	s.opens[open.TradeKey] = *open
	if settlement != nil {
		if _, ok := s.settlements[settlement.TradeKey]; !ok {
			cp := *settlement
			s.settlements[settlement.TradeKey] = &cp
		}
	}
	return nil
}

func (s *MemoryStore) SettleTrade(_ context.Context, closeRow *model.TradeRow, credit *model.LedgerEntry) error {
	a, err := s.account(closeRow.AccountID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	if _, ok := s.opens[closeRow.TradeKey]; !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, closeRow.TradeKey)
	}
	if _, ok := s.closes[closeRow.TradeKey]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySettled, closeRow.TradeKey)
	}
	if err := a.apply(credit); err != nil {
		return err
	}
	settledAt := s.now()
	closeRow.BalanceAfter = credit.BalanceAfter
	closeRow.SettledAt = &settledAt
	s.closes[closeRow.TradeKey] = *closeRow
	if st, ok := s.settlements[closeRow.TradeKey]; ok {
		st.Settled = true
		st.Attempted = true
		st.Attempts++
		st.LastError = ""
	}
	return nil
}

// composeLocked must be called with tradesMu held.
func (s *MemoryStore) composeLocked(key string) (*model.Trade, bool) {
	open, ok := s.opens[key]
	if !ok {
		return nil, false
	}
	var closeRow *model.TradeRow
	if c, ok := s.closes[key]; ok {
		closeRow = &c
	}
	var st *model.ScheduledSettlement
	if v, ok := s.settlements[key]; ok {
		cp := *v
		st = &cp
	}
	return model.ComposeTrade(open, closeRow, st), true
}

func (s *MemoryStore) GetTrade(_ context.Context, tradeKey string) (*model.Trade, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()

	t, ok := s.composeLocked(tradeKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeKey)
	}
	return t, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()

	var trades []model.Trade
	for key, open := range s.opens {
		if open.AccountID != accountID {
			continue
		}
		t, _ := s.composeLocked(key)
		trades = append(trades, *t)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].OpenedAt.Equal(trades[j].OpenedAt) {
			return trades[i].Key > trades[j].Key
		}
		return trades[i].OpenedAt.After(trades[j].OpenedAt)
	})
	return trades, nil
}

func (s *MemoryStore) ListTradesSettledBetween(_ context.Context, from, to time.Time) ([]model.Trade, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()

	var trades []model.Trade
	for key, c := range s.closes {
		if c.SettledAt == nil || c.SettledAt.Before(from) || !c.SettledAt.Before(to) {
			continue
		}
		t, _ := s.composeLocked(key)
		trades = append(trades, *t)
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].SettledAt.Equal(*trades[j].SettledAt) {
			return trades[i].Key < trades[j].Key
		}
		return trades[i].SettledAt.Before(*trades[j].SettledAt)
	})
	return trades, nil
}

func (s *MemoryStore) ScheduleSettlement(_ context.Context, st *model.ScheduledSettlement) error {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	if _, ok := s.settlements[st.TradeKey]; ok {
		return nil
	}
	cp := *st
	s.settlements[st.TradeKey] = &cp
	return nil
}

func (s *MemoryStore) GetScheduledSettlement(_ context.Context, tradeKey string) (*model.ScheduledSettlement, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()

	st, ok := s.settlements[tradeKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListPendingSettlements(_ context.Context) ([]model.ScheduledSettlement, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()

	var out []model.ScheduledSettlement
	for _, st := range s.settlements {
		if !st.Settled {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *MemoryStore) RecordSettlementFailure(_ context.Context, tradeKey, lastErr string, nextAttemptAt time.Time) (*model.ScheduledSettlement, error) {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	st, ok := s.settlements[tradeKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	if !st.Settled {
		st.Attempted = true
		st.Attempts++
		st.LastError = lastErr
		st.NextAttemptAt = nextAttemptAt
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) MarkSettlementAlerted(_ context.Context, tradeKey string) error {
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()

	st, ok := s.settlements[tradeKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSettlementMissing, tradeKey)
	}
	st.Alerted = true
	return nil
}

func (s *MemoryStore) ExportCursor(_ context.Context, name string) (time.Time, error) {
	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SetExportCursor(_ context.Context, name string, position time.Time) error {
	s.cursorsMu.Lock()
	defer s.cursorsMu.Unlock()
	s.cursors[name] = position
	return nil
}
