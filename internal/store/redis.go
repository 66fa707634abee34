package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntrade/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then bump the entity's
// generation; reads look up the value stored under the current generation
// and fall back to the primary.
//
// A reader that loaded a value before a concurrent write files it under the
// old generation, which no later read asks for, so a stale fill can never
// outlive the write that superseded it.
//
// Balance checks never read the cache: ApplyEntry and SettleTrade always
// run against the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, bump generation) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account, fund *model.LedgerEntry) error {
	if err := s.primary.CreateAccount(ctx, acct, fund); err != nil {
		return err
	}
	s.bump(ctx, accountKey(acct.ID))
	return nil
}

func (s *CachedStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.ApplyEntry(ctx, entry); err != nil {
		return err
	}
	s.bump(ctx, accountKey(entry.AccountID))
	return nil
}

func (s *CachedStore) InsertTradeOpen(ctx context.Context, open *model.TradeRow, settlement *model.ScheduledSettlement) error {
	if err := s.primary.InsertTradeOpen(ctx, open, settlement); err != nil {
		return err
	}
	s.bump(ctx, tradeKey(open.TradeKey))
	return nil
}

func (s *CachedStore) SettleTrade(ctx context.Context, closeRow *model.TradeRow, credit *model.LedgerEntry) error {
	err := s.primary.SettleTrade(ctx, closeRow, credit)
	// Bump even on failure; an already-settled trade may be cached stale.
	s.bump(ctx, tradeKey(closeRow.TradeKey), accountKey(closeRow.AccountID))
	return err
}

func (s *CachedStore) ScheduleSettlement(ctx context.Context, st *model.ScheduledSettlement) error {
	if err := s.primary.ScheduleSettlement(ctx, st); err != nil {
		return err
	}
	s.bump(ctx, tradeKey(st.TradeKey))
	return nil
}

func (s *CachedStore) RecordSettlementFailure(ctx context.Context, key, lastErr string, nextAttemptAt time.Time) (*model.ScheduledSettlement, error) {
	st, err := s.primary.RecordSettlementFailure(ctx, key, lastErr, nextAttemptAt)
	if err != nil {
		return nil, err
	}
	s.bump(ctx, tradeKey(key))
	return st, nil
}

func (s *CachedStore) MarkSettlementAlerted(ctx context.Context, key string) error {
	return s.primary.MarkSettlementAlerted(ctx, key)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	key, ok := s.versioned(ctx, accountKey(id))
	var a model.Account
	if ok && s.lookup(ctx, key, &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cache(ctx, key, acct)
	}
	return acct, nil
}

func (s *CachedStore) GetTrade(ctx context.Context, tk string) (*model.Trade, error) {
	key, ok := s.versioned(ctx, tradeKey(tk))
	var t model.Trade
	if ok && s.lookup(ctx, key, &t) {
		return &t, nil
	}

	tr, err := s.primary.GetTrade(ctx, tk)
	if err != nil {
		return nil, err
	}
	if ok {
		s.cache(ctx, key, tr)
	}
	return tr, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error) {
	return s.primary.ListTradesByAccount(ctx, accountID)
}

func (s *CachedStore) ListTradesSettledBetween(ctx context.Context, from, to time.Time) ([]model.Trade, error) {
	return s.primary.ListTradesSettledBetween(ctx, from, to)
}

func (s *CachedStore) ExportCursor(ctx context.Context, name string) (time.Time, error) {
	return s.primary.ExportCursor(ctx, name)
}

func (s *CachedStore) SetExportCursor(ctx context.Context, name string, position time.Time) error {
	return s.primary.SetExportCursor(ctx, name, position)
}

func (s *CachedStore) GetScheduledSettlement(ctx context.Context, key string) (*model.ScheduledSettlement, error) {
	return s.primary.GetScheduledSettlement(ctx, key)
}

func (s *CachedStore) ListPendingSettlements(ctx context.Context) ([]model.ScheduledSettlement, error) {
	return s.primary.ListPendingSettlements(ctx)
}

// --- Cache helpers ---

// versioned returns the value key for base under its current generation. It
// reports false when the generation cannot be read, and the cache is then
// bypassed for this call.
func (s *CachedStore) versioned(ctx context.Context, base string) (string, bool) {
	gen, err := s.rdb.Get(ctx, genKey(base)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		gen = "0"
	case err != nil:
		return "", false
	}
	return base + "@" + gen, true
}

// bump moves each base to a fresh generation. Generations are wall-clock
// nanoseconds, so a generation key that expires and is recreated never
// revives an old value key. The generation outlives every value filed
// under it.
func (s *CachedStore) bump(ctx context.Context, bases ...string) {
	gen := strconv.FormatInt(time.Now().UnixNano(), 10)
	var genTTL time.Duration
	if s.ttl > 0 {
		genTTL = 10 * s.ttl
	}
	pipe := s.rdb.Pipeline()
	for _, base := range bases {
		pipe.Set(ctx, genKey(base), gen, genTTL)
	}
	pipe.Exec(ctx)
}

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
func tradeKey(key string) string  { return fmt.Sprintf("trade:%s", key) }
func genKey(base string) string   { return "gen:" + base }
