// Package scheduler fires trade settlements at their due time. Due-time
// records are persisted before a timer is armed, so a restart re-arms every
// trade that has not been settled yet.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrade/trade-engine/internal/lock"
	"github.com/syntrade/trade-engine/internal/metrics"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/notify"
	"github.com/syntrade/trade-engine/internal/retry"
	"github.com/syntrade/trade-engine/internal/store"
)

// Handler settles one trade. Returning store.ErrAlreadySettled counts as
// success; any other error is recorded and retried later.
type Handler func(ctx context.Context, s model.ScheduledSettlement) error

// Alerter raises operator alerts. *notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes firing and retry behavior.
type Config struct {
	// Grace delays each first firing past the due time so the feed has
	// written the exit snapshot.
	Grace time.Duration
	// SweepInterval is how often pending records are re-read and re-armed.
	SweepInterval time.Duration
	// RetryDelay and MaxRetryDelay bound the exponential backoff between
	// failed attempts.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// AlertAfterAttempts is the failure count at which operators are
	// alerted, once per trade.
	AlertAfterAttempts int
	// LockTTL bounds how long one firing may hold its trade key.
	LockTTL time.Duration
	// FireTimeout bounds one handler call.
	FireTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Grace:              time.Second,
		SweepInterval:      5 * time.Second,
		RetryDelay:         2 * time.Second,
		MaxRetryDelay:      time.Minute,
		AlertAfterAttempts: 3,
		LockTTL:            time.Minute,
		FireTimeout:        30 * time.Second,
	}
}

// Scheduler keeps one timer per pending settlement.
type Scheduler struct {
	store   store.Store
	locker  lock.Locker
	alerts  Alerter
	cfg     Config
	backoff retry.Policy
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	handler  Handler
	timers   map[string]*time.Timer
	inflight map[string]bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. alerts may be nil.
func New(st store.Store, locker lock.Locker, alerts Alerter, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		locker: locker,
		alerts: alerts,
		cfg:    cfg,
		backoff: retry.Policy{
			Delay:      cfg.RetryDelay,
			Multiplier: 2,
			MaxDelay:   cfg.MaxRetryDelay,
		},
		logger:   logger.With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[string]*time.Timer),
		inflight: make(map[string]bool),
	}
}

// Schedule persists the due-time record for a trade and, when the scheduler
// is running, arms its timer. Scheduling a key twice is a no-op.
func (s *Scheduler) Schedule(ctx context.Context, tradeKey, accountID string, dueAt time.Time) error {
	rec := &model.ScheduledSettlement{
		TradeKey:      tradeKey,
		AccountID:     accountID,
		DueAt:         dueAt,
		NextAttemptAt: dueAt,
	}
	if err := s.store.ScheduleSettlement(ctx, rec); err != nil {
		return fmt.Errorf("schedule %s: %w", tradeKey, err)
	}
	s.arm(tradeKey, dueAt.Add(s.cfg.Grace))
	return nil
}

// Start recovers every unsettled record, arming overdue ones to fire
// immediately, and starts the sweep loop. It returns once recovery is done.
func (s *Scheduler) Start(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	s.baseCtx = context.WithoutCancel(ctx)
	s.handler = handler
	s.stop = make(chan struct{})
	s.mu.Unlock()

	n, err := s.sweep(ctx)
	if err != nil {
		s.Stop()
		return fmt.Errorf("scheduler recovery: %w", err)
	}
	s.logger.InfoContext(ctx, "scheduler started", "recovered", n)

	s.wg.Add(1)
	go s.sweepLoop(ctx)
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it.
func (s *Scheduler) Run(ctx context.Context, handler Handler) error {
	if err := s.Start(ctx, handler); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop disarms every timer and waits for in-flight settlements. Records stay
// persisted and are recovered by the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	metrics.PendingSettlements.Set(0)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("settlement sweep failed", "err", err)
			}
		}
	}
}

// sweep arms every pending record that has no timer and is not firing.
func (s *Scheduler) sweep(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingSettlements(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, rec := range pending {
		if s.arm(rec.TradeKey, s.fireAt(rec)) {
			armed++
		}
	}
	return armed, nil
}

func (s *Scheduler) fireAt(rec model.ScheduledSettlement) time.Time {
	if rec.Attempted {
		return rec.NextAttemptAt
	}
	return rec.DueAt.Add(s.cfg.Grace)
}

// arm sets a timer for key unless one is already set or a firing is in
// flight. It reports whether a timer was set.
func (s *Scheduler) arm(key string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.inflight[key] {
		return false
	}
	if _, ok := s.timers[key]; ok {
		return false
	}
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[key] = time.AfterFunc(delay, func() { s.fire(key) })
	metrics.PendingSettlements.Set(float64(len(s.timers)))
	return true
}

func (s *Scheduler) fire(key string) {
	s.mu.Lock()
	delete(s.timers, key)
	metrics.PendingSettlements.Set(float64(len(s.timers)))
	if !s.running || s.inflight[key] {
		s.mu.Unlock()
		return
	}
	s.inflight[key] = true
	s.wg.Add(1)
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.FireTimeout)
	handler := s.handler
	s.mu.Unlock()

	defer s.wg.Done()
	defer cancel()

	retryAt, failed := s.settle(ctx, key, handler)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	if failed {
		s.arm(key, retryAt)
	}
}

// settle runs one claimed firing. It returns the next attempt time when the
// settlement failed and must be retried.
func (s *Scheduler) settle(ctx context.Context, key string, handler Handler) (time.Time, bool) {
	log := s.logger.With("trade_key", key)

	release, err := s.locker.Acquire(ctx, "settle:"+key, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		log.DebugContext(ctx, "settlement already in flight elsewhere")
		return time.Time{}, false
	}
	if err != nil {
		log.WarnContext(ctx, "settlement claim failed", "err", err)
		return s.now().Add(s.backoff.Backoff(1)), true
	}
	defer release()

	rec, err := s.store.GetScheduledSettlement(ctx, key)
	if err != nil {
		log.WarnContext(ctx, "load settlement failed", "err", err)
		return s.now().Add(s.backoff.Backoff(1)), true
	}
	if rec.Settled {
		return time.Time{}, false
	}

	err = handler(ctx, *rec)
	switch {
	case err == nil:
		metrics.Settlements.WithLabelValues("settled").Inc()
		metrics.SettlementLag.Observe(s.now().Sub(rec.DueAt).Seconds())
		return time.Time{}, false
	case errors.Is(err, store.ErrAlreadySettled):
		metrics.Settlements.WithLabelValues("duplicate").Inc()
		return time.Time{}, false
	}

	metrics.Settlements.WithLabelValues("failed").Inc()
	next := s.now().Add(s.backoff.Backoff(rec.Attempts + 1))
	updated, recErr := s.store.RecordSettlementFailure(ctx, key, err.Error(), next)
	if recErr != nil {
		log.ErrorContext(ctx, "record settlement failure failed", "err", recErr, "cause", err)
		return next, true
	}
	log.WarnContext(ctx, "settlement failed", "attempts", updated.Attempts, "next_attempt_at", next, "err", err)

	if updated.Attempts >= s.cfg.AlertAfterAttempts && !updated.Alerted {
		s.alert(ctx, updated, err)
	}
	return next, true
}

func (s *Scheduler) alert(ctx context.Context, rec *model.ScheduledSettlement, cause error) {
	if s.alerts == nil {
		return
	}
	msg := fmt.Sprintf("trade %s (account %s) due %s failed %d times: %v",
		rec.TradeKey, rec.AccountID, rec.DueAt.Format(time.RFC3339), rec.Attempts, cause)
	if err := s.alerts.Notify(ctx, notify.EventSettlementFailed, "Settlement failing", msg); err != nil {
		s.logger.ErrorContext(ctx, "settlement alert failed", "trade_key", rec.TradeKey, "err", err)
		return
	}
	if err := s.store.MarkSettlementAlerted(ctx, rec.TradeKey); err != nil {
		s.logger.WarnContext(ctx, "mark alerted failed", "trade_key", rec.TradeKey, "err", err)
	}
}
