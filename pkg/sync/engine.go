package sync

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	gosync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/retailstack/pos-agent/pkg/contracts"
	"github.com/retailstack/pos-agent/pkg/store"
)

// Queue is the durable schedule the engine drains. Satisfied by
// *store.SQLiteStore.
type Queue interface {
	DuePending(ctx context.Context, now time.Time, limit int) ([]contracts.PendingSyncEntry, error)
	Get(ctx context.Context, localID string) (*contracts.Transaction, error)
	MarkSynced(ctx context.Context, localID string) error
	IncrementRetry(ctx context.Context, localID string, syncErr string) error
	Park(ctx context.Context, localID string, state contracts.SyncState, reason string) error
	Reschedule(ctx context.Context, localID string, nextRetryAt time.Time, attempt int) error
	Dequeue(ctx context.Context, localID string) error
	SetCursor(ctx context.Context, printerID string, at time.Time) error
}

// Submitter delivers a single transaction to the backend. Satisfied by
// *Client.
type Submitter interface {
	Submit(ctx context.Context, t *contracts.Transaction) Outcome
}

// EngineConfig tunes the background sync loop.
type EngineConfig struct {
	PollInterval time.Duration // schedule scan cadence
	BatchLimit   int           // max due entries drained per pass
	MaxAttempts  int           // transient failures before parking
	BackoffBase  time.Duration // first retry delay
	BackoffCap   time.Duration // ceiling on computed delay
	RatePerSec   float64       // outbound request pacing
}

func (c *EngineConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
}

// Hooks lets callers observe engine activity without coupling the loop to
// a metrics backend.
type Hooks struct {
	OnOutcome func(printerID string, o Outcome)
}

// Engine drains the pending-sync schedule in the background. Capture never
// blocks on it: the only coupling is rows the writer appended.
type Engine struct {
	queue   Queue
	backend Submitter
	cfg     EngineConfig
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
	jitter  func(d time.Duration) time.Duration
	hooks   Hooks

	trigger chan struct{}
	wg      gosync.WaitGroup
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithEngineClock overrides the wall clock, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithEngineJitter overrides the backoff jitter, for tests.
func WithEngineJitter(fn func(time.Duration) time.Duration) EngineOption {
	return func(e *Engine) { e.jitter = fn }
}

// WithHooks attaches observation hooks.
func WithHooks(h Hooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

// NewEngine builds a sync engine over a durable queue and a backend client.
func NewEngine(q Queue, backend Submitter, cfg EngineConfig, opts ...EngineOption) *Engine {
	cfg.defaults()
	e := &Engine{
		queue:   q,
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     slog.Default().With("component", "sync"),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
	e.jitter = func(d time.Duration) time.Duration {
		// Up to 25% extra, so a fleet of agents does not stampede the
		// backend the moment it comes back.
		return d + time.Duration(rand.Int63n(int64(d)/4+1))
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drains the schedule until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Info("sync engine started",
		"poll_interval", e.cfg.PollInterval, "max_attempts", e.cfg.MaxAttempts)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine stopped")
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if n, err := e.Pass(ctx); err != nil {
			e.log.Error("sync pass", "error", err)
		} else if n > 0 {
			e.log.Debug("sync pass complete", "processed", n)
		}
	}
}

// TriggerNow wakes the loop without waiting for the next tick. Non-blocking;
// a pending wakeup coalesces with the next one.
func (e *Engine) TriggerNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Wait blocks until Run has returned.
func (e *Engine) Wait() { e.wg.Wait() }

// Pass drains one batch of due entries. Returns how many it processed.
func (e *Engine) Pass(ctx context.Context) (int, error) {
	due, err := e.queue.DuePending(ctx, e.now(), e.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	for _, entry := range due {
		if err := e.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		e.processEntry(ctx, entry)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return len(due), nil
}

func (e *Engine) processEntry(ctx context.Context, entry contracts.PendingSyncEntry) {
	log := e.log.With("local_id", entry.LocalID, "printer_id", entry.PrinterID)

	t, err := e.queue.Get(ctx, entry.LocalID)
	if errors.Is(err, store.ErrNotFound) {
		// Schedule row with no backing transaction: drop it.
		log.Warn("dropping orphaned sync entry")
		_ = e.queue.Dequeue(ctx, entry.LocalID)
		return
	}
	if err != nil {
		log.Error("load transaction for sync", "error", err)
		return
	}
	if t.Synced || t.SyncState != contracts.SyncPending {
		_ = e.queue.Dequeue(ctx, entry.LocalID)
		return
	}

	// A cancellation mid-flight must not lose a response the backend may
	// already have committed; the request keeps its own bounded timeout.
	out := e.backend.Submit(context.WithoutCancel(ctx), t)
	if e.hooks.OnOutcome != nil {
		e.hooks.OnOutcome(entry.PrinterID, out)
	}

	switch out.Class {
	case ClassAccepted:
		if err := e.queue.MarkSynced(ctx, entry.LocalID); err != nil {
			log.Error("mark synced", "error", err)
			return
		}
		if err := e.queue.SetCursor(ctx, entry.PrinterID, e.now()); err != nil {
			log.Error("advance sync cursor", "error", err)
		}
		log.Info("transaction synced", "attempt", entry.Attempt+1)

	case ClassRejected:
		if err := e.queue.IncrementRetry(ctx, entry.LocalID, out.Err.Error()); err != nil {
			log.Error("record rejection", "error", err)
			return
		}
		if err := e.queue.Park(ctx, entry.LocalID, contracts.SyncRejected, out.Err.Error()); err != nil {
			log.Error("park rejected transaction", "error", err)
			return
		}
		log.Warn("transaction rejected by backend",
			"status", out.StatusCode, "error", out.Err)

	case ClassTransient:
		if err := e.queue.IncrementRetry(ctx, entry.LocalID, out.Err.Error()); err != nil {
			log.Error("record transient failure", "error", err)
			return
		}
		attempt := entry.Attempt + 1
		if attempt >= e.cfg.MaxAttempts {
			if err := e.queue.Park(ctx, entry.LocalID, contracts.SyncExhausted,
				out.Err.Error()); err != nil {
				log.Error("park exhausted transaction", "error", err)
				return
			}
			log.Error("retry budget exhausted, parked for manual replay",
				"attempts", attempt, "error", out.Err)
			return
		}
		next := e.now().Add(e.backoff(attempt))
		if err := e.queue.Reschedule(ctx, entry.LocalID, next, attempt); err != nil {
			log.Error("reschedule transaction", "error", err)
			return
		}
		log.Warn("sync attempt failed, rescheduled",
			"attempt", attempt, "next_retry_at", next, "error", out.Err)
	}
}

// backoff computes the delay before retry number attempt (1-based):
// base doubled per prior attempt, jittered, capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			d = e.cfg.BackoffCap
			break
		}
	}
	d = e.jitter(d)
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}
