// Package recovery rebuilds agent state from the durable store at startup.
// The store is the only source of truth across a crash or power cut: the
// retry schedule, the gap detector baseline, and the downtime report all
// come from what was committed before the lights went out.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

const (
	stateLastShutdownAt = "last_shutdown_at"
	stateLastSyncAt     = "last_sync_at"
)

// Store is the durable state recovery reads and heals. Satisfied by
// *store.SQLiteStore.
type Store interface {
	ResetPendingSchedule(ctx context.Context, now time.Time) (int, error)
	MaxReceiptSeqs(ctx context.Context) (map[string]int64, error)
	LastObservedAt(ctx context.Context, printerID string) (time.Time, bool, error)
	Cursors(ctx context.Context) ([]contracts.SyncCursor, error)
	SaveState(ctx context.Context, key, value string) error
	LoadState(ctx context.Context, key string) (string, bool, error)
}

// Primer is the gap detector's recovery surface.
type Primer interface {
	Prime(printerID string, maxSeen int64, lastObservedAt time.Time)
}

// Report summarizes what startup recovery found and did.
type Report struct {
	// Rescheduled counts unsynced records made due immediately.
	Rescheduled int
	// PrimedPrinters maps printer id to the highest receipt sequence
	// restored as the gap baseline.
	PrimedPrinters map[string]int64
	// Downtime since the last recorded shutdown, or since the newest
	// confirmed sync when the shutdown marker is missing (crash).
	// Zero on a true first run.
	Downtime       time.Duration
	LastShutdownAt time.Time
	// UncleanShutdown is set when durable sync cursors exist but no
	// clean-shutdown marker does: the previous run died without MarkShutdown.
	UncleanShutdown bool
	Cursors         []contracts.SyncCursor
}

// Coordinator runs startup recovery.
type Coordinator struct {
	store Store
	gaps  Primer
	log   *slog.Logger
	now   func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a recovery coordinator over the durable store and
// the gap detector.
func NewCoordinator(s Store, gaps Primer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: s,
		gaps:  gaps,
		log:   slog.Default().With("component", "recovery"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs startup recovery: every unsynced record becomes due for
// sync immediately, and the gap detector is re-primed from the highest
// receipt sequence each printer has on disk so the first post-restart
// receipt is checked against history, not treated as a fresh baseline.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	now := c.now()
	report := &Report{PrimedPrinters: map[string]int64{}}

	if raw, ok, err := c.store.LoadState(ctx, stateLastShutdownAt); err != nil {
		return nil, fmt.Errorf("load shutdown marker: %w", err)
	} else if ok {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			report.LastShutdownAt = at
			report.Downtime = now.Sub(at)
		}
	}

	n, err := c.store.ResetPendingSchedule(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("reset sync schedule: %w", err)
	}
	report.Rescheduled = n

	seqs, err := c.store.MaxReceiptSeqs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load receipt baselines: %w", err)
	}
	for printerID, maxSeen := range seqs {
		at, ok, err := c.store.LastObservedAt(ctx, printerID)
		if err != nil {
			return nil, fmt.Errorf("load last observation for %s: %w", printerID, err)
		}
		if !ok {
			at = now
		}
		c.gaps.Prime(printerID, maxSeen, at)
		report.PrimedPrinters[printerID] = maxSeen
	}

	report.Cursors, err = c.store.Cursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sync cursors: %w", err)
	}

	// No shutdown marker but surviving cursors means the previous run
	// crashed. The newest confirmed sync bounds the outage window.
	if report.LastShutdownAt.IsZero() {
		var newest time.Time
		for _, cur := range report.Cursors {
			if cur.LastConfirmedSyncAt.After(newest) {
				newest = cur.LastConfirmedSyncAt
			}
		}
		if !newest.IsZero() {
			report.UncleanShutdown = true
			report.Downtime = now.Sub(newest)
		}
	}

	c.logReport(report)
	return report, nil
}

func (c *Coordinator) logReport(r *Report) {
	switch {
	case !r.LastShutdownAt.IsZero():
		c.log.Info("recovered after downtime",
			"down_for", r.Downtime.Round(time.Second),
			"last_shutdown_at", r.LastShutdownAt)
	case r.UncleanShutdown:
		c.log.Warn("recovered after unclean shutdown",
			"down_for", r.Downtime.Round(time.Second))
	default:
		c.log.Info("first run, no prior state")
	}
	if r.Rescheduled > 0 {
		c.log.Info("unsynced records rescheduled", "count", r.Rescheduled)
	}
	for printerID, seq := range r.PrimedPrinters {
		c.log.Info("gap baseline restored", "printer_id", printerID, "max_receipt_seq", seq)
	}
	for _, cur := range r.Cursors {
		c.log.Info("sync cursor", "printer_id", cur.PrinterID,
			"last_confirmed_sync_at", cur.LastConfirmedSyncAt)
	}
}

// MarkShutdown persists the clean-shutdown marker. Called on the way down;
// missing after a crash simply means the next Run reports unknown downtime.
func (c *Coordinator) MarkShutdown(ctx context.Context) error {
	return c.store.SaveState(ctx, stateLastShutdownAt,
		c.now().UTC().Format(time.RFC3339Nano))
}

// MarkSyncProgress persists the most recent confirmed sync time for the
// whole agent, surfaced in the status API after restarts.
func (c *Coordinator) MarkSyncProgress(ctx context.Context) error {
	return c.store.SaveState(ctx, stateLastSyncAt,
		c.now().UTC().Format(time.RFC3339Nano))
}

// LastSyncProgress reads the persisted agent-wide sync watermark.
func (c *Coordinator) LastSyncProgress(ctx context.Context) (time.Time, bool) {
	raw, ok, err := c.store.LoadState(ctx, stateLastSyncAt)
	if err != nil || !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
