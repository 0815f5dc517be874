// Package gap watches receipt-identifier continuity per printer. A receipt
// that never crossed the wire still burned a sequence number at the POS;
// the detector turns that silence into an alert.
package gap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// AlertSink persists emitted gap alerts. Implemented by the transaction
// store.
type AlertSink interface {
	AppendGapAlert(ctx context.Context, a contracts.GapAlert) error
}

// printerState tracks continuity for one printer. Monotonic: expected only
// ever advances.
type printerState struct {
	expected       int64
	primed         bool
	lastObservedAt time.Time
}

// Detector monitors receipt-sequence continuity for all printers. Each
// printer's state is independent; observations from different capture
// workers are serialized internally.
type Detector struct {
	mu     sync.Mutex
	states map[string]*printerState

	sink AlertSink
	log  *slog.Logger

	anomalies int64
}

// NewDetector builds a detector writing alerts to sink.
func NewDetector(sink AlertSink) *Detector {
	return &Detector{
		states: make(map[string]*printerState),
		sink:   sink,
		log:    slog.Default().With("component", "gap"),
	}
}

// Prime seeds a printer's expectation from durable data: the highest
// numeric receipt id the store has ever seen. Called by recovery before
// capture starts; never from cached memory.
func (d *Detector) Prime(printerID string, maxSeen int64, lastObservedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[printerID] = &printerState{
		expected:       maxSeen + 1,
		primed:         true,
		lastObservedAt: lastObservedAt,
	}
}

// Observe checks one captured transaction against the printer's expected
// sequence. It returns the emitted alert, if the observation revealed a
// gap. Transactions with no numeric receipt id are excluded entirely.
func (d *Detector) Observe(ctx context.Context, t *contracts.Transaction) (*contracts.GapAlert, error) {
	if t.ReceiptSeq == nil {
		return nil, nil
	}
	seq := *t.ReceiptSeq

	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.states[t.PrinterID]
	if st == nil {
		st = &printerState{}
		d.states[t.PrinterID] = st
	}

	if !st.primed {
		// First observation for this printer: establishes the baseline,
		// no gap to judge.
		st.expected = seq + 1
		st.primed = true
		st.lastObservedAt = t.ObservedAt
		return nil, nil
	}

	switch {
	case seq == st.expected:
		st.expected = seq + 1
		st.lastObservedAt = t.ObservedAt
		return nil, nil

	case seq > st.expected:
		alert := contracts.GapAlert{
			PrinterID:   t.PrinterID,
			ExpectedID:  st.expected,
			ObservedID:  seq,
			WindowStart: st.lastObservedAt,
			WindowEnd:   t.ObservedAt,
		}
		if err := d.sink.AppendGapAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("record gap alert: %w", err)
		}
		d.log.Warn("receipt sequence gap",
			"printer_id", t.PrinterID,
			"expected", st.expected,
			"observed", seq,
			"missing", alert.MissingCount())
		st.expected = seq + 1
		st.lastObservedAt = t.ObservedAt
		return &alert, nil

	default:
		// Duplicate, out-of-order delivery, or a counter reset. Until real
		// device samples justify a reset heuristic, expected never
		// regresses; this is an anomaly, not a gap.
		d.anomalies++
		d.log.Info("receipt id below expected",
			"printer_id", t.PrinterID,
			"expected", st.expected,
			"observed", seq)
		st.lastObservedAt = t.ObservedAt
		return nil, nil
	}
}

// Expected returns the next expected sequence for a printer, for status
// queries and tests.
func (d *Detector) Expected(printerID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[printerID]
	if st == nil || !st.primed {
		return 0, false
	}
	return st.expected, true
}

// Anomalies returns how many below-expected observations were logged.
func (d *Detector) Anomalies() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anomalies
}
