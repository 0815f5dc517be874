// Package protocol decodes vendor receipt-printer command streams into
// structured transactions. One Decoder instance serves exactly one logical
// printer; instances are never shared across transports.
package protocol

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// State is the decoder's position in the receipt session lifecycle.
type State int

const (
	StateIdle State = iota
	StateInSession
	StateCollectingItem
	StateAwaitingTotal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInSession:
		return "IN_SESSION"
	case StateCollectingItem:
		return "COLLECTING_ITEM"
	case StateAwaitingTotal:
		return "AWAITING_TOTAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// session accumulates one receipt between initialize and cut.
type session struct {
	items     []contracts.LineItem
	total     *float64
	subtotal  float64
	tax       float64
	receiptID string
	kind      contracts.TransactionKind
	rawLines  int
	unknown   []string
}

func (s *session) empty() bool {
	return len(s.items) == 0 && s.total == nil && s.receiptID == ""
}

// Decoder is a stateful incremental parser over a printer byte stream.
// Bytes arrive in arbitrary chunks; command sequences and text lines may
// span chunk boundaries. Unknown command bytes are consumed as no-ops and
// recorded for diagnostics, never treated as parse failures.
type Decoder struct {
	printerID string
	dialect   *Dialect
	log       *slog.Logger
	now       func() time.Time

	state   State
	sess    *session
	line    []byte // current text line, raw bytes
	pending []byte // partial command sequence awaiting bytes
	argSkip int    // parameter bytes left to consume for the last command
	offset  int64  // absolute stream offset, for diagnostics

	// carryUnknown holds unknown-command diagnostics seen outside any
	// session; they attach to the next session that opens.
	carryUnknown []string

	incompleteSessions int64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock overrides the completion-timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Decoder) { d.log = log }
}

// NewDecoder builds a decoder for one printer using the given command
// table.
func NewDecoder(printerID string, dialect *Dialect, opts ...Option) *Decoder {
	d := &Decoder{
		printerID: printerID,
		dialect:   dialect,
		log:       slog.Default().With("component", "protocol", "printer_id", printerID),
		now:       time.Now,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current state, for status queries and tests.
func (d *Decoder) State() State { return d.state }

// IncompleteSessions returns how many partial sessions were discarded.
func (d *Decoder) IncompleteSessions() int64 { return d.incompleteSessions }

// Feed consumes the next chunk of raw bytes and returns any transactions
// whose sessions completed inside it. Usually zero or one.
func (d *Decoder) Feed(data []byte) []*contracts.Transaction {
	var done []*contracts.Transaction
	for _, b := range data {
		if tx := d.consume(b); tx != nil {
			done = append(done, tx)
		}
		d.offset++
	}
	return done
}

func (d *Decoder) consume(b byte) *contracts.Transaction {
	// Parameter bytes of the previous command carry no text.
	if d.argSkip > 0 {
		d.argSkip--
		return nil
	}

	// A lead byte was seen at the end of the previous chunk; this byte is
	// the command code.
	if len(d.pending) == 1 {
		lead := d.pending[0]
		d.pending = d.pending[:0]
		return d.command(lead, b)
	}

	switch {
	case isLead(b):
		d.pending = append(d.pending, b)
	case b == LF:
		d.endLine()
	case b == CR:
		// ignored; CRLF streams close lines on the LF
	default:
		d.line = append(d.line, b)
	}
	return nil
}

// command applies one decoded lead+code pair against the dialect table.
func (d *Decoder) command(lead, code byte) *contracts.Transaction {
	spec, known := d.dialect.Command(lead, code)
	if !known {
		// Tolerated, not decoded: record the raw bytes and keep scanning
		// from the next byte.
		diag := fmt.Sprintf("raw[%d]: %02X %02X", d.offset-1, lead, code)
		if d.sess != nil {
			d.sess.unknown = append(d.sess.unknown, diag)
		} else {
			d.carryUnknown = append(d.carryUnknown, diag)
		}
		d.log.Debug("unknown command byte", "dialect", d.dialect.Name, "bytes", diag)
		return nil
	}
	d.argSkip = spec.ArgLen

	switch spec.Event {
	case EventInitialize:
		d.reset("initialize mid-session")
		d.begin()
	case EventLineBreak:
		d.endLine()
	case EventCut:
		d.endLine()
		return d.complete()
	case EventSetMode, EventNone:
		// consumed, no session effect
	}
	return nil
}

// begin opens a new session.
func (d *Decoder) begin() {
	d.sess = &session{kind: contracts.KindSale, unknown: d.carryUnknown}
	d.carryUnknown = nil
	d.state = StateInSession
}

// endLine closes the current text line and folds it into the session.
func (d *Decoder) endLine() {
	raw := d.line
	d.line = nil
	text := strings.TrimSpace(decodeText(raw))
	if text == "" {
		return
	}

	// Streams from some POS software never send an initialize sequence;
	// printable text opens a session implicitly.
	if d.sess == nil {
		d.begin()
	}
	s := d.sess
	s.rawLines++

	if kind, ok := matchKind(text); ok {
		s.kind = kind
	}

	// Subtotal before total: "Subtotal: 4000" also matches the bare total
	// pattern.
	if v, ok := matchAmount(reSubtotal, text); ok {
		s.subtotal = v
		return
	}
	if v, ok := matchAmount(reTotal, text); ok {
		s.total = &v
		d.state = StateAwaitingTotal
		return
	}
	if v, ok := matchAmount(reTax, text); ok {
		s.tax = v
		return
	}

	if item, ok := parseItemLine(text); ok {
		s.items = append(s.items, item)
		if d.state == StateInSession {
			d.state = StateCollectingItem
		}
		return
	}

	if s.receiptID == "" {
		if id, ok := matchReceiptID(text); ok {
			s.receiptID = id
		}
	}
}

// complete finalizes the in-progress session into a Transaction.
func (d *Decoder) complete() *contracts.Transaction {
	s := d.sess
	d.sess = nil
	d.state = StateIdle
	if s == nil {
		return nil
	}
	if s.empty() {
		// Init-feed-cut with no sale content (test pages, drawer kicks).
		d.log.Debug("empty session discarded", "lines", s.rawLines)
		return nil
	}

	tx := &contracts.Transaction{
		LocalID:         uuid.NewString(),
		PrinterID:       d.printerID,
		ReceiptID:       s.receiptID,
		Kind:            s.kind,
		Items:           s.items,
		Total:           s.total,
		Subtotal:        s.subtotal,
		Tax:             s.tax,
		ObservedAt:      d.now(),
		SyncState:       contracts.SyncPending,
		UnknownCommands: s.unknown,
	}
	if seq, ok := contracts.ReceiptSequence(s.receiptID); ok {
		tx.ReceiptSeq = &seq
	}
	if len(s.unknown) > 0 {
		d.log.Info("session parsed with unknown commands",
			"receipt_id", s.receiptID, "count", len(s.unknown))
	}
	return tx
}

// Reset discards any in-progress session and returns the decoder to IDLE.
// Called on transport loss and reconnect: partial data is not trustworthy
// enough to persist as a sale.
func (d *Decoder) Reset(reason string) {
	d.reset(reason)
	d.line = nil
	d.pending = d.pending[:0]
	d.argSkip = 0
	d.carryUnknown = nil
}

func (d *Decoder) reset(reason string) {
	if d.sess != nil && !d.sess.empty() {
		d.incompleteSessions++
		d.log.Warn("incomplete session discarded",
			"reason", reason,
			"state", d.state.String(),
			"items", len(d.sess.items),
			"receipt_id", d.sess.receiptID)
	}
	d.sess = nil
	d.state = StateIdle
}
