package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/retailstack/pos-agent/pkg/contracts"
	"github.com/retailstack/pos-agent/pkg/protocol"
)

// Sink is the durable write path. Satisfied by *store.SQLiteStore.
type Sink interface {
	Append(ctx context.Context, t *contracts.Transaction) (string, error)
}

// GapObserver consumes receipt sequence numbers as records land. Satisfied
// by *gap.Detector.
type GapObserver interface {
	Observe(ctx context.Context, t *contracts.Transaction) (*contracts.GapAlert, error)
}

// Status is a point-in-time snapshot of one interceptor, for the local
// status API.
type Status struct {
	PrinterID          string    `json:"printerId"`
	Transport          string    `json:"transport"`
	Connected          bool      `json:"connected"`
	ConnectedSince     time.Time `json:"connectedSince,omitzero"`
	LastError          string    `json:"lastError,omitempty"`
	LastTransactionAt  time.Time `json:"lastTransactionAt,omitzero"`
	Captured           int64     `json:"captured"`
	Dropped            int64     `json:"dropped"`
	DetectedVendor     string    `json:"detectedVendor,omitempty"`
	UnknownCommands    int64     `json:"unknownCommands"`
	IncompleteSessions int64     `json:"incompleteSessions"`
}

// InterceptorConfig wires one printer tap.
type InterceptorConfig struct {
	PrinterID string
	Transport Transport
	Dialect   *protocol.Dialect

	// OnCaptured runs after each durable append, e.g. to nudge the sync
	// engine. Optional.
	OnCaptured func()

	// OnDisconnect and OnReconnect observe stream lifecycle transitions.
	// Optional.
	OnDisconnect func(printerID string, err error)
	OnReconnect  func(printerID string)
}

// Interceptor owns one printer's capture loop: connect, decode, persist,
// reconnect on failure. The decoder is reset when a stream ends so a
// half-seen session from before a drop can never merge with bytes from
// after it.
type Interceptor struct {
	cfg     InterceptorConfig
	sink    Sink
	gaps    GapObserver
	decoder *protocol.Decoder
	log     *slog.Logger
	now     func() time.Time

	mu             gosync.Mutex
	connected      bool
	connectedSince time.Time
	lastErr        string
	lastTxAt       time.Time
	captured       int64
	dropped        int64
	vendor         string
	unknownCmds    int64
	incomplete     int64
}

// InterceptorOption customizes an Interceptor.
type InterceptorOption func(*Interceptor)

// WithInterceptorClock overrides the wall clock, for tests.
func WithInterceptorClock(now func() time.Time) InterceptorOption {
	return func(i *Interceptor) { i.now = now }
}

// NewInterceptor builds a capture loop for one printer.
func NewInterceptor(cfg InterceptorConfig, sink Sink, gaps GapObserver, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		cfg:  cfg,
		sink: sink,
		gaps: gaps,
		log: slog.Default().With(
			"component", "capture", "printer_id", cfg.PrinterID),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.decoder = protocol.NewDecoder(cfg.PrinterID, cfg.Dialect,
		protocol.WithClock(i.now))
	return i
}

// Run captures until ctx is cancelled or the transport reports it is
// exhausted. Connection failures back off exponentially and never give up:
// a printer that is off overnight is normal, not fatal.
func (i *Interceptor) Run(ctx context.Context) error {
	defer func() { _ = i.cfg.Transport.Close() }()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 30 * time.Second

	first := true
	for {
		stream, err := i.cfg.Transport.Connect(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if errors.Is(err, ErrStreamExhausted) {
			i.log.Info("stream exhausted, capture done")
			return nil
		}
		if err != nil {
			i.noteError(err)
			wait := retry.NextBackOff()
			i.log.Warn("connect failed", "transport", i.cfg.Transport.Name(),
				"error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		retry.Reset()
		if !first {
			i.log.Info("reconnected", "transport", i.cfg.Transport.Name())
			if i.cfg.OnReconnect != nil {
				i.cfg.OnReconnect(i.cfg.PrinterID)
			}
		} else {
			i.log.Info("connected", "transport", i.cfg.Transport.Name())
			first = false
		}
		i.setConnected(true)

		// Unblock a stuck Read on shutdown: the stream may have no
		// deadline, and cancellation must not wait for the peer to speak.
		stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
		err = i.readLoop(ctx, stream)
		stop()
		_ = stream.Close()

		// Bytes before an interruption can never be joined to bytes after
		// it, so the partial session dies here, not on the next connect.
		i.decoder.Reset("disconnect")
		i.noteIncomplete()
		i.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && err != io.EOF {
			i.noteError(err)
			i.log.Warn("stream dropped", "error", err)
		} else {
			i.log.Info("stream closed by peer")
		}
		if i.cfg.OnDisconnect != nil {
			i.cfg.OnDisconnect(i.cfg.PrinterID, err)
		}
	}
}

func (i *Interceptor) readLoop(ctx context.Context, stream io.Reader) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := stream.Read(buf)
		if n > 0 {
			i.noteVendor(buf[:n])
			for _, t := range i.decoder.Feed(buf[:n]) {
				i.persist(ctx, t)
			}
		}
		if err != nil {
			return err
		}
	}
}

// persist writes one decoded transaction durably before anything else sees
// it. A failed write is retried a few times and then dropped with a loud
// log line: capture must keep draining the stream, and there is no durable
// place left to put the record.
func (i *Interceptor) persist(ctx context.Context, t *contracts.Transaction) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = i.sink.Append(ctx, t); err == nil {
			break
		}
		i.log.Error("durable write failed", "local_id", t.LocalID,
			"attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond << attempt):
		}
	}
	if err != nil {
		i.mu.Lock()
		i.dropped++
		i.mu.Unlock()
		i.log.Error("transaction lost after write retries",
			"local_id", t.LocalID, "receipt_id", t.ReceiptID, "error", err)
		return
	}

	i.mu.Lock()
	i.captured++
	i.lastTxAt = i.now()
	i.unknownCmds += int64(len(t.UnknownCommands))
	i.mu.Unlock()
	if len(t.UnknownCommands) > 0 {
		i.log.Debug("unrecognized commands in session",
			"local_id", t.LocalID, "commands", t.UnknownCommands)
	}

	if alert, err := i.gaps.Observe(ctx, t); err != nil {
		i.log.Error("record gap alert", "error", err)
	} else if alert != nil {
		i.log.Warn("receipt sequence gap",
			"expected_id", alert.ExpectedID, "observed_id", alert.ObservedID,
			"missing", alert.MissingCount())
	}
	if i.cfg.OnCaptured != nil {
		i.cfg.OnCaptured()
	}
}

// noteVendor pins a printer-make guess the first time stream text reveals
// one. Diagnostics only; the dialect never changes at runtime.
func (i *Interceptor) noteVendor(chunk []byte) {
	i.mu.Lock()
	known := i.vendor != "" && i.vendor != "unknown"
	i.mu.Unlock()
	if known {
		return
	}
	vendor := protocol.DetectVendor(chunk)
	i.mu.Lock()
	changed := vendor != i.vendor
	i.vendor = vendor
	i.mu.Unlock()
	if changed && vendor != "unknown" {
		i.log.Info("printer vendor detected", "vendor", vendor)
	}
}

func (i *Interceptor) setConnected(up bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.connected = up
	if up {
		i.connectedSince = i.now()
		i.lastErr = ""
	}
}

// noteIncomplete copies the decoder's discard counter into the snapshot
// state. The decoder itself is only ever touched from the Run goroutine.
func (i *Interceptor) noteIncomplete() {
	n := i.decoder.IncompleteSessions()
	i.mu.Lock()
	i.incomplete = n
	i.mu.Unlock()
}

func (i *Interceptor) noteError(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastErr = err.Error()
}

// Status snapshots the interceptor for the status API.
func (i *Interceptor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := Status{
		PrinterID:          i.cfg.PrinterID,
		Transport:          i.cfg.Transport.Name(),
		Connected:          i.connected,
		LastError:          i.lastErr,
		LastTransactionAt:  i.lastTxAt,
		Captured:           i.captured,
		Dropped:            i.dropped,
		DetectedVendor:     i.vendor,
		UnknownCommands:    i.unknownCmds,
		IncompleteSessions: i.incomplete,
	}
	if i.connected {
		s.ConnectedSince = i.connectedSince
	}
	return s
}

// PrinterID names the printer this interceptor taps.
func (i *Interceptor) PrinterID() string { return i.cfg.PrinterID }
