// Package capture taps printer byte streams and turns them into durable
// transaction records. Each printer gets one Interceptor goroutine that
// owns a Transport, a protocol decoder, and the write path into the store.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// Transport produces a byte stream from one printer tap. Connect blocks
// until a stream is available or ctx is cancelled; the returned stream is
// read until error, then Connect is called again.
type Transport interface {
	Name() string
	Connect(ctx context.Context) (io.ReadCloser, error)
	Close() error
}

// TCPTransport accepts the POS terminal's printer connection. The terminal
// is pointed at the agent instead of the printer (or a tap forwards a
// copy); port 9100 is the raw-print convention.
type TCPTransport struct {
	addr        string
	idleTimeout time.Duration
	listener    net.Listener
}

// NewTCPTransport listens for printer traffic on addr, e.g. ":9100".
// idleTimeout bounds how long a silent connection is held open; zero
// means no limit. Binding happens here so a port conflict fails startup
// instead of the first capture attempt.
func NewTCPTransport(addr string, idleTimeout time.Duration) (*TCPTransport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPTransport{addr: addr, idleTimeout: idleTimeout, listener: l}, nil
}

func (t *TCPTransport) Name() string { return "tcp " + t.addr }

// Addr reports the bound listen address.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

// Connect accepts the next inbound connection. One connection at a time:
// a printer tap is a single stream, and interleaving two would corrupt
// the decoder state.
func (t *TCPTransport) Connect(ctx context.Context) (io.ReadCloser, error) {
	if t.listener == nil {
		return nil, net.ErrClosed
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := t.listener.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		_ = t.listener.Close()
		t.listener = nil
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if t.idleTimeout > 0 {
			return &deadlineConn{conn: r.conn, timeout: t.idleTimeout}, nil
		}
		return r.conn, nil
	}
}

func (t *TCPTransport) Close() error {
	if t.listener == nil {
		return nil
	}
	err := t.listener.Close()
	t.listener = nil
	return err
}

// deadlineConn arms a fresh read deadline before every Read so a wedged
// peer surfaces as an error instead of a hung goroutine.
type deadlineConn struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(p []byte) (int, error) {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	return d.conn.Read(p)
}

func (d *deadlineConn) Close() error { return d.conn.Close() }

// SerialTransport reads a printer's RS-232 line through a passive tap.
type SerialTransport struct {
	device string
	mode   *serial.Mode
}

// NewSerialTransport opens device (e.g. /dev/ttyUSB0) on each Connect.
// 9600 8N1 is the ESC/POS default when baud is zero.
func NewSerialTransport(device string, baud int) *SerialTransport {
	if baud <= 0 {
		baud = 9600
	}
	return &SerialTransport{
		device: device,
		mode:   &serial.Mode{BaudRate: baud},
	}
}

func (t *SerialTransport) Name() string { return "serial " + t.device }

func (t *SerialTransport) Connect(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(t.device, t.mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.device, err)
	}
	// Bounded reads let the read loop notice cancellation.
	if err := port.SetReadTimeout(time.Second); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout %s: %w", t.device, err)
	}
	return &serialStream{ctx: ctx, port: port}, nil
}

func (t *SerialTransport) Close() error { return nil }

// serialStream adapts the library's timeout semantics (0, nil on a quiet
// line) back to blocking io.Reader semantics.
type serialStream struct {
	ctx  context.Context
	port serial.Port
}

func (s *serialStream) Read(p []byte) (int, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := s.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (s *serialStream) Close() error { return s.port.Close() }

// StdinTransport captures a stream piped into the agent, for replaying
// captured dumps and for development.
type StdinTransport struct {
	consumed bool
}

func NewStdinTransport() *StdinTransport { return &StdinTransport{} }

func (t *StdinTransport) Name() string { return "stdin" }

// ErrStreamExhausted signals a one-shot transport with nothing further to
// deliver; the interceptor stops instead of reconnecting.
var ErrStreamExhausted = errors.New("stream exhausted")

func (t *StdinTransport) Connect(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.consumed {
		return nil, ErrStreamExhausted
	}
	t.consumed = true
	return io.NopCloser(os.Stdin), nil
}

func (t *StdinTransport) Close() error { return nil }
