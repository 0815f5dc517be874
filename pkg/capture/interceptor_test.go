package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailstack/pos-agent/pkg/contracts"
	"github.com/retailstack/pos-agent/pkg/protocol"
)

var cut = []byte{protocol.GS, 'V', 0x00}

func session(lines string) []byte {
	return append([]byte(lines), cut...)
}

// scriptedTransport yields each script as one stream, then reports
// exhaustion so Run returns.
type scriptedTransport struct {
	scripts [][]byte
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Connect(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.scripts) == 0 {
		return nil, ErrStreamExhausted
	}
	stream := io.NopCloser(bytes.NewReader(s.scripts[0]))
	s.scripts = s.scripts[1:]
	return stream, nil
}

func (s *scriptedTransport) Close() error { return nil }

type recordingSink struct {
	mu   gosync.Mutex
	txs  []*contracts.Transaction
	fail int // fail this many Append calls before succeeding
}

func (r *recordingSink) Append(_ context.Context, t *contracts.Transaction) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return "", errors.New("disk full")
	}
	r.txs = append(r.txs, t)
	return t.LocalID, nil
}

func (r *recordingSink) all() []*contracts.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*contracts.Transaction(nil), r.txs...)
}

type stubGaps struct {
	mu    gosync.Mutex
	seen  []string
	alert *contracts.GapAlert
}

func (g *stubGaps) Observe(_ context.Context, t *contracts.Transaction) (*contracts.GapAlert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, t.LocalID)
	return g.alert, nil
}

func newTestInterceptor(transport Transport, sink Sink, gaps GapObserver, onCaptured func()) *Interceptor {
	return NewInterceptor(InterceptorConfig{
		PrinterID:  "printer-1",
		Transport:  transport,
		Dialect:    protocol.Epson(),
		OnCaptured: onCaptured,
	}, sink, gaps)
}

func TestInterceptor_CapturesCompleteSession(t *testing.T) {
	sink := &recordingSink{}
	gaps := &stubGaps{}
	var nudges int
	i := newTestInterceptor(&scriptedTransport{scripts: [][]byte{
		session("Coffee  2 x 4.50\nTOTAL: 9.00\nReceipt #1047\n"),
	}}, sink, gaps, func() { nudges++ })

	require.NoError(t, i.Run(context.Background()))

	txs := sink.all()
	require.Len(t, txs, 1)
	assert.Equal(t, "printer-1", txs[0].PrinterID)
	assert.Equal(t, "1047", txs[0].ReceiptID)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Coffee", txs[0].Items[0].Name)

	assert.Equal(t, []string{txs[0].LocalID}, gaps.seen,
		"gap detector sees every persisted record")
	assert.Equal(t, 1, nudges)

	st := i.Status()
	assert.Equal(t, int64(1), st.Captured)
	assert.Equal(t, int64(0), st.Dropped)
	assert.False(t, st.Connected)
	assert.False(t, st.LastTransactionAt.IsZero())
}

func TestInterceptor_ReconnectDiscardsPartialSession(t *testing.T) {
	sink := &recordingSink{}
	i := newTestInterceptor(&scriptedTransport{scripts: [][]byte{
		// Stream drops mid-session: items seen, no cut.
		[]byte("Phantom Item  1 x 99.00\n"),
		session("Tea  1 x 3.00\nTOTAL: 3.00\n"),
	}}, sink, &stubGaps{}, nil)

	require.NoError(t, i.Run(context.Background()))

	txs := sink.all()
	require.Len(t, txs, 1, "the interrupted session must not surface")
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Tea", txs[0].Items[0].Name,
		"pre-drop bytes must not bleed into the post-reconnect session")
}

func TestInterceptor_IncompleteSessionDiscardedAtStreamEnd(t *testing.T) {
	sink := &recordingSink{}
	// One-shot stream that ends mid-session: items seen, no cut.
	i := newTestInterceptor(&scriptedTransport{scripts: [][]byte{
		[]byte("Half-rung Sale  1 x 12.00\n"),
	}}, sink, &stubGaps{}, nil)

	require.NoError(t, i.Run(context.Background()))
	assert.Empty(t, sink.all(), "a truncated session never persists")
	assert.Equal(t, int64(1), i.Status().IncompleteSessions,
		"the discard is accounted for, not silently forgotten")
}

func TestInterceptor_CancelUnblocksSilentConnection(t *testing.T) {
	tr, err := NewTCPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)

	i := newTestInterceptor(tr, &recordingSink{}, &stubGaps{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- i.Run(ctx) }()

	conn, err := net.Dial("tcp", tr.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// The client connects and goes quiet; no idle timeout is armed, so
	// only cancellation can end the read.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop still blocked on a silent connection after cancel")
	}
}

func TestInterceptor_LifecycleHooksFire(t *testing.T) {
	var disconnects, reconnects int
	i := NewInterceptor(InterceptorConfig{
		PrinterID: "printer-1",
		Transport: &scriptedTransport{scripts: [][]byte{
			session("Tea  1 x 3.00\nTOTAL: 3.00\n"),
			session("Latte  1 x 4.00\nTOTAL: 4.00\n"),
		}},
		Dialect:      protocol.Epson(),
		OnDisconnect: func(string, error) { disconnects++ },
		OnReconnect:  func(string) { reconnects++ },
	}, &recordingSink{}, &stubGaps{})

	require.NoError(t, i.Run(context.Background()))
	assert.Equal(t, 2, disconnects, "each stream end is a disconnect")
	assert.Equal(t, 1, reconnects, "only the second connect is a reconnect")
}

func TestInterceptor_WriteFailureRetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{fail: 2}
	i := newTestInterceptor(&scriptedTransport{scripts: [][]byte{
		session("Tea  1 x 3.00\nTOTAL: 3.00\n"),
	}}, sink, &stubGaps{}, nil)

	require.NoError(t, i.Run(context.Background()))
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, int64(1), i.Status().Captured)
}

func TestInterceptor_WriteFailureDropsAfterRetryBudget(t *testing.T) {
	sink := &recordingSink{fail: 100}
	i := newTestInterceptor(&scriptedTransport{scripts: [][]byte{
		session("Tea  1 x 3.00\nTOTAL: 3.00\n"),
	}}, sink, &stubGaps{}, nil)

	require.NoError(t, i.Run(context.Background()))
	assert.Empty(t, sink.all())
	st := i.Status()
	assert.Equal(t, int64(0), st.Captured)
	assert.Equal(t, int64(1), st.Dropped)
}

func TestInterceptor_CancelStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	i := newTestInterceptor(&scriptedTransport{}, &recordingSink{}, &stubGaps{}, nil)
	require.NoError(t, i.Run(ctx))
}

func TestTCPTransport_DeliversClientBytes(t *testing.T) {
	tr, err := NewTCPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	payload := session("Tea  1 x 3.00\nTOTAL: 3.00\n")
	go func() {
		conn, err := net.Dial("tcp", tr.Addr().String())
		if err != nil {
			return
		}
		_, _ = conn.Write(payload)
		_ = conn.Close()
	}()

	stream, err := tr.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTCPTransport_ConnectHonorsCancel(t *testing.T) {
	tr, err := NewTCPTransport("127.0.0.1:0", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPTransport_IdleTimeoutSurfacesAsReadError(t *testing.T) {
	tr, err := NewTCPTransport("127.0.0.1:0", 50*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	go func() {
		conn, err := net.Dial("tcp", tr.Addr().String())
		if err != nil {
			return
		}
		// Connect and go silent.
		time.Sleep(500 * time.Millisecond)
		_ = conn.Close()
	}()

	stream, err := tr.Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	buf := make([]byte, 16)
	_, err = stream.Read(buf)
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestStdinTransport_IsOneShot(t *testing.T) {
	tr := NewStdinTransport()
	stream, err := tr.Connect(context.Background())
	require.NoError(t, err)
	_ = stream.Close()

	_, err = tr.Connect(context.Background())
	require.ErrorIs(t, err, ErrStreamExhausted)
}
