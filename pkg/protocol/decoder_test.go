package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

var fixedClock = func() time.Time {
	return time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	return NewDecoder("printer-1", Epson(), WithClock(fixedClock))
}

// cut is a full-cut command in the baseline dialect (GS V 0).
var cut = []byte{GS, 'V', 0x00}

func TestDecoder_CompleteSession(t *testing.T) {
	d := newTestDecoder(t)

	var stream []byte
	stream = append(stream, ESC, '@')
	stream = append(stream, []byte("Store Name\n")...)
	stream = append(stream, []byte("Item 1         2 x 500\n")...)
	stream = append(stream, []byte("Item 2             1000\n")...)
	stream = append(stream, []byte("Item 3    1 x 2500\n")...)
	stream = append(stream, []byte("Subtotal:        4000\n")...)
	stream = append(stream, []byte("Tax (5%):         200\n")...)
	stream = append(stream, []byte("TOTAL:           4200\n")...)
	stream = append(stream, []byte("Receipt #1047\n")...)
	stream = append(stream, cut...)

	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	tx := txs[0]

	require.Len(t, tx.Items, 3)
	assert.Equal(t, contracts.LineItem{Name: "Item 1", Quantity: 2, UnitPrice: 500}, tx.Items[0])
	assert.Equal(t, contracts.LineItem{Name: "Item 2", Quantity: 1, UnitPrice: 1000}, tx.Items[1])
	assert.Equal(t, contracts.LineItem{Name: "Item 3", Quantity: 1, UnitPrice: 2500}, tx.Items[2])

	require.NotNil(t, tx.Total)
	assert.Equal(t, 4200.0, *tx.Total)
	assert.Equal(t, 4000.0, tx.Subtotal)
	assert.Equal(t, 200.0, tx.Tax)
	assert.Equal(t, "1047", tx.ReceiptID)
	require.NotNil(t, tx.ReceiptSeq)
	assert.Equal(t, int64(1047), *tx.ReceiptSeq)
	assert.Equal(t, contracts.KindSale, tx.Kind)
	assert.Equal(t, fixedClock(), tx.ObservedAt)
	assert.Equal(t, "printer-1", tx.PrinterID)
	assert.NotEmpty(t, tx.LocalID)
	assert.False(t, tx.Synced)

	assert.Equal(t, StateIdle, d.State())
}

func TestDecoder_ExampleEndToEnd(t *testing.T) {
	// The canonical capture example: one item line, a total, a cut.
	d := newTestDecoder(t)

	stream := append([]byte("Item 1  2 x 500\nTOTAL: 1000\n"), cut...)
	txs := d.Feed(stream)

	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, contracts.LineItem{Name: "Item 1", Quantity: 2, UnitPrice: 500}, txs[0].Items[0])
	require.NotNil(t, txs[0].Total)
	assert.Equal(t, 1000.0, *txs[0].Total)
}

func TestDecoder_UnknownCommandsTransparent(t *testing.T) {
	clean := append([]byte("Item 1  2 x 500\nTOTAL: 1000\n"), cut...)

	// Same stream with unknown two-byte commands sprinkled through it,
	// including one splitting the item name.
	var dirty []byte
	dirty = append(dirty, ESC, 'z')
	dirty = append(dirty, []byte("Ite")...)
	dirty = append(dirty, GS, 'q')
	dirty = append(dirty, []byte("m 1  2 x 500\n")...)
	dirty = append(dirty, DLE, 0x7F)
	dirty = append(dirty, []byte("TOTAL: 1000\n")...)
	dirty = append(dirty, cut...)

	want := NewDecoder("p", Epson(), WithClock(fixedClock)).Feed(clean)
	got := NewDecoder("p", Epson(), WithClock(fixedClock)).Feed(dirty)

	require.Len(t, want, 1)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].Items, got[0].Items)
	assert.Equal(t, want[0].Total, got[0].Total)
	assert.Equal(t, want[0].ReceiptID, got[0].ReceiptID)
	assert.Len(t, got[0].UnknownCommands, 3)
}

func TestDecoder_IncrementalChunks(t *testing.T) {
	// Command sequences and lines split across arbitrary chunk boundaries
	// must decode identically to a single write.
	full := append([]byte{ESC, '@'}, []byte("Item 1  2 x 500\nTOTAL: 1000\n")...)
	full = append(full, cut...)

	for _, size := range []int{1, 2, 3, 7} {
		d := newTestDecoder(t)
		var txs []*contracts.Transaction
		for i := 0; i < len(full); i += size {
			end := i + size
			if end > len(full) {
				end = len(full)
			}
			txs = append(txs, d.Feed(full[i:end])...)
		}
		require.Len(t, txs, 1, "chunk size %d", size)
		require.Len(t, txs[0].Items, 1, "chunk size %d", size)
	}
}

func TestDecoder_MidSessionDisconnect(t *testing.T) {
	d := newTestDecoder(t)

	txs := d.Feed(append([]byte{ESC, '@'}, []byte("Item 1  2 x 500\n")...))
	assert.Empty(t, txs)
	assert.Equal(t, StateCollectingItem, d.State())

	// Transport drop: the partial session is discarded, never persisted.
	d.Reset("transport lost")
	assert.Equal(t, StateIdle, d.State())
	assert.Equal(t, int64(1), d.IncompleteSessions())

	// Nothing lingers into the next session.
	txs = d.Feed(append([]byte("Item 2  1 x 300\nTOTAL: 300\n"), cut...))
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Item 2", txs[0].Items[0].Name)
}

func TestDecoder_InitializeMidSessionDiscards(t *testing.T) {
	d := newTestDecoder(t)

	var stream []byte
	stream = append(stream, []byte("Item 1  2 x 500\n")...)
	stream = append(stream, ESC, '@') // till roll jam, POS re-inits
	stream = append(stream, []byte("Item 9  1 x 100\nTOTAL: 100\n")...)
	stream = append(stream, cut...)

	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Item 9", txs[0].Items[0].Name)
	assert.Equal(t, int64(1), d.IncompleteSessions())
}

func TestDecoder_EmptySessionDiscarded(t *testing.T) {
	d := newTestDecoder(t)
	// Feed-and-cut with no sale content (drawer kick / test feed).
	stream := append([]byte{ESC, '@', LF, LF}, cut...)
	assert.Empty(t, d.Feed(stream))
}

func TestDecoder_NoTotalLine(t *testing.T) {
	d := newTestDecoder(t)
	txs := d.Feed(append([]byte("Item 1  2 x 500\n"), cut...))
	require.Len(t, txs, 1)
	assert.Nil(t, txs[0].Total)
}

func TestDecoder_NoReceiptID(t *testing.T) {
	d := newTestDecoder(t)
	txs := d.Feed(append([]byte("Item 1  2 x 500\nTOTAL: 1000\n"), cut...))
	require.Len(t, txs, 1)
	assert.Empty(t, txs[0].ReceiptID)
	assert.Nil(t, txs[0].ReceiptSeq)
}

func TestDecoder_VoidAndRefundDetection(t *testing.T) {
	cases := []struct {
		marker string
		want   contracts.TransactionKind
	}{
		{"*** VOID ***", contracts.KindVoid},
		{"REFUND ISSUED", contracts.KindRefund},
		{"", contracts.KindSale},
	}
	for _, tc := range cases {
		d := newTestDecoder(t)
		var stream []byte
		if tc.marker != "" {
			stream = append(stream, []byte(tc.marker+"\n")...)
		}
		stream = append(stream, []byte("Item 1  1 x 500\nTOTAL: 500\n")...)
		stream = append(stream, cut...)
		txs := d.Feed(stream)
		require.Len(t, txs, 1, "marker %q", tc.marker)
		assert.Equal(t, tc.want, txs[0].Kind, "marker %q", tc.marker)
	}
}

func TestDecoder_GroupedAndDecimalPrices(t *testing.T) {
	d := newTestDecoder(t)
	stream := append([]byte("Item A  2 x 1,000\nItem B  1 x 1000.50\nTOTAL: 3,000.50\n"), cut...)
	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 2)
	assert.Equal(t, 1000.0, txs[0].Items[0].UnitPrice)
	assert.Equal(t, 1000.50, txs[0].Items[1].UnitPrice)
	require.NotNil(t, txs[0].Total)
	assert.Equal(t, 3000.50, *txs[0].Total)
}

func TestDecoder_AmbiguousTokensStayText(t *testing.T) {
	// "1.2.3" is neither grouped nor decimal: the line is not an item and
	// not a failure.
	d := newTestDecoder(t)
	stream := append([]byte("Widget v1.2.3\nItem 1  2 x 500\nTOTAL: 1000\n"), cut...)
	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 1)
	assert.Equal(t, "Item 1", txs[0].Items[0].Name)
}

func TestDecoder_SeparatorAndFooterLinesIgnored(t *testing.T) {
	d := newTestDecoder(t)
	var stream []byte
	stream = append(stream, []byte("------------------\n")...)
	stream = append(stream, []byte("Item 1  2 x 500\n")...)
	stream = append(stream, []byte("==================\n")...)
	stream = append(stream, []byte("TOTAL: 1000\n")...)
	stream = append(stream, []byte("Thank you for shopping!\n")...)
	stream = append(stream, cut...)
	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	require.Len(t, txs[0].Items, 1)
}

func TestDecoder_StarDialectCut(t *testing.T) {
	// Star cuts with ESC d n, which is a feed in the baseline table.
	d := NewDecoder("star-1", Star(), WithClock(fixedClock))
	stream := append([]byte("Item 1  2 x 500\nTOTAL: 1000\n"), ESC, 'd', 0x03)
	txs := d.Feed(stream)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].Total)
}

func TestDecoder_TwoSessionsOneStream(t *testing.T) {
	d := newTestDecoder(t)
	one := append([]byte("Item 1  1 x 100\nTOTAL: 100\nReceipt #2001\n"), cut...)
	two := append([]byte("Item 2  1 x 200\nTOTAL: 200\nReceipt #2002\n"), cut...)
	txs := d.Feed(append(one, two...))
	require.Len(t, txs, 2)
	assert.Equal(t, "2001", txs[0].ReceiptID)
	assert.Equal(t, "2002", txs[1].ReceiptID)
}

func TestReceiptIDPatterns(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"Receipt #1047", "1047"},
		{"RCT 1048", "1048"},
		{"Invoice: A552", "A552"},
		{"TRX_9920", "9920"},
		{"1700000012345", "1700000012345"},
	}
	for _, tc := range cases {
		got, ok := matchReceiptID(tc.line)
		require.True(t, ok, "line %q", tc.line)
		assert.Equal(t, tc.want, got, "line %q", tc.line)
	}
}

func TestLoadDialect(t *testing.T) {
	doc := `
name: acme
commands:
  - {lead: 0x1B, code: 0x40, event: initialize}
  - {lead: 0x1B, code: 0x5A, event: cut, args: 1}
`
	d, err := LoadDialect(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "acme", d.Name)

	spec, ok := d.Command(ESC, 'Z')
	require.True(t, ok)
	assert.Equal(t, EventCut, spec.Event)
	assert.Equal(t, 1, spec.ArgLen)

	_, ok = d.Command(GS, 'V')
	assert.False(t, ok)
}

func TestLoadDialect_Invalid(t *testing.T) {
	_, err := LoadDialect(strings.NewReader("name: ''\ncommands: []"))
	assert.Error(t, err)
}

func TestDetectVendor(t *testing.T) {
	assert.Equal(t, "star", DetectVendor([]byte("STAR TSP100")))
	assert.Equal(t, "bixolon", DetectVendor([]byte("BIXOLON SRP-350")))
	assert.Equal(t, "epson", DetectVendor([]byte("EPSON TM-T88")))
	assert.Equal(t, "unknown", DetectVendor([]byte("hello")))
}
