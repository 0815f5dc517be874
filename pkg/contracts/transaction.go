package contracts

import "time"

// LineItem is a single item line reconstructed from a receipt.
// Immutable once parsed; owned by exactly one Transaction.
type LineItem struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
}

// TransactionKind classifies a receipt by the markers printed on it.
type TransactionKind string

const (
	KindSale   TransactionKind = "sale"
	KindVoid   TransactionKind = "void"
	KindRefund TransactionKind = "refund"
)

// Transaction is one reconstructed sale, created atomically when the
// decoder sees a session complete. Synced and RetryCount are the only
// fields mutated after creation, and only by the sync engine.
type Transaction struct {
	// LocalID is the agent-assigned identifier (UUID), never reused.
	LocalID string `json:"localId"`

	// PrinterID names the logical printer the session was captured from.
	PrinterID string `json:"printerId"`

	// ReceiptID is the vendor-printed receipt identifier. Empty when the
	// stream never emitted one; such records are excluded from gap analysis.
	ReceiptID string `json:"receiptId,omitempty"`

	// ReceiptSeq is the numeric portion of ReceiptID when one could be
	// extracted, used for sequence-continuity tracking. Nil otherwise.
	ReceiptSeq *int64 `json:"-"`

	Kind  TransactionKind `json:"kind"`
	Items []LineItem      `json:"items"`

	// Total is the printed total, nil when no total line was matched.
	// Presence and shape are guaranteed, not arithmetic correctness.
	Total    *float64 `json:"total"`
	Subtotal float64  `json:"subtotal,omitempty"`
	Tax      float64  `json:"tax,omitempty"`

	// ObservedAt is the wall-clock time of session completion, not of
	// printing.
	ObservedAt time.Time `json:"observedAt"`

	Synced     bool `json:"synced"`
	RetryCount int  `json:"retryCount"`

	// SyncState mirrors the store's delivery state: pending, synced,
	// rejected (4xx) or exhausted (retry cap reached).
	SyncState SyncState `json:"syncState,omitempty"`

	// UnknownCommands holds hex dumps of command bytes the active dialect
	// did not recognize, kept for diagnostics only.
	UnknownCommands []string `json:"-"`
}

// SyncState is the delivery lifecycle of a stored transaction.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncDone    SyncState = "synced"
	// SyncRejected marks a 4xx permanent rejection: not retried
	// automatically, still visible to status queries.
	SyncRejected SyncState = "rejected"
	// SyncExhausted marks a record whose transient retries hit the attempt
	// cap; parked like a rejection but distinguishable.
	SyncExhausted SyncState = "exhausted"
)

// PendingSyncEntry is one slot in the retry schedule. It exists only while
// the referenced transaction is unsynced and still eligible for delivery.
type PendingSyncEntry struct {
	LocalID     string    `json:"localId"`
	PrinterID   string    `json:"printerId"`
	NextRetryAt time.Time `json:"nextRetryAt"`
	Attempt     int       `json:"attempt"`
}

// SyncCursor records the last confirmed delivery per printer. Read at
// startup by the recovery coordinator to compute the downtime window.
type SyncCursor struct {
	PrinterID           string    `json:"printerId"`
	LastConfirmedSyncAt time.Time `json:"lastConfirmedSyncAt"`
}
