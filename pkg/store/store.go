// Package store is the durable buffer between capture and sync: an
// append-and-update log of completed transactions, their retry schedule,
// the gap-alert history, and the per-printer sync cursor. It is the single
// source of truth that recovery rebuilds all derived state from.
package store

import (
	"errors"
	"time"
)

// ErrWriteFailure wraps any failure to durably record a captured
// transaction. Fatal for the affected transaction: callers must surface
// it, never swallow it.
var ErrWriteFailure = errors.New("store write failure")

// ErrNotFound is returned when a local id resolves to no stored record.
var ErrNotFound = errors.New("transaction not found")

// Stats summarizes the buffer for the status surface.
type Stats struct {
	TotalTransactions int64      `json:"totalTransactions"`
	PendingSync       int64      `json:"pendingSync"`
	Rejected          int64      `json:"rejected"`
	Exhausted         int64      `json:"exhausted"`
	OpenGaps          int64      `json:"openGaps"`
	LastSyncedAt      *time.Time `json:"lastSyncedAt,omitempty"`
}
