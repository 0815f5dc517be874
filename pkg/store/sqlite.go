package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// SQLiteStore is the durable transaction buffer. A single connection
// serializes writes; concurrent capture workers and the sync worker all
// funnel through it, which keeps per-record mutation race-free.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the agent database at path and migrates the
// schema. WAL with synchronous=FULL keeps a committed append recoverable
// across a crash immediately after Append returns.
func Open(path string) (*SQLiteStore, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an existing database handle and migrates the schema.
func New(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			local_id TEXT PRIMARY KEY,
			printer_id TEXT NOT NULL,
			receipt_id TEXT,
			receipt_seq INTEGER,
			kind TEXT NOT NULL DEFAULT 'sale',
			items_json TEXT NOT NULL,
			subtotal REAL NOT NULL DEFAULT 0,
			tax REAL NOT NULL DEFAULT 0,
			total REAL,
			observed_at TEXT NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			sync_error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_unsynced
			ON transactions (synced, observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_printer_seq
			ON transactions (printer_id, receipt_seq)`,
		`CREATE TABLE IF NOT EXISTS pending_sync (
			local_id TEXT PRIMARY KEY REFERENCES transactions(local_id),
			printer_id TEXT NOT NULL,
			next_retry_at TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_sync_due
			ON pending_sync (next_retry_at)`,
		`CREATE TABLE IF NOT EXISTS gap_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			printer_id TEXT NOT NULL,
			expected_id INTEGER NOT NULL,
			observed_id INTEGER NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			UNIQUE (printer_id, expected_id, observed_id)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Append durably writes a completed transaction and enqueues it for sync
// in one database transaction (write-then-sync ordering). It returns the
// record's local id; any failure wraps ErrWriteFailure.
func (s *SQLiteStore) Append(ctx context.Context, t *contracts.Transaction) (string, error) {
	itemsJSON, err := json.Marshal(t.Items)
	if err != nil {
		return "", fmt.Errorf("%w: encode items: %v", ErrWriteFailure, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", ErrWriteFailure, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq any
	if t.ReceiptSeq != nil {
		seq = *t.ReceiptSeq
	}
	var total any
	if t.Total != nil {
		total = *t.Total
	}
	var receiptID any
	if t.ReceiptID != "" {
		receiptID = t.ReceiptID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
			(local_id, printer_id, receipt_id, receipt_seq, kind, items_json,
			 subtotal, tax, total, observed_at, synced, sync_state, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 'pending', 0)`,
		t.LocalID, t.PrinterID, receiptID, seq, string(t.Kind), string(itemsJSON),
		t.Subtotal, t.Tax, total, t.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert transaction: %v", ErrWriteFailure, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_sync (local_id, printer_id, next_retry_at, attempt)
		VALUES (?, ?, ?, 0)`,
		t.LocalID, t.PrinterID, t.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: enqueue sync: %v", ErrWriteFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: commit: %v", ErrWriteFailure, err)
	}
	return t.LocalID, nil
}

// MarkSynced flags a record delivered and removes it from the retry
// schedule. Idempotent: marking an already-synced record changes nothing.
func (s *SQLiteStore) MarkSynced(ctx context.Context, localID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET synced = 1, sync_state = 'synced', sync_error = NULL
		WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_sync WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	return tx.Commit()
}

// IncrementRetry bumps the retry counter. It only ever increases.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, localID string, syncErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET retry_count = retry_count + 1, sync_error = ?
		WHERE local_id = ?`, syncErr, localID)
	if err != nil {
		return fmt.Errorf("increment retry: %w", err)
	}
	return nil
}

// Park removes a record from the active retry schedule while keeping it
// visible to status queries. state is rejected (4xx) or exhausted (cap
// reached).
func (s *SQLiteStore) Park(ctx context.Context, localID string, state contracts.SyncState, reason string) error {
	if state != contracts.SyncRejected && state != contracts.SyncExhausted {
		return fmt.Errorf("park: invalid state %q", state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET sync_state = ?, sync_error = ?
		WHERE local_id = ? AND synced = 0`, string(state), reason, localID); err != nil {
		return fmt.Errorf("park: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_sync WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("park dequeue: %w", err)
	}
	return tx.Commit()
}

// Dequeue removes a schedule entry without touching the transaction row.
// Used when a schedule entry turns out to reference no stored record.
func (s *SQLiteStore) Dequeue(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_sync WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	return nil
}

// Reschedule moves a pending entry's next attempt time forward.
func (s *SQLiteStore) Reschedule(ctx context.Context, localID string, nextRetryAt time.Time, attempt int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync SET next_retry_at = ?, attempt = ?
		WHERE local_id = ?`,
		nextRetryAt.UTC().Format(time.RFC3339Nano), attempt, localID)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return nil
}

// DuePending returns schedule entries whose retry time has arrived, oldest
// first, bounding staleness.
func (s *SQLiteStore) DuePending(ctx context.Context, now time.Time, limit int) ([]contracts.PendingSyncEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, printer_id, next_retry_at, attempt
		FROM pending_sync
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`,
		now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.PendingSyncEntry
	for rows.Next() {
		var e contracts.PendingSyncEntry
		var at string
		if err := rows.Scan(&e.LocalID, &e.PrinterID, &at, &e.Attempt); err != nil {
			return nil, err
		}
		e.NextRetryAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResetPendingSchedule makes every unsynced, unparked record due
// immediately, self-healing schedule rows lost to a crash between the
// transaction insert and queue insert of older schema versions. Returns
// how many records are scheduled.
func (s *SQLiteStore) ResetPendingSchedule(ctx context.Context, now time.Time) (int, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_sync (local_id, printer_id, next_retry_at, attempt)
		SELECT local_id, printer_id, ?, retry_count FROM transactions
		WHERE synced = 0 AND sync_state = 'pending'`, ts); err != nil {
		return 0, fmt.Errorf("heal schedule: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_sync SET next_retry_at = ?`, ts); err != nil {
		return 0, fmt.Errorf("reset schedule: %w", err)
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_sync`).Scan(&n); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Get returns one stored transaction by local id.
func (s *SQLiteStore) Get(ctx context.Context, localID string) (*contracts.Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectTransaction+`WHERE local_id = ?`, localID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListUnsynced returns every record not yet confirmed delivered, oldest
// first, including parked ones.
func (s *SQLiteStore) ListUnsynced(ctx context.Context) ([]*contracts.Transaction, error) {
	return s.list(ctx, selectTransaction+`WHERE synced = 0 ORDER BY observed_at ASC`)
}

// ListRecent returns the n most recently observed transactions, for the
// status surface.
func (s *SQLiteStore) ListRecent(ctx context.Context, n int) ([]*contracts.Transaction, error) {
	return s.list(ctx, selectTransaction+`ORDER BY observed_at DESC LIMIT ?`, n)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectTransaction = `
	SELECT local_id, printer_id, receipt_id, receipt_seq, kind, items_json,
	       subtotal, tax, total, observed_at, synced, sync_state, retry_count
	FROM transactions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (*contracts.Transaction, error) {
	var (
		t          contracts.Transaction
		receiptID  sql.NullString
		receiptSeq sql.NullInt64
		kind       string
		itemsJSON  string
		total      sql.NullFloat64
		observedAt string
		synced     int
		syncState  string
	)
	err := r.Scan(&t.LocalID, &t.PrinterID, &receiptID, &receiptSeq, &kind,
		&itemsJSON, &t.Subtotal, &t.Tax, &total, &observedAt, &synced, &syncState,
		&t.RetryCount)
	if err != nil {
		return nil, err
	}
	t.ReceiptID = receiptID.String
	if receiptSeq.Valid {
		seq := receiptSeq.Int64
		t.ReceiptSeq = &seq
	}
	t.Kind = contracts.TransactionKind(kind)
	if err := json.Unmarshal([]byte(itemsJSON), &t.Items); err != nil {
		return nil, fmt.Errorf("corrupt items JSON for %s: %w", t.LocalID, err)
	}
	if total.Valid {
		v := total.Float64
		t.Total = &v
	}
	t.ObservedAt = parseTime(observedAt)
	t.Synced = synced != 0
	t.SyncState = contracts.SyncState(syncState)
	return &t, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
