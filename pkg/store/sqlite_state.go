package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

const cursorKeyPrefix = "cursor:"

// SetCursor advances a printer's sync cursor to the given confirmation
// time.
func (s *SQLiteStore) SetCursor(ctx context.Context, printerID string, at time.Time) error {
	return s.SaveState(ctx, cursorKeyPrefix+printerID, at.UTC().Format(time.RFC3339Nano))
}

// Cursors returns every persisted sync cursor.
func (s *SQLiteStore) Cursors(ctx context.Context) ([]contracts.SyncCursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM agent_state WHERE key LIKE ?`, cursorKeyPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.SyncCursor
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out = append(out, contracts.SyncCursor{
			PrinterID:           strings.TrimPrefix(key, cursorKeyPrefix),
			LastConfirmedSyncAt: parseTime(value),
		})
	}
	return out, rows.Err()
}

// SaveState upserts an agent state value.
func (s *SQLiteStore) SaveState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// LoadState reads an agent state value; ok is false when the key has never
// been written.
func (s *SQLiteStore) LoadState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Stats summarizes the buffer for status queries.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN synced = 0 AND sync_state = 'pending' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN sync_state = 'rejected' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN sync_state = 'exhausted' THEN 1 ELSE 0 END), 0)
		FROM transactions`)
	if err := row.Scan(&st.TotalTransactions, &st.PendingSync, &st.Rejected, &st.Exhausted); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gap_alerts`).Scan(&st.OpenGaps); err != nil {
		return st, err
	}

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(observed_at) FROM transactions WHERE synced = 1`).Scan(&last); err != nil {
		return st, err
	}
	if last.Valid {
		t := parseTime(last.String)
		st.LastSyncedAt = &t
	}
	return st, nil
}

// PendingCount returns how many records are awaiting delivery for one
// printer, for per-printer status.
func (s *SQLiteStore) PendingCount(ctx context.Context, printerID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE printer_id = ? AND synced = 0 AND sync_state = 'pending'`, printerID).Scan(&n)
	return n, err
}

// LastTransactionAt returns the newest observation time for one printer.
func (s *SQLiteStore) LastTransactionAt(ctx context.Context, printerID string) (time.Time, bool, error) {
	var at sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(observed_at) FROM transactions WHERE printer_id = ?`, printerID).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(at.String), true, nil
}
