package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// AppendGapAlert records a detected gap. Alerts are append-only; replaying
// the same missing range is a no-op, so re-observation after a restart
// cannot duplicate history.
func (s *SQLiteStore) AppendGapAlert(ctx context.Context, a contracts.GapAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO gap_alerts
			(printer_id, expected_id, observed_id, window_start, window_end, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.PrinterID, a.ExpectedID, a.ObservedID,
		a.WindowStart.UTC().Format(time.RFC3339Nano),
		a.WindowEnd.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append gap alert: %w", err)
	}
	return nil
}

// GapAlerts returns the recorded gap history, newest first.
func (s *SQLiteStore) GapAlerts(ctx context.Context, limit int) ([]contracts.GapAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT printer_id, expected_id, observed_id, window_start, window_end
		FROM gap_alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.GapAlert
	for rows.Next() {
		var a contracts.GapAlert
		var ws, we string
		if err := rows.Scan(&a.PrinterID, &a.ExpectedID, &a.ObservedID, &ws, &we); err != nil {
			return nil, err
		}
		a.WindowStart = parseTime(ws)
		a.WindowEnd = parseTime(we)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MaxReceiptSeqs returns, per printer, the highest numeric receipt id ever
// stored. Recovery rebuilds gap-detector state strictly from this, never
// from cached memory.
func (s *SQLiteStore) MaxReceiptSeqs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT printer_id, MAX(receipt_seq) FROM transactions
		WHERE receipt_seq IS NOT NULL
		GROUP BY printer_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var printerID string
		var seq int64
		if err := rows.Scan(&printerID, &seq); err != nil {
			return nil, err
		}
		out[printerID] = seq
	}
	return out, rows.Err()
}

// LastObservedAt returns the observation time of the newest transaction
// with a numeric receipt id for a printer, used to seed gap windows after
// recovery.
func (s *SQLiteStore) LastObservedAt(ctx context.Context, printerID string) (time.Time, bool, error) {
	var at string
	err := s.db.QueryRowContext(ctx, `
		SELECT observed_at FROM transactions
		WHERE printer_id = ? AND receipt_seq IS NOT NULL
		ORDER BY receipt_seq DESC LIMIT 1`, printerID).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return parseTime(at), true, nil
}
