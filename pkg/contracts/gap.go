package contracts

import "time"

// GapAlert records one contiguous range of receipt identifiers that was
// never observed for a printer. Append-only; never mutated.
type GapAlert struct {
	PrinterID string `json:"printerId"`

	// ExpectedID is the first missing identifier in the range.
	ExpectedID int64 `json:"expectedId"`

	// ObservedID is the identifier whose arrival revealed the gap; the
	// missing range is [ExpectedID, ObservedID-1].
	ObservedID int64 `json:"observedId"`

	// WindowStart is the observation time of the last receipt seen before
	// the gap, WindowEnd the observation time of ObservedID.
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// MissingCount returns the number of receipts in the missing range.
func (g GapAlert) MissingCount() int64 {
	return g.ObservedID - g.ExpectedID
}
