package contracts

import "regexp"

var (
	trailingDigits = regexp.MustCompile(`(\d+)$`)
	anyDigits      = regexp.MustCompile(`(\d+)`)
)

// ReceiptSequence extracts the numeric portion of a vendor receipt
// identifier for continuity tracking. Trailing digits win ("RCT1047" ->
// 1047); otherwise the first digit run is used. Identifiers with no digits
// carry no sequence value and are excluded from gap analysis.
func ReceiptSequence(receiptID string) (int64, bool) {
	if receiptID == "" {
		return 0, false
	}
	m := trailingDigits.FindStringSubmatch(receiptID)
	if m == nil {
		m = anyDigits.FindStringSubmatch(receiptID)
	}
	if m == nil {
		return 0, false
	}
	n := int64(0)
	for _, c := range m[1] {
		d := int64(c - '0')
		if n > (1<<62)/10 {
			return 0, false // absurdly long digit run, not a counter
		}
		n = n*10 + d
	}
	return n, true
}
