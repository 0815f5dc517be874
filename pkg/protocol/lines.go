package protocol

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/retailstack/pos-agent/pkg/contracts"
)

// Receipt text patterns. These mirror what real POS software prints; the
// ladder order matters (explicit markers before bare digit runs).
var (
	reItemQtyPrice = regexp.MustCompile(`(\d+)\s*[xX×]\s*([\d,]+\.?\d*)`)
	reNamePrice    = regexp.MustCompile(`^(.+?)\s+([\d,]+\.?\d*)\s*$`)

	reTotal    = regexp.MustCompile(`(?i)(?:grand\s*)?total[\s:]*([\d,]+\.?\d*)`)
	reSubtotal = regexp.MustCompile(`(?i)sub[\s-]*total[\s:]*([\d,]+\.?\d*)`)
	reTax      = regexp.MustCompile(`(?i)tax(?:\s*\([^)]*\))?[\s:]*([\d,]+\.?\d*)`)

	reReceiptIDs = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:receipt\s*No|receipt#|receipt|RCT)[\s:#]*(\w+)`),
		regexp.MustCompile(`(?i)(?:invoice|inv)[\s:#]*(\w+)`),
		regexp.MustCompile(`#(\d{4,})`),
		regexp.MustCompile(`(?i)TRX[_\s]*(\w+)`),
		regexp.MustCompile(`(\d{10,})`),
	}

	// Lines containing these never yield items.
	itemSkipWords = []string{
		"total", "subtotal", "tax", "change", "cash", "card",
		"thank", "welcome", "please", "receipt", "invoice",
	}

	voidMarkers   = []string{"void", "voided", "cancelled", "cancel"}
	refundMarkers = []string{"refund", "return", "reversed"}
)

// decodeText converts raw printer bytes to text. POS terminals on Windows
// overwhelmingly emit cp1252; latin-1 never fails, so it is the fallback.
func decodeText(raw []byte) string {
	if s, err := charmap.Windows1252.NewDecoder().String(string(raw)); err == nil {
		return s
	}
	s, _ := charmap.ISO8859_1.NewDecoder().String(string(raw))
	return s
}

// parsePrice accepts grouped ("1,000") and decimal ("1000.00") forms.
// Anything matching neither is not a price.
func parsePrice(tok string) (float64, bool) {
	tok = strings.ReplaceAll(strings.TrimSpace(tok), ",", "")
	if tok == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func isSeparatorLine(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		switch r {
		case '-', '=', '*', '_', ' ':
		default:
			return false
		}
	}
	return true
}

func hasSkipWord(line string) bool {
	lower := strings.ToLower(line)
	for _, w := range itemSkipWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// parseItemLine extracts a LineItem from a text line, or reports none. The
// quantity-times-price form wins; otherwise a trailing price with a
// non-empty name counts as a single unit. Tokens that are not valid prices
// stay part of the name, which simply means the line is not an item.
func parseItemLine(line string) (contracts.LineItem, bool) {
	if line == "" || isSeparatorLine(line) || hasSkipWord(line) {
		return contracts.LineItem{}, false
	}

	if m := reItemQtyPrice.FindStringSubmatchIndex(line); m != nil {
		qty, err := strconv.Atoi(line[m[2]:m[3]])
		price, ok := parsePrice(line[m[4]:m[5]])
		name := strings.TrimSpace(line[:m[0]])
		if err == nil && qty > 0 && ok && name != "" {
			return contracts.LineItem{Name: name, Quantity: qty, UnitPrice: price}, true
		}
		return contracts.LineItem{}, false
	}

	if m := reNamePrice.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[1])
		price, ok := parsePrice(m[2])
		if ok && price > 0 && name != "" {
			return contracts.LineItem{Name: name, Quantity: 1, UnitPrice: price}, true
		}
	}
	return contracts.LineItem{}, false
}

// matchAmount applies a labelled-amount pattern ("TOTAL: 1,000") and parses
// the captured token.
func matchAmount(re *regexp.Regexp, line string) (float64, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	return parsePrice(m[1])
}

// matchReceiptID walks the marker ladder and returns the first identifier
// found on the line.
func matchReceiptID(line string) (string, bool) {
	for _, re := range reReceiptIDs {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func matchKind(line string) (contracts.TransactionKind, bool) {
	lower := strings.ToLower(line)
	for _, w := range voidMarkers {
		if strings.Contains(lower, w) {
			return contracts.KindVoid, true
		}
	}
	for _, w := range refundMarkers {
		if strings.Contains(lower, w) {
			return contracts.KindRefund, true
		}
	}
	return contracts.KindSale, false
}
