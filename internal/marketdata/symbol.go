package marketdata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OptionRef is the decoded identity of one contract as carried by a provider
// symbol: <root><YYMMDD><C|P><strike*1000, 8 digits>, optionally "O:"-prefixed.
type OptionRef struct {
	Underlying string
	Expiration time.Time
	Right      Right
	Strike     float64
}

// SymbolError reports a provider symbol that does not match the OCC grammar.
type SymbolError struct {
	Symbol string
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("bad option symbol %q: %s", e.Symbol, e.Reason)
}

const occTail = 1 + 8 // right marker + padded strike

// ParseOptionSymbol decodes a provider option symbol. It is a pure function
// with no provider I/O so malformed ticks can be rejected before any lookup.
func ParseOptionSymbol(symbol string) (OptionRef, error) {
	s := strings.TrimSpace(symbol)
	s = strings.TrimPrefix(s, "O:")
	if len(s) < 6+occTail+1 {
		return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "too short"}
	}

	strikeRaw := s[len(s)-8:]
	rightRaw := s[len(s)-occTail : len(s)-8]
	dateRaw := s[len(s)-occTail-6 : len(s)-occTail]
	root := s[:len(s)-occTail-6]

	if root == "" {
		return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "missing root"}
	}
	for _, r := range root {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "invalid root"}
		}
	}

	exp, err := time.Parse("060102", dateRaw)
	if err != nil {
		return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "invalid expiration"}
	}

	var right Right
	switch rightRaw {
	case "C":
		right = Call
	case "P":
		right = Put
	default:
		return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "invalid right"}
	}

	milli, err := strconv.ParseInt(strikeRaw, 10, 64)
	if err != nil || milli <= 0 {
		return OptionRef{}, &SymbolError{Symbol: symbol, Reason: "invalid strike"}
	}

	return OptionRef{
		Underlying: root,
		Expiration: exp.UTC(),
		Right:      right,
		Strike:     float64(milli) / 1000,
	}, nil
}

// CanonicalOptionSymbol reduces provider variants of a contract symbol (the
// optional "O:" prefix, stray whitespace) to the single form record keys use.
// A symbol that does not parse passes through trimmed, so the mismatch
// surfaces at the point of use instead of being masked here.
func CanonicalOptionSymbol(symbol string) string {
	ref, err := ParseOptionSymbol(symbol)
	if err != nil {
		return strings.TrimSpace(symbol)
	}
	return FormatOptionSymbol(ref)
}

// FormatOptionSymbol is the inverse of ParseOptionSymbol.
func FormatOptionSymbol(ref OptionRef) string {
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(ref.Underlying),
		ref.Expiration.UTC().Format("060102"),
		string(ref.Right),
		int64(math.Round(ref.Strike*1000)),
	)
}
