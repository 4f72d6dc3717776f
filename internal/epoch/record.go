package epoch

import (
	"fmt"
	"time"

	"massive/internal/marketdata"
)

// Record is the canonical per-contract representation written into an epoch's
// substrate namespace. Every model family's normalizer produces this same
// shape whether the record came from a chain snapshot or was later touched by
// a live tick; hydration may change only Bid/Ask/Mid/UpdatedAt.
type Record struct {
	Symbol     string            `json:"symbol"`
	Underlying string            `json:"underlying"`
	Strike     float64           `json:"strike"`
	Expiration string            `json:"expiration"` // 2006-01-02
	Right      marketdata.Right  `json:"right"`

	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
	Mid float64 `json:"mid"`

	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	OpenInterest int64   `json:"open_interest"`
	Multiplier   float64 `json:"multiplier"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Epoch identifies one generation of canonical state for one underlying.
type Epoch struct {
	ID         int64     `json:"id"`
	Underlying string    `json:"underlying"`
	SeededAt   time.Time `json:"seeded_at"`
	Contracts  int       `json:"contracts"`
	Incomplete bool      `json:"incomplete"`
}

func CurrentKey(underlying string) string {
	return "epoch:current:" + underlying
}

func RecordKey(family, underlying string, epochID int64, symbol string) string {
	return fmt.Sprintf("rec:%s:%s:%d:%s", family, underlying, epochID, symbol)
}

func recordPrefix(family, underlying string, epochID int64) string {
	return fmt.Sprintf("rec:%s:%s:%d:", family, underlying, epochID)
}
