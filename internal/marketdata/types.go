package marketdata

import (
	"context"
	"time"
)

type Right string

const (
	Call Right = "C"
	Put  Right = "P"
)

type SpotQuote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	AsOf   time.Time `json:"as_of"`
}

// ContractEntry is one row of a chain snapshot: structure and greeks as the
// provider reported them, untouched by any model-specific normalization.
type ContractEntry struct {
	Symbol       string    `json:"symbol"`
	Underlying   string    `json:"underlying"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	Right        Right     `json:"right"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Mid          float64   `json:"mid"`
	Delta        float64   `json:"delta"`
	Gamma        float64   `json:"gamma"`
	Theta        float64   `json:"theta"`
	Vega         float64   `json:"vega"`
	OpenInterest int64     `json:"open_interest"`
	Multiplier   float64   `json:"multiplier"`
	AsOf         time.Time `json:"as_of"`
}

// ChainSnapshot is an immutable full listing of one underlying's contracts at
// one point in time. Incomplete marks snapshots whose DTE window is missing
// expected expiries so consumers can skip rather than mis-render.
type ChainSnapshot struct {
	Underlying string          `json:"underlying"`
	Taken      time.Time       `json:"taken"`
	Contracts  []ContractEntry `json:"contracts"`
	Incomplete bool            `json:"incomplete"`
}

// Tick is one live trade/quote print identified by the provider symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	AsOf   time.Time `json:"as_of"`
}

func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// Source is the only boundary that talks to the outside world for prices.
type Source interface {
	FetchSpot(ctx context.Context, symbol string) (SpotQuote, error)
	FetchChain(ctx context.Context, underlying string) (ChainSnapshot, error)
}
