package epoch

import (
	"sort"
	"sync"

	"massive/internal/marketdata"
)

const (
	FamilyHeatmap = "heatmap"
	FamilyBias    = "bias"
)

// Normalizer translates raw provider data into one model family's canonical
// record. Normalizers are purely structural: no greeks math, no payoff math.
//
// Families that read raw snapshots directly (GEX, volume profile) have no
// substrate dependency and do not register at all.
type Normalizer interface {
	Family() string

	// NormalizeSnapshot produces the family's record for one chain-snapshot
	// contract, or ok=false when the entry is of no use to this family.
	NormalizeSnapshot(entry marketdata.ContractEntry) (Record, bool)

	// NormalizeTick refreshes only the price-bearing fields of an existing
	// record. Strike/expiration/greeks/OI set by the snapshot path are
	// immutable here.
	NormalizeTick(rec Record, tick marketdata.Tick) Record
}

// Registry maps model-family name to its normalizer. The set is fixed at
// startup; the zero value is unusable, construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	byFamily map[string]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{byFamily: map[string]Normalizer{}}
	for _, n := range normalizers {
		r.Register(n)
	}
	return r
}

func (r *Registry) Register(n Normalizer) {
	if r == nil || n == nil || n.Family() == "" {
		return
	}
	r.mu.Lock()
	r.byFamily[n.Family()] = n
	r.mu.Unlock()
}

func (r *Registry) Get(family string) (Normalizer, bool) {
	r.mu.RLock()
	n, ok := r.byFamily[family]
	r.mu.RUnlock()
	return n, ok
}

// Families returns registered family names in stable order.
func (r *Registry) Families() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byFamily))
	for f := range r.byFamily {
		out = append(out, f)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func baseRecord(entry marketdata.ContractEntry) Record {
	return Record{
		Symbol:     marketdata.CanonicalOptionSymbol(entry.Symbol),
		Underlying: entry.Underlying,
		Strike:     entry.Strike,
		Expiration: entry.Expiration.UTC().Format("2006-01-02"),
		Right:      entry.Right,
		Bid:        entry.Bid,
		Ask:        entry.Ask,
		Mid:        entry.Mid,
		Multiplier: entry.Multiplier,
		UpdatedAt:  entry.AsOf,
	}
}

func hydratePrices(rec Record, tick marketdata.Tick) Record {
	if tick.Bid > 0 {
		rec.Bid = tick.Bid
	}
	if tick.Ask > 0 {
		rec.Ask = tick.Ask
	}
	if mid := tick.Mid(); mid > 0 {
		rec.Mid = mid
	}
	if tick.AsOf.After(rec.UpdatedAt) {
		rec.UpdatedAt = tick.AsOf
	}
	return rec
}

// HeatmapNormalizer keeps contract identity plus quoted prices; the tile
// builder derives everything else from leg mids.
type HeatmapNormalizer struct{}

func (HeatmapNormalizer) Family() string { return FamilyHeatmap }

func (HeatmapNormalizer) NormalizeSnapshot(entry marketdata.ContractEntry) (Record, bool) {
	if entry.Symbol == "" || entry.Strike <= 0 || entry.Expiration.IsZero() {
		return Record{}, false
	}
	if entry.Right != marketdata.Call && entry.Right != marketdata.Put {
		return Record{}, false
	}
	return baseRecord(entry), true
}

func (HeatmapNormalizer) NormalizeTick(rec Record, tick marketdata.Tick) Record {
	return hydratePrices(rec, tick)
}

// BiasNormalizer additionally carries greeks and open interest for the
// bias/liquidity scorer.
type BiasNormalizer struct{}

func (BiasNormalizer) Family() string { return FamilyBias }

func (BiasNormalizer) NormalizeSnapshot(entry marketdata.ContractEntry) (Record, bool) {
	if entry.Symbol == "" || entry.Strike <= 0 || entry.Expiration.IsZero() {
		return Record{}, false
	}
	if entry.Right != marketdata.Call && entry.Right != marketdata.Put {
		return Record{}, false
	}
	rec := baseRecord(entry)
	rec.Delta = entry.Delta
	rec.Gamma = entry.Gamma
	rec.Theta = entry.Theta
	rec.Vega = entry.Vega
	rec.OpenInterest = entry.OpenInterest
	return rec, true
}

func (BiasNormalizer) NormalizeTick(rec Record, tick marketdata.Tick) Record {
	return hydratePrices(rec, tick)
}
