package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"massive/internal/epoch"
	"massive/internal/marketdata"
	"massive/internal/publish"
)

// Tile is one scored strategy structure candidate derived from leg mids.
// Money fields are quoted per contract unit (premium points).
type Tile struct {
	ID         string           `json:"id"`
	Kind       string           `json:"kind"` // single, vertical, butterfly
	Expiration string           `json:"expiration"`
	Right      marketdata.Right `json:"right"`
	Strikes    []float64        `json:"strikes"`
	Debit      decimal.Decimal  `json:"debit"`
	MaxProfit  *decimal.Decimal `json:"max_profit,omitempty"` // nil = unbounded
	MaxLoss    decimal.Decimal  `json:"max_loss"`
}

type Ladder struct {
	Expiration string           `json:"expiration"`
	Right      marketdata.Right `json:"right"`
	Strikes    []float64        `json:"strikes"`
}

type HeatmapPayload struct {
	Underlying string   `json:"underlying"`
	Epoch      int64    `json:"epoch"`
	Ladders    []Ladder `json:"ladders"`
	Tiles      []Tile   `json:"tiles"`
}

// HeatmapDiff is the incremental change set between two published tile sets.
type HeatmapDiff struct {
	Changed []Tile   `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// HeatmapBuilder groups canonical records by expiration and strike, builds
// strike-ordered ladders and derives single/vertical/butterfly tiles from leg
// mids. A tile whose legs are not all present at the required spacing is
// omitted, never estimated.
type HeatmapBuilder struct {
	Epochs        *epoch.Manager
	Pub           *publish.Publisher
	Logger        *zap.Logger
	MaxWidthSteps int
}

func (b *HeatmapBuilder) Family() string         { return FamilyHeatmap }
func (b *HeatmapBuilder) DataSource() DataSource { return SourceSubstrate }

func (b *HeatmapBuilder) Build(ctx context.Context, underlying string) (bool, error) {
	ep, recs, err := b.Epochs.Records(ctx, FamilyHeatmap, underlying)
	if err != nil {
		return false, err
	}
	if ep.ID == 0 || len(recs) == 0 || ep.Incomplete {
		return false, nil
	}

	payload := b.compute(ep, recs)
	if len(payload.Tiles) == 0 {
		return false, nil
	}
	computedAt := latestUpdate(recs)

	var prevTiles map[string]Tile
	prev, found, err := b.Pub.Latest(ctx, FamilyHeatmap, underlying)
	if err != nil {
		return false, err
	}
	if found {
		var prevPayload HeatmapPayload
		if err := json.Unmarshal(prev.Payload, &prevPayload); err == nil {
			prevTiles = tilesByID(prevPayload.Tiles)
		}
	}

	env, err := b.Pub.Publish(ctx, FamilyHeatmap, underlying, computedAt, payload)
	if err != nil {
		return false, err
	}
	if prevTiles != nil {
		diff := diffTiles(prevTiles, payload.Tiles)
		if len(diff.Changed) > 0 || len(diff.Removed) > 0 {
			if err := b.Pub.PublishDiff(ctx, FamilyHeatmap, underlying, env.Version, diff); err != nil && b.Logger != nil {
				b.Logger.Warn("heatmap diff publish failed", zap.String("underlying", underlying), zap.Error(err))
			}
		}
	}
	return true, nil
}

func (b *HeatmapBuilder) compute(ep epoch.Epoch, recs []epoch.Record) HeatmapPayload {
	maxSteps := b.MaxWidthSteps
	if maxSteps <= 0 {
		maxSteps = 3
	}

	type ladderKey struct {
		exp   string
		right marketdata.Right
	}
	mids := map[ladderKey]map[float64]float64{}
	for _, rec := range recs {
		if rec.Mid <= 0 {
			continue
		}
		k := ladderKey{exp: rec.Expiration, right: rec.Right}
		if mids[k] == nil {
			mids[k] = map[float64]float64{}
		}
		mids[k][rec.Strike] = rec.Mid
	}

	keys := make([]ladderKey, 0, len(mids))
	for k := range mids {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].exp != keys[j].exp {
			return keys[i].exp < keys[j].exp
		}
		return keys[i].right < keys[j].right
	})

	payload := HeatmapPayload{Underlying: ep.Underlying, Epoch: ep.ID}
	for _, k := range keys {
		ladder := mids[k]
		strikes := make([]float64, 0, len(ladder))
		for s := range ladder {
			strikes = append(strikes, s)
		}
		sort.Float64s(strikes)
		payload.Ladders = append(payload.Ladders, Ladder{Expiration: k.exp, Right: k.right, Strikes: strikes})
		payload.Tiles = append(payload.Tiles, ladderTiles(k.exp, k.right, strikes, ladder, maxSteps)...)
	}
	sort.Slice(payload.Tiles, func(i, j int) bool { return payload.Tiles[i].ID < payload.Tiles[j].ID })
	return payload
}

func ladderTiles(exp string, right marketdata.Right, strikes []float64, mid map[float64]float64, maxSteps int) []Tile {
	var tiles []Tile

	for _, s := range strikes {
		debit := money(mid[s])
		tiles = append(tiles, Tile{
			ID:         tileID("single", exp, right, s),
			Kind:       "single",
			Expiration: exp,
			Right:      right,
			Strikes:    []float64{s},
			Debit:      debit,
			MaxProfit:  nil, // unbounded for a long single
			MaxLoss:    debit,
		})
	}

	for i := 0; i < len(strikes); i++ {
		for j := i + 1; j < len(strikes) && j-i <= maxSteps; j++ {
			lo, hi := strikes[i], strikes[j]
			width := hi - lo
			// Debit-side convention: long the nearer-the-money leg.
			var debit float64
			if right == marketdata.Call {
				debit = mid[lo] - mid[hi]
			} else {
				debit = mid[hi] - mid[lo]
			}
			if debit <= 0 || debit >= width {
				continue
			}
			d := money(debit)
			mp := money(width - debit)
			tiles = append(tiles, Tile{
				ID:         tileID("vertical", exp, right, lo, hi),
				Kind:       "vertical",
				Expiration: exp,
				Right:      right,
				Strikes:    []float64{lo, hi},
				Debit:      d,
				MaxProfit:  &mp,
				MaxLoss:    d,
			})
		}
	}

	for i := 0; i < len(strikes); i++ {
		for j := i + 1; j < len(strikes) && j-i <= maxSteps; j++ {
			span := strikes[j] - strikes[i]
			// The far wing is symmetric in price, not in ladder position; a
			// ladder without a listed strike at body+span yields no fly.
			wing := strikes[j] + span
			k := sort.SearchFloat64s(strikes, wing)
			if k >= len(strikes) || strikes[k] != wing {
				continue
			}
			debit := mid[strikes[i]] - 2*mid[strikes[j]] + mid[strikes[k]]
			if debit <= 0 || debit >= span {
				continue
			}
			d := money(debit)
			mp := money(span - debit)
			tiles = append(tiles, Tile{
				ID:         tileID("butterfly", exp, right, strikes[i], strikes[j], strikes[k]),
				Kind:       "butterfly",
				Expiration: exp,
				Right:      right,
				Strikes:    []float64{strikes[i], strikes[j], strikes[k]},
				Debit:      d,
				MaxProfit:  &mp,
				MaxLoss:    d,
			})
		}
	}
	return tiles
}

func tileID(kind, exp string, right marketdata.Right, strikes ...float64) string {
	parts := make([]string, 0, 3+len(strikes))
	parts = append(parts, kind, exp, string(right))
	for _, s := range strikes {
		parts = append(parts, trimFloat(s))
	}
	return strings.Join(parts, "|")
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

func money(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(4)
}

func tilesByID(tiles []Tile) map[string]Tile {
	out := make(map[string]Tile, len(tiles))
	for _, t := range tiles {
		out[t.ID] = t
	}
	return out
}

func diffTiles(prev map[string]Tile, next []Tile) HeatmapDiff {
	var diff HeatmapDiff
	seen := make(map[string]struct{}, len(next))
	for _, t := range next {
		seen[t.ID] = struct{}{}
		old, ok := prev[t.ID]
		if !ok || !tileEqual(old, t) {
			diff.Changed = append(diff.Changed, t)
		}
	}
	for id := range prev {
		if _, ok := seen[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool { return diff.Changed[i].ID < diff.Changed[j].ID })
	return diff
}

func tileEqual(a, b Tile) bool {
	if !a.Debit.Equal(b.Debit) || !a.MaxLoss.Equal(b.MaxLoss) {
		return false
	}
	if (a.MaxProfit == nil) != (b.MaxProfit == nil) {
		return false
	}
	if a.MaxProfit != nil && !a.MaxProfit.Equal(*b.MaxProfit) {
		return false
	}
	return true
}

func latestUpdate(recs []epoch.Record) time.Time {
	var latest time.Time
	for _, rec := range recs {
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}
	return latest
}
