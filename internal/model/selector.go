package model

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"massive/internal/publish"
	"massive/internal/store"
)

type Recommendation struct {
	Tile      Tile    `json:"tile"`
	Score     float64 `json:"score"`
	RR        float64 `json:"reward_risk"`
	Proximity float64 `json:"proximity"`
}

type SelectorPayload struct {
	Underlying string           `json:"underlying"`
	Ranked     []Recommendation `json:"ranked"`
}

// TradeSelector re-scores the heatmap's tile set by a convexity heuristic:
// reward-to-risk weighted by proximity to the structural levels published by
// the volume profile and GEX builders. It runs event-triggered off heatmap
// publishes rather than on its own clock.
type TradeSelector struct {
	Store  store.Store
	Pub    *publish.Publisher
	Logger *zap.Logger

	MaxResults    int
	RewardRiskCap float64
}

func (s *TradeSelector) Family() string         { return FamilySelector }
func (s *TradeSelector) DataSource() DataSource { return SourceDerived }

// Run subscribes to model events and rebuilds after every heatmap replace.
func (s *TradeSelector) Run(ctx context.Context) error {
	events, err := s.Store.Subscribe(ctx, publish.Channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			var evt publish.Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				continue
			}
			if evt.Family != FamilyHeatmap || evt.Kind != "replace" {
				continue
			}
			if _, err := s.Build(ctx, evt.Underlying); err != nil && s.Logger != nil {
				s.Logger.Warn("trade selector rebuild failed",
					zap.String("underlying", evt.Underlying),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *TradeSelector) Build(ctx context.Context, underlying string) (bool, error) {
	heatEnv, found, err := s.Pub.Latest(ctx, FamilyHeatmap, underlying)
	if err != nil || !found {
		return false, err
	}
	var heatmap HeatmapPayload
	if err := json.Unmarshal(heatEnv.Payload, &heatmap); err != nil {
		return false, err
	}
	if len(heatmap.Tiles) == 0 {
		return false, nil
	}

	levels := s.structuralLevels(ctx, underlying)
	payload := s.rank(underlying, heatmap.Tiles, levels)
	if len(payload.Ranked) == 0 {
		return false, nil
	}
	if _, err := s.Pub.Publish(ctx, FamilySelector, underlying, heatEnv.ComputedAt, payload); err != nil {
		return false, err
	}
	return true, nil
}

// structuralLevels gathers profile nodes and the GEX flip level. Both models
// are optional inputs: without them tiles rank on reward-to-risk alone.
func (s *TradeSelector) structuralLevels(ctx context.Context, underlying string) []float64 {
	var levels []float64
	if env, found, err := s.Pub.Latest(ctx, FamilyProfile, underlying); err == nil && found {
		var profile ProfilePayload
		if err := json.Unmarshal(env.Payload, &profile); err == nil {
			for _, lvl := range profile.Levels {
				if lvl.Kind == "node" {
					levels = append(levels, lvl.Price)
				}
			}
		}
	}
	if env, found, err := s.Pub.Latest(ctx, FamilyGEX, underlying); err == nil && found {
		var gex GEXPayload
		if err := json.Unmarshal(env.Payload, &gex); err == nil && gex.FlipLevel != nil {
			levels = append(levels, *gex.FlipLevel)
		}
	}
	sort.Float64s(levels)
	return levels
}

func (s *TradeSelector) rank(underlying string, tiles []Tile, levels []float64) SelectorPayload {
	rrCap := s.RewardRiskCap
	if rrCap <= 0 {
		rrCap = 20
	}
	limit := s.MaxResults
	if limit <= 0 {
		limit = 10
	}

	ranked := make([]Recommendation, 0, len(tiles))
	for _, tile := range tiles {
		rr := rewardRisk(tile, rrCap)
		if rr <= 0 {
			continue
		}
		prox := proximityWeight(tileCenter(tile), levels)
		ranked = append(ranked, Recommendation{
			Tile:      tile,
			Score:     round2(rr * (1 + prox)),
			RR:        round2(rr),
			Proximity: round2(prox),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Tile.ID < ranked[j].Tile.ID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return SelectorPayload{Underlying: underlying, Ranked: ranked}
}

func rewardRisk(tile Tile, rrCap float64) float64 {
	loss := tile.MaxLoss
	if loss.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	if tile.MaxProfit == nil {
		// Unbounded upside ranks at the cap, not above it.
		return rrCap
	}
	rr, _ := tile.MaxProfit.Div(loss).Float64()
	return math.Min(rr, rrCap)
}

func tileCenter(tile Tile) float64 {
	if len(tile.Strikes) == 0 {
		return 0
	}
	return tile.Strikes[len(tile.Strikes)/2]
}

// proximityWeight decays linearly from 1 at a structural level to 0 at 2%
// away from it.
func proximityWeight(center float64, levels []float64) float64 {
	if center <= 0 || len(levels) == 0 {
		return 0
	}
	best := math.MaxFloat64
	for _, lvl := range levels {
		if d := math.Abs(center - lvl); d < best {
			best = d
		}
	}
	rel := best / center
	const span = 0.02
	if rel >= span {
		return 0
	}
	return 1 - rel/span
}
