package model

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"massive/internal/chain"
	"massive/internal/marketdata"
	"massive/internal/publish"
	"massive/internal/store"
)

type GEXStrike struct {
	Strike     float64 `json:"strike"`
	Call       float64 `json:"call"`
	Put        float64 `json:"put"`
	Net        float64 `json:"net"`
	Cumulative float64 `json:"cumulative"`
}

type GEXPayload struct {
	Underlying string      `json:"underlying"`
	Strikes    []GEXStrike `json:"strikes"`
	FlipLevel  *float64    `json:"flip_level,omitempty"`
}

// GEXBuilder aggregates signed gamma exposure per strike straight from the
// latest raw chain snapshot. It needs no live-price hydration and therefore
// bypasses the canonical-record substrate entirely.
type GEXBuilder struct {
	Store  store.Store
	Pub    *publish.Publisher
	Logger *zap.Logger
}

func (b *GEXBuilder) Family() string         { return FamilyGEX }
func (b *GEXBuilder) DataSource() DataSource { return SourceSnapshot }

func (b *GEXBuilder) Build(ctx context.Context, underlying string) (bool, error) {
	snap, found, err := chain.Latest(ctx, b.Store, underlying)
	if err != nil {
		return false, err
	}
	if !found || len(snap.Contracts) == 0 || snap.Incomplete {
		return false, nil
	}
	payload := ComputeGEX(snap)
	if len(payload.Strikes) == 0 {
		return false, nil
	}
	if _, err := b.Pub.Publish(ctx, FamilyGEX, underlying, snap.Taken, payload); err != nil {
		return false, err
	}
	return true, nil
}

// ComputeGEX aggregates gamma*OI*multiplier per strike, calls positive and
// puts negative, and interpolates the flip level where the net series
// crosses zero between two bracketing strikes.
func ComputeGEX(snap marketdata.ChainSnapshot) GEXPayload {
	type bucket struct{ call, put float64 }
	byStrike := map[float64]*bucket{}
	for _, c := range snap.Contracts {
		bkt := byStrike[c.Strike]
		if bkt == nil {
			bkt = &bucket{}
			byStrike[c.Strike] = bkt
		}
		exposure := c.Gamma * float64(c.OpenInterest) * c.Multiplier
		if c.Right == marketdata.Put {
			bkt.put -= exposure
		} else {
			bkt.call += exposure
		}
	}

	strikes := make([]float64, 0, len(byStrike))
	for s := range byStrike {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)

	payload := GEXPayload{Underlying: snap.Underlying}
	cum := 0.0
	for _, s := range strikes {
		bkt := byStrike[s]
		net := bkt.call + bkt.put
		cum += net
		payload.Strikes = append(payload.Strikes, GEXStrike{
			Strike:     s,
			Call:       bkt.call,
			Put:        bkt.put,
			Net:        net,
			Cumulative: cum,
		})
	}
	payload.FlipLevel = flipLevel(payload.Strikes)
	return payload
}

// flipLevel finds the first adjacent strike pair whose net gamma changes
// sign, scanning upward, and linearly interpolates the zero crossing.
func flipLevel(strikes []GEXStrike) *float64 {
	for i := 0; i+1 < len(strikes); i++ {
		a, b := strikes[i], strikes[i+1]
		if a.Net == 0 {
			v := a.Strike
			return &v
		}
		if (a.Net > 0 && b.Net < 0) || (a.Net < 0 && b.Net > 0) {
			frac := a.Net / (a.Net - b.Net)
			v := a.Strike + frac*(b.Strike-a.Strike)
			return &v
		}
	}
	return nil
}
