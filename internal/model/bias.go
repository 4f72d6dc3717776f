package model

import (
	"context"
	"encoding/json"
	"math"

	"go.uber.org/zap"

	"massive/internal/epoch"
	"massive/internal/publish"
)

type BiasPayload struct {
	Underlying string  `json:"underlying"`
	GammaBias  float64 `json:"gamma_bias"` // [-100, 100]
	LFI        float64 `json:"lfi"`        // [0, 100]
	Mode       string  `json:"mode"`       // compression, transition, expansion
}

// BiasBuilder combines directional gamma pressure from the published GEX
// model with a liquidity/flow imbalance measure from the substrate into two
// bounded scores and a market-mode label.
type BiasBuilder struct {
	Epochs *epoch.Manager
	Pub    *publish.Publisher
	Logger *zap.Logger

	GammaScale     float64
	CompressionAbs float64
	ExpansionAbs   float64
}

func (b *BiasBuilder) Family() string         { return FamilyBias }
func (b *BiasBuilder) DataSource() DataSource { return SourceSubstrate }

func (b *BiasBuilder) Build(ctx context.Context, underlying string) (bool, error) {
	gexEnv, found, err := b.Pub.Latest(ctx, FamilyGEX, underlying)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	var gex GEXPayload
	if err := json.Unmarshal(gexEnv.Payload, &gex); err != nil {
		return false, err
	}
	ep, recs, err := b.Epochs.Records(ctx, FamilyBias, underlying)
	if err != nil {
		return false, err
	}
	if ep.ID == 0 || len(recs) == 0 {
		return false, nil
	}

	payload := b.compute(underlying, gex, recs)
	computedAt := latestUpdate(recs)
	if gexEnv.ComputedAt.After(computedAt) {
		computedAt = gexEnv.ComputedAt
	}
	if _, err := b.Pub.Publish(ctx, FamilyBias, underlying, computedAt, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (b *BiasBuilder) compute(underlying string, gex GEXPayload, recs []epoch.Record) BiasPayload {
	scale := b.GammaScale
	if scale <= 0 {
		scale = 1e9
	}
	var netGamma float64
	for _, s := range gex.Strikes {
		netGamma += s.Net
	}
	gammaBias := clamp(100*math.Tanh(netGamma/scale), -100, 100)

	// Liquidity from quoted spreads: tight books score high, wide or one-sided
	// books score low.
	var relSpreads float64
	quoted := 0
	for _, rec := range recs {
		if rec.Bid <= 0 || rec.Ask <= 0 || rec.Mid <= 0 {
			continue
		}
		relSpreads += (rec.Ask - rec.Bid) / rec.Mid
		quoted++
	}
	lfi := 0.0
	if quoted > 0 {
		avg := relSpreads / float64(quoted)
		lfi = clamp(100*(1-avg*5), 0, 100)
		// Thin coverage caps the score regardless of spread quality.
		coverage := float64(quoted) / float64(len(recs))
		lfi *= coverage
	}

	compression := b.CompressionAbs
	if compression <= 0 {
		compression = 60
	}
	expansion := b.ExpansionAbs
	if expansion <= 0 {
		expansion = 25
	}
	mode := "transition"
	switch {
	case gammaBias >= compression:
		mode = "compression"
	case gammaBias <= -expansion:
		mode = "expansion"
	}

	return BiasPayload{
		Underlying: underlying,
		GammaBias:  round2(gammaBias),
		LFI:        round2(lfi),
		Mode:       mode,
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
