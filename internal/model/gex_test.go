package model

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"massive/internal/chain"
	"massive/internal/marketdata"
	"massive/internal/publish"
	"massive/internal/store"
)

func gexContract(strike, gamma float64, right marketdata.Right, oi int64) marketdata.ContractEntry {
	return marketdata.ContractEntry{
		Symbol: marketdata.FormatOptionSymbol(marketdata.OptionRef{
			Underlying: "SPX",
			Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
			Right:      right,
			Strike:     strike,
		}),
		Underlying:   "SPX",
		Strike:       strike,
		Expiration:   time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
		Right:        right,
		Gamma:        gamma,
		OpenInterest: oi,
		Multiplier:   100,
	}
}

func TestComputeGEX_SignsAndFlip(t *testing.T) {
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC),
		Contracts: []marketdata.ContractEntry{
			gexContract(5980, 0.10, marketdata.Call, 100),
			gexContract(6000, 0.40, marketdata.Call, 100),
			gexContract(6020, 0.20, marketdata.Put, 100),
			gexContract(6040, 0.30, marketdata.Put, 100),
		},
	}
	payload := ComputeGEX(snap)
	if len(payload.Strikes) != 4 {
		t.Fatalf("strikes=%d want=4", len(payload.Strikes))
	}

	wantNet := []float64{1000, 4000, -2000, -3000}
	for i, w := range wantNet {
		if got := payload.Strikes[i].Net; math.Abs(got-w) > 1e-9 {
			t.Fatalf("strikes[%d].net=%v want=%v", i, got, w)
		}
	}
	if got := payload.Strikes[3].Cumulative; math.Abs(got) > 1e-9 {
		t.Fatalf("cumulative tail=%v want=0", got)
	}

	if payload.FlipLevel == nil {
		t.Fatalf("flip level missing")
	}
	// Net crosses zero between 6000 (+4000) and 6020 (-2000):
	// 6000 + 4000/6000 * 20 = 6013.33.
	if got := *payload.FlipLevel; math.Abs(got-6013.3333) > 0.01 {
		t.Fatalf("flip=%v want≈6013.33", got)
	}
}

func TestComputeGEX_MergesRightsPerStrike(t *testing.T) {
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Contracts: []marketdata.ContractEntry{
			gexContract(6000, 0.30, marketdata.Call, 100),
			gexContract(6000, 0.10, marketdata.Put, 100),
		},
	}
	payload := ComputeGEX(snap)
	if len(payload.Strikes) != 1 {
		t.Fatalf("strikes=%d want=1", len(payload.Strikes))
	}
	s := payload.Strikes[0]
	if s.Call != 3000 || s.Put != -1000 || s.Net != 2000 {
		t.Fatalf("strike=%+v", s)
	}
	if payload.FlipLevel != nil {
		t.Fatalf("flip=%v want=nil (no sign change)", *payload.FlipLevel)
	}
}

func TestGEXBuilder_SkipsIncompleteSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &publish.Publisher{Store: st}
	b := &GEXBuilder{Store: st, Pub: pub}
	ctx := context.Background()

	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      time.Now().UTC(),
		Contracts:  []marketdata.ContractEntry{gexContract(6000, 0.4, marketdata.Call, 100)},
		Incomplete: true,
	}
	raw, _ := json.Marshal(snap)
	if err := st.Set(ctx, chain.SnapshotKey("SPX"), raw, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	published, err := b.Build(ctx, "SPX")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if published {
		t.Fatalf("published=true for incomplete snapshot")
	}
	if _, found, _ := pub.Latest(ctx, FamilyGEX, "SPX"); found {
		t.Fatalf("model written despite skip")
	}
}

func TestGEXBuilder_PublishesFromSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &publish.Publisher{Store: st}
	b := &GEXBuilder{Store: st, Pub: pub}
	ctx := context.Background()
	taken := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      taken,
		Contracts:  []marketdata.ContractEntry{gexContract(6000, 0.4, marketdata.Call, 100)},
	}
	raw, _ := json.Marshal(snap)
	if err := st.Set(ctx, chain.SnapshotKey("SPX"), raw, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	published, err := b.Build(ctx, "SPX")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if !published {
		t.Fatalf("published=false")
	}
	env, found, err := pub.Latest(ctx, FamilyGEX, "SPX")
	if err != nil || !found {
		t.Fatalf("latest: found=%v err=%v", found, err)
	}
	if !env.ComputedAt.Equal(taken) {
		t.Fatalf("computed_at=%v want snapshot taken=%v", env.ComputedAt, taken)
	}
	var payload GEXPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Strikes) != 1 || payload.Strikes[0].Net != 4000 {
		t.Fatalf("payload=%+v", payload)
	}
}
