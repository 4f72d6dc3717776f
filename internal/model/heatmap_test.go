package model

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"massive/internal/epoch"
	"massive/internal/marketdata"
	"massive/internal/publish"
	"massive/internal/store"
)

func heatmapRecord(strike, mid float64, asOf time.Time) epoch.Record {
	return epoch.Record{
		Symbol: marketdata.FormatOptionSymbol(marketdata.OptionRef{
			Underlying: "SPX",
			Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
			Right:      marketdata.Call,
			Strike:     strike,
		}),
		Underlying: "SPX",
		Strike:     strike,
		Expiration: "2026-09-04",
		Right:      marketdata.Call,
		Bid:        mid - 0.5,
		Ask:        mid + 0.5,
		Mid:        mid,
		Multiplier: 100,
		UpdatedAt:  asOf,
	}
}

func TestHeatmapCompute_TileGeometry(t *testing.T) {
	asOf := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	b := &HeatmapBuilder{MaxWidthSteps: 3}
	ep := epoch.Epoch{ID: 1, Underlying: "SPX"}
	recs := []epoch.Record{
		heatmapRecord(100, 5.0, asOf),
		heatmapRecord(105, 3.0, asOf),
		heatmapRecord(110, 1.8, asOf),
	}
	payload := b.compute(ep, recs)

	if len(payload.Ladders) != 1 {
		t.Fatalf("ladders=%d want=1", len(payload.Ladders))
	}
	ladder := payload.Ladders[0]
	if len(ladder.Strikes) != 3 || ladder.Strikes[0] != 100 || ladder.Strikes[2] != 110 {
		t.Fatalf("ladder=%+v", ladder)
	}

	// 3 singles, 3 verticals (all debits inside (0, width)) and 1 butterfly.
	byKind := map[string]int{}
	tiles := map[string]Tile{}
	for _, tile := range payload.Tiles {
		byKind[tile.Kind]++
		tiles[tile.ID] = tile
	}
	if byKind["single"] != 3 || byKind["vertical"] != 3 || byKind["butterfly"] != 1 {
		t.Fatalf("tile counts=%v", byKind)
	}

	v, ok := tiles["vertical|2026-09-04|C|100|105"]
	if !ok {
		t.Fatalf("100/105 vertical missing: %v", payload.Tiles)
	}
	if got := v.Debit.InexactFloat64(); got != 2.0 {
		t.Fatalf("vertical debit=%v want=2", got)
	}
	if v.MaxProfit == nil || v.MaxProfit.InexactFloat64() != 3.0 {
		t.Fatalf("vertical max profit=%v want=3", v.MaxProfit)
	}
	if got := v.MaxLoss.InexactFloat64(); got != 2.0 {
		t.Fatalf("vertical max loss=%v want=2", got)
	}

	fly, ok := tiles["butterfly|2026-09-04|C|100|105|110"]
	if !ok {
		t.Fatalf("butterfly missing: %v", payload.Tiles)
	}
	if got := fly.Debit.InexactFloat64(); got != 0.8 {
		t.Fatalf("fly debit=%v want=0.8", got)
	}

	single, ok := tiles["single|2026-09-04|C|100"]
	if !ok {
		t.Fatalf("single missing")
	}
	if single.MaxProfit != nil {
		t.Fatalf("single max profit=%v want=nil (unbounded)", single.MaxProfit)
	}
}

func TestHeatmapCompute_NoTileFromMissingLeg(t *testing.T) {
	asOf := time.Now().UTC()
	b := &HeatmapBuilder{MaxWidthSteps: 3}
	ep := epoch.Epoch{ID: 1, Underlying: "SPX"}

	// Gapped ladder: 100/105/115. No symmetric fly exists at any spacing
	// within reach, and it must not be synthesized from an estimated 110 leg.
	recs := []epoch.Record{
		heatmapRecord(100, 5.0, asOf),
		heatmapRecord(105, 3.0, asOf),
		heatmapRecord(115, 1.0, asOf),
	}
	payload := b.compute(ep, recs)
	for _, tile := range payload.Tiles {
		if tile.Kind == "butterfly" {
			t.Fatalf("butterfly built from gapped ladder: %+v", tile)
		}
	}
}

func TestHeatmapCompute_FlyWingIsPriceSymmetric(t *testing.T) {
	asOf := time.Now().UTC()
	b := &HeatmapBuilder{MaxWidthSteps: 3}
	ep := epoch.Epoch{ID: 1, Underlying: "SPX"}

	// Uneven spacing: the 100/110/120 fly spans two ladder steps on one side
	// and one on the other, so wing lookup must go by strike value.
	recs := []epoch.Record{
		heatmapRecord(100, 5.0, asOf),
		heatmapRecord(105, 3.0, asOf),
		heatmapRecord(110, 1.8, asOf),
		heatmapRecord(120, 1.0, asOf),
		heatmapRecord(130, 0.7, asOf),
	}
	payload := b.compute(ep, recs)

	flies := map[string]Tile{}
	for _, tile := range payload.Tiles {
		if tile.Kind == "butterfly" {
			flies[tile.ID] = tile
		}
	}
	if len(flies) != 3 {
		t.Fatalf("flies=%d want=3: %v", len(flies), flies)
	}
	wide, ok := flies["butterfly|2026-09-04|C|100|110|120"]
	if !ok {
		t.Fatalf("100/110/120 fly missing: %v", flies)
	}
	if got := wide.Debit.InexactFloat64(); got != 2.4 {
		t.Fatalf("fly debit=%v want=2.4", got)
	}
	if _, ok := flies["butterfly|2026-09-04|C|100|105|110"]; !ok {
		t.Fatalf("100/105/110 fly missing: %v", flies)
	}
	if _, ok := flies["butterfly|2026-09-04|C|110|120|130"]; !ok {
		t.Fatalf("110/120/130 fly missing: %v", flies)
	}
}

func TestHeatmapCompute_ExcludesUnquoted(t *testing.T) {
	asOf := time.Now().UTC()
	b := &HeatmapBuilder{MaxWidthSteps: 3}
	rec := heatmapRecord(100, 5.0, asOf)
	dead := heatmapRecord(105, 0, asOf)
	payload := b.compute(epoch.Epoch{ID: 1, Underlying: "SPX"}, []epoch.Record{rec, dead})
	if len(payload.Ladders) != 1 || len(payload.Ladders[0].Strikes) != 1 {
		t.Fatalf("ladders=%+v want only the quoted strike", payload.Ladders)
	}
}

func heatmapHarness(t *testing.T) (*HeatmapBuilder, *epoch.Manager, *publish.Publisher, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	epochs := &epoch.Manager{
		Store:    st,
		Registry: epoch.NewRegistry(epoch.HeatmapNormalizer{}),
		Grace:    time.Hour,
	}
	pub := &publish.Publisher{Store: st}
	return &HeatmapBuilder{Epochs: epochs, Pub: pub, MaxWidthSteps: 3}, epochs, pub, st
}

func seedHeatmapEpoch(t *testing.T, epochs *epoch.Manager, incomplete bool, taken time.Time) {
	t.Helper()
	exp := time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)
	mk := func(strike, mid float64) marketdata.ContractEntry {
		return marketdata.ContractEntry{
			Symbol: marketdata.FormatOptionSymbol(marketdata.OptionRef{
				Underlying: "SPX", Expiration: exp, Right: marketdata.Call, Strike: strike,
			}),
			Underlying: "SPX",
			Strike:     strike,
			Expiration: exp,
			Right:      marketdata.Call,
			Bid:        mid - 0.5,
			Ask:        mid + 0.5,
			Mid:        mid,
			Multiplier: 100,
			AsOf:       taken,
		}
	}
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      taken,
		Incomplete: incomplete,
		Contracts:  []marketdata.ContractEntry{mk(100, 5.0), mk(105, 3.0), mk(110, 1.8)},
	}
	if _, err := epochs.Begin(context.Background(), snap); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
}

func TestHeatmapBuild_SkipsIncompleteEpoch(t *testing.T) {
	b, epochs, pub, _ := heatmapHarness(t)
	ctx := context.Background()
	seedHeatmapEpoch(t, epochs, true, time.Now().UTC())

	published, err := b.Build(ctx, "SPX")
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if published {
		t.Fatalf("published=true on structurally incomplete epoch")
	}
	if _, found, _ := pub.Latest(ctx, FamilyHeatmap, "SPX"); found {
		t.Fatalf("model written despite skip")
	}
}

func TestHeatmapBuild_IdempotentAgainstUnchangedEpoch(t *testing.T) {
	b, epochs, pub, _ := heatmapHarness(t)
	ctx := context.Background()
	taken := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	seedHeatmapEpoch(t, epochs, false, taken)

	if published, err := b.Build(ctx, "SPX"); err != nil || !published {
		t.Fatalf("first build: published=%v err=%v", published, err)
	}
	first, _, err := pub.Latest(ctx, FamilyHeatmap, "SPX")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if !first.ComputedAt.Equal(taken) {
		t.Fatalf("computed_at=%v want=%v (derived from inputs)", first.ComputedAt, taken)
	}

	if published, err := b.Build(ctx, "SPX"); err != nil || !published {
		t.Fatalf("second build: published=%v err=%v", published, err)
	}
	second, _, err := pub.Latest(ctx, FamilyHeatmap, "SPX")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("version bumped to %d on unchanged inputs", second.Version)
	}
	if !second.ComputedAt.Equal(first.ComputedAt) {
		t.Fatalf("computed_at moved: %v -> %v", first.ComputedAt, second.ComputedAt)
	}
}

func TestHeatmapBuild_DiffAfterHydration(t *testing.T) {
	b, epochs, _, st := heatmapHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	taken := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	seedHeatmapEpoch(t, epochs, false, taken)

	if _, err := b.Build(ctx, "SPX"); err != nil {
		t.Fatalf("first build failed: %v", err)
	}

	events, err := st.Subscribe(ctx, publish.Channel)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Move one leg's mid; every tile touching that leg must show up changed.
	ref := marketdata.OptionRef{
		Underlying: "SPX",
		Expiration: time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC),
		Right:      marketdata.Call,
		Strike:     105,
	}
	if _, err := epochs.Hydrate(ctx, ref, marketdata.Tick{
		Symbol: marketdata.FormatOptionSymbol(ref),
		Bid:    3.4,
		Ask:    3.6,
		AsOf:   taken.Add(time.Second),
	}); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}
	if _, err := b.Build(ctx, "SPX"); err != nil {
		t.Fatalf("second build failed: %v", err)
	}

	var diff HeatmapDiff
	deadline := time.After(2 * time.Second)
	for diff.Changed == nil {
		select {
		case msg := <-events:
			var evt publish.Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if evt.Kind != "diff" {
				continue
			}
			if err := json.Unmarshal(evt.Diff, &diff); err != nil {
				t.Fatalf("decode diff: %v", err)
			}
		case <-deadline:
			t.Fatalf("no diff event after hydration")
		}
	}
	changed := map[string]bool{}
	for _, tile := range diff.Changed {
		changed[tile.ID] = true
	}
	if !changed["single|2026-09-04|C|105"] {
		t.Fatalf("hydrated leg's single not in diff: %+v", diff.Changed)
	}
	if !changed["vertical|2026-09-04|C|100|105"] {
		t.Fatalf("dependent vertical not in diff: %+v", diff.Changed)
	}
	if changed["single|2026-09-04|C|100"] {
		t.Fatalf("untouched single reported changed")
	}
}
