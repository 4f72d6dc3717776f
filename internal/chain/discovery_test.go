package chain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"massive/internal/epoch"
	"massive/internal/marketdata"
	"massive/internal/store"
)

type stubSource struct {
	snap marketdata.ChainSnapshot
	err  error
}

func (s *stubSource) FetchSpot(ctx context.Context, symbol string) (marketdata.SpotQuote, error) {
	return marketdata.SpotQuote{}, fmt.Errorf("not implemented")
}

func (s *stubSource) FetchChain(ctx context.Context, underlying string) (marketdata.ChainSnapshot, error) {
	if s.err != nil {
		return marketdata.ChainSnapshot{}, s.err
	}
	return s.snap, nil
}

func chainContract(strike float64, exp time.Time) marketdata.ContractEntry {
	return marketdata.ContractEntry{
		Symbol: marketdata.FormatOptionSymbol(marketdata.OptionRef{
			Underlying: "SPX",
			Expiration: exp,
			Right:      marketdata.Call,
			Strike:     strike,
		}),
		Underlying: "SPX",
		Strike:     strike,
		Expiration: exp,
		Right:      marketdata.Call,
		Bid:        9.5,
		Ask:        10.5,
		Mid:        10,
		Multiplier: 100,
		AsOf:       time.Now().UTC(),
	}
}

func TestFilterDTE_Window(t *testing.T) {
	now := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC) // Monday
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      now,
		Contracts: []marketdata.ContractEntry{
			chainContract(6000, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)), // already expired
			chainContract(6000, time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)),  // in window
			chainContract(6000, time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)), // beyond window
		},
	}
	out := FilterDTE(snap, 5, now)
	if len(out.Contracts) != 1 {
		t.Fatalf("contracts=%d want=1", len(out.Contracts))
	}
	if got := out.Contracts[0].Expiration.Format("2006-01-02"); got != "2026-09-02" {
		t.Fatalf("kept expiration=%s want=2026-09-02", got)
	}
	if out.Incomplete {
		t.Fatalf("incomplete=true, front expiry is present")
	}
}

func TestFilterDTE_MissingFrontExpiry(t *testing.T) {
	now := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC) // Monday
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      now,
		Contracts: []marketdata.ContractEntry{
			chainContract(6000, time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)), // 4 DTE only
		},
	}
	out := FilterDTE(snap, 5, now)
	if len(out.Contracts) != 1 {
		t.Fatalf("contracts=%d want=1", len(out.Contracts))
	}
	if !out.Incomplete {
		t.Fatalf("incomplete=false, no expiry inside 0-2 DTE")
	}
}

func TestFilterDTE_WeekendSkipped(t *testing.T) {
	now := time.Date(2026, 9, 4, 15, 0, 0, 0, time.UTC) // Friday
	snap := marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      now,
		Contracts: []marketdata.ContractEntry{
			chainContract(6000, time.Date(2026, 9, 4, 0, 0, 0, 0, time.UTC)), // same day
		},
	}
	out := FilterDTE(snap, 5, now)
	if out.Incomplete {
		t.Fatalf("incomplete=true, Friday expiry satisfies the front check")
	}

	// Monday-only chain over a weekend gap: the front slot is genuinely empty.
	snap.Contracts = []marketdata.ContractEntry{
		chainContract(6000, time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)),
	}
	out = FilterDTE(snap, 5, now)
	if !out.Incomplete {
		t.Fatalf("incomplete=false, front Friday missing")
	}
}

func TestFilterDTE_EmptyChain(t *testing.T) {
	now := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)
	out := FilterDTE(marketdata.ChainSnapshot{Underlying: "SPX", Taken: now}, 5, now)
	if len(out.Contracts) != 0 || !out.Incomplete {
		t.Fatalf("empty chain: contracts=%d incomplete=%v", len(out.Contracts), out.Incomplete)
	}
}

func TestDiscoveryPollOnce_SeedsEpoch(t *testing.T) {
	st := store.NewMemoryStore()
	epochs := &epoch.Manager{
		Store:    st,
		Registry: epoch.NewRegistry(epoch.HeatmapNormalizer{}),
		Grace:    time.Hour,
	}
	exp := time.Now().UTC().AddDate(0, 0, 1).Truncate(24 * time.Hour)
	src := &stubSource{snap: marketdata.ChainSnapshot{
		Underlying: "SPX",
		Taken:      time.Now().UTC(),
		Contracts:  []marketdata.ContractEntry{chainContract(6000, exp)},
	}}
	d := &Discovery{
		Source:        src,
		Store:         st,
		Epochs:        epochs,
		Underlyings:   []string{"SPX"},
		DTEWindowDays: 5,
		SnapshotTTL:   time.Minute,
	}
	ctx := context.Background()
	d.PollOnce(ctx)

	snap, found, err := Latest(ctx, st, "SPX")
	if err != nil || !found {
		t.Fatalf("latest: found=%v err=%v", found, err)
	}
	if len(snap.Contracts) != 1 {
		t.Fatalf("stored contracts=%d want=1", len(snap.Contracts))
	}
	ep, found, err := epochs.Current(ctx, "SPX")
	if err != nil || !found {
		t.Fatalf("current: found=%v err=%v", found, err)
	}
	if ep.ID != 1 {
		t.Fatalf("epoch id=%d want=1", ep.ID)
	}
	health := d.Health()
	if h, ok := health["SPX"]; !ok || h.LastError != "" {
		t.Fatalf("health=%+v want clean poll", health)
	}
}

func TestDiscoveryPollOnce_FetchFailureLeavesStateAlone(t *testing.T) {
	st := store.NewMemoryStore()
	epochs := &epoch.Manager{
		Store:    st,
		Registry: epoch.NewRegistry(epoch.HeatmapNormalizer{}),
		Grace:    time.Hour,
	}
	src := &stubSource{err: fmt.Errorf("provider down")}
	d := &Discovery{
		Source:        src,
		Store:         st,
		Epochs:        epochs,
		Underlyings:   []string{"SPX"},
		DTEWindowDays: 5,
	}
	ctx := context.Background()
	d.PollOnce(ctx)

	if _, found, _ := Latest(ctx, st, "SPX"); found {
		t.Fatalf("snapshot stored despite fetch failure")
	}
	if _, found, _ := epochs.Current(ctx, "SPX"); found {
		t.Fatalf("epoch seeded despite fetch failure")
	}
	if h := d.Health()["SPX"]; h.LastError == "" {
		t.Fatalf("health error not recorded: %+v", h)
	}
}
