package chain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"massive/internal/epoch"
	"massive/internal/marketdata"
	"massive/internal/store"
)

func SnapshotKey(underlying string) string { return "chain:" + underlying }

// Discovery periodically fetches full chain geometry per underlying, filters
// it to the tracked DTE window and seeds a new epoch from the result. The
// worker republishes exactly what the provider returned: missing strikes are
// never fabricated, and a window with absent expected expiries is tagged
// structurally incomplete so consumers can skip.
type Discovery struct {
	Source        marketdata.Source
	Store         store.Store
	Epochs        *epoch.Manager
	Logger        *zap.Logger
	Underlyings   []string
	DTEWindowDays int
	SnapshotTTL   time.Duration

	mu        sync.Mutex
	lastPoll  map[string]time.Time
	lastError map[string]string
}

// PollOnce runs one discovery cycle over every tracked underlying. A failure
// on one underlying never affects another's pipeline.
func (d *Discovery) PollOnce(ctx context.Context) {
	for _, underlying := range d.Underlyings {
		if ctx.Err() != nil {
			return
		}
		d.pollUnderlying(ctx, underlying)
	}
}

func (d *Discovery) pollUnderlying(ctx context.Context, underlying string) {
	snap, err := d.Source.FetchChain(ctx, underlying)
	now := time.Now().UTC()
	if err != nil {
		d.setHealth(underlying, now, err)
		if d.Logger != nil {
			d.Logger.Warn("chain fetch failed", zap.String("underlying", underlying), zap.Error(err))
		}
		return
	}
	d.setHealth(underlying, now, nil)

	snap = FilterDTE(snap, d.DTEWindowDays, now)

	if err := d.storeSnapshot(ctx, snap); err != nil {
		if d.Logger != nil {
			d.Logger.Warn("snapshot write failed", zap.String("underlying", underlying), zap.Error(err))
		}
	}

	if len(snap.Contracts) == 0 {
		if d.Logger != nil {
			d.Logger.Warn("empty chain snapshot, epoch left unchanged", zap.String("underlying", underlying))
		}
		return
	}
	if _, err := d.Epochs.Begin(ctx, snap); err != nil {
		if d.Logger != nil {
			d.Logger.Warn("epoch begin failed", zap.String("underlying", underlying), zap.Error(err))
		}
	}
}

// FilterDTE keeps contracts expiring within windowDays of now and decides the
// structural-incompleteness tag: the window is incomplete when it should
// contain the front expiry but the provider returned no contracts for it.
func FilterDTE(snap marketdata.ChainSnapshot, windowDays int, now time.Time) marketdata.ChainSnapshot {
	if windowDays <= 0 {
		windowDays = 5
	}
	cutoff := now.AddDate(0, 0, windowDays)
	today := now.UTC().Truncate(24 * time.Hour)

	kept := make([]marketdata.ContractEntry, 0, len(snap.Contracts))
	expiries := map[string]int{}
	for _, c := range snap.Contracts {
		if c.Expiration.Before(today) || c.Expiration.After(cutoff) {
			continue
		}
		kept = append(kept, c)
		expiries[c.Expiration.Format("2006-01-02")]++
	}

	out := snap
	out.Contracts = kept

	// Expect at least the front expiry (0-2 DTE skipping weekends) inside any
	// multi-day window. Its absence marks the snapshot incomplete.
	if len(kept) == 0 {
		out.Incomplete = true
		return out
	}
	front := false
	for off := 0; off <= 2 && off <= windowDays; off++ {
		day := today.AddDate(0, 0, off)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		if expiries[day.Format("2006-01-02")] > 0 {
			front = true
			break
		}
	}
	out.Incomplete = !front
	return out
}

func (d *Discovery) storeSnapshot(ctx context.Context, snap marketdata.ChainSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ttl := d.SnapshotTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return d.Store.Set(ctx, SnapshotKey(snap.Underlying), raw, ttl)
}

// Latest returns the most recent stored snapshot for an underlying, if one is
// still live.
func Latest(ctx context.Context, s store.Store, underlying string) (marketdata.ChainSnapshot, bool, error) {
	raw, found, err := s.Get(ctx, SnapshotKey(underlying))
	if err != nil || !found {
		return marketdata.ChainSnapshot{}, false, err
	}
	var snap marketdata.ChainSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return marketdata.ChainSnapshot{}, false, err
	}
	return snap, true, nil
}

// Health reports per-underlying worker state for the health surface.
func (d *Discovery) Health() map[string]WorkerHealth {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]WorkerHealth, len(d.lastPoll))
	for u, ts := range d.lastPoll {
		out[u] = WorkerHealth{LastPollAt: ts, LastError: d.lastError[u]}
	}
	return out
}

type WorkerHealth struct {
	LastPollAt time.Time `json:"last_poll_at"`
	LastError  string    `json:"last_error,omitempty"`
}

func (d *Discovery) setHealth(underlying string, ts time.Time, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastPoll == nil {
		d.lastPoll = map[string]time.Time{}
		d.lastError = map[string]string{}
	}
	d.lastPoll[underlying] = ts
	if err != nil {
		d.lastError[underlying] = err.Error()
	} else {
		delete(d.lastError, underlying)
	}
}
