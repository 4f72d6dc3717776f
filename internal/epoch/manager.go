package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"massive/internal/marketdata"
	"massive/internal/metrics"
	"massive/internal/store"
)

// Manager owns the current-epoch pointer per underlying and the substrate
// namespace each epoch's canonical records live in.
//
// Begin builds the new namespace in full before swapping the pointer, so a
// reader resolving the pointer always observes a completely populated
// generation. Superseded namespaces are deleted after a grace period; record
// TTLs bound their lifetime either way.
type Manager struct {
	Store     store.Store
	Registry  *Registry
	Logger    *zap.Logger
	RecordTTL time.Duration
	Grace     time.Duration

	mu      sync.Mutex
	seeding map[string]*sync.Mutex
}

// seedLock serializes Begin per underlying. Without it two overlapping
// discovery cycles would read the same pointer, both seed namespace N+1 and
// interleave their records under one epoch id.
func (m *Manager) seedLock(underlying string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeding == nil {
		m.seeding = map[string]*sync.Mutex{}
	}
	l := m.seeding[underlying]
	if l == nil {
		l = &sync.Mutex{}
		m.seeding[underlying] = l
	}
	return l
}

// Begin seeds epoch N+1 for the snapshot's underlying and atomically makes it
// current. A contract that a normalizer rejects is skipped and logged; it
// never aborts the transition.
func (m *Manager) Begin(ctx context.Context, snap marketdata.ChainSnapshot) (Epoch, error) {
	if snap.Underlying == "" {
		return Epoch{}, fmt.Errorf("snapshot has no underlying")
	}
	lock := m.seedLock(snap.Underlying)
	lock.Lock()
	defer lock.Unlock()

	prev, hasPrev, err := m.Current(ctx, snap.Underlying)
	if err != nil {
		return Epoch{}, fmt.Errorf("resolve current epoch: %w", err)
	}
	next := Epoch{
		ID:         1,
		Underlying: snap.Underlying,
		SeededAt:   snap.Taken,
		Incomplete: snap.Incomplete,
	}
	if hasPrev {
		next.ID = prev.ID + 1
	}

	written := 0
	for _, family := range m.Registry.Families() {
		n, _ := m.Registry.Get(family)
		for _, entry := range snap.Contracts {
			rec, ok := n.NormalizeSnapshot(entry)
			if !ok {
				metrics.ContractsSkipped.WithLabelValues(family).Inc()
				if m.Logger != nil {
					m.Logger.Debug("contract skipped during normalization",
						zap.String("family", family),
						zap.String("symbol", entry.Symbol),
					)
				}
				continue
			}
			if err := m.writeRecord(ctx, family, next.ID, rec); err != nil {
				metrics.ContractsSkipped.WithLabelValues(family).Inc()
				if m.Logger != nil {
					m.Logger.Warn("record write failed",
						zap.String("family", family),
						zap.String("symbol", rec.Symbol),
						zap.Error(err),
					)
				}
				continue
			}
			metrics.ContractsNormalized.WithLabelValues(family).Inc()
			written++
		}
	}
	next.Contracts = written

	raw, err := json.Marshal(next)
	if err != nil {
		return Epoch{}, err
	}
	if err := m.Store.Set(ctx, CurrentKey(snap.Underlying), raw, 0); err != nil {
		return Epoch{}, fmt.Errorf("swap epoch pointer: %w", err)
	}
	metrics.EpochsBuilt.WithLabelValues(snap.Underlying).Inc()
	if m.Logger != nil {
		m.Logger.Info("epoch swapped",
			zap.String("underlying", snap.Underlying),
			zap.Int64("epoch", next.ID),
			zap.Int("records", written),
			zap.Bool("incomplete", next.Incomplete),
		)
	}

	if hasPrev {
		m.scheduleGC(prev)
	}
	return next, nil
}

// Current resolves the live epoch for an underlying. found=false means cold
// start: no chain snapshot has seeded this underlying yet.
func (m *Manager) Current(ctx context.Context, underlying string) (Epoch, bool, error) {
	raw, found, err := m.Store.Get(ctx, CurrentKey(underlying))
	if err != nil || !found {
		return Epoch{}, false, err
	}
	var ep Epoch
	if err := json.Unmarshal(raw, &ep); err != nil {
		return Epoch{}, false, fmt.Errorf("decode epoch pointer: %w", err)
	}
	return ep, true, nil
}

// Records returns the current epoch's canonical records for one family,
// ordered by contract symbol. Expired records are simply absent.
func (m *Manager) Records(ctx context.Context, family, underlying string) (Epoch, []Record, error) {
	ep, found, err := m.Current(ctx, underlying)
	if err != nil || !found {
		return Epoch{}, nil, err
	}
	entries, err := m.Store.List(ctx, recordPrefix(family, underlying, ep.ID))
	if err != nil {
		return Epoch{}, nil, err
	}
	recs := make([]Record, 0, len(entries))
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			if m.Logger != nil {
				m.Logger.Warn("undecodable canonical record", zap.String("key", e.Key), zap.Error(err))
			}
			continue
		}
		recs = append(recs, rec)
	}
	return ep, recs, nil
}

// Hydrate refreshes the price fields of the existing canonical records for
// one contract across every registered family. It never creates records: a
// tick for a contract the current epoch does not know is reported as
// updated=false and dropped by the caller.
func (m *Manager) Hydrate(ctx context.Context, ref marketdata.OptionRef, tick marketdata.Tick) (bool, error) {
	ep, found, err := m.Current(ctx, ref.Underlying)
	if err != nil || !found {
		return false, err
	}
	symbol := marketdata.FormatOptionSymbol(ref)
	updated := false
	for _, family := range m.Registry.Families() {
		n, _ := m.Registry.Get(family)
		key := RecordKey(family, ref.Underlying, ep.ID, symbol)
		raw, ok, err := m.Store.Get(ctx, key)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		rec = n.NormalizeTick(rec, tick)
		if err := m.writeRecord(ctx, family, ep.ID, rec); err != nil {
			return updated, err
		}
		updated = true
	}
	return updated, nil
}

func (m *Manager) writeRecord(ctx context.Context, family string, epochID int64, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.Store.Set(ctx, RecordKey(family, rec.Underlying, epochID, rec.Symbol), raw, m.RecordTTL)
}

func (m *Manager) scheduleGC(old Epoch) {
	grace := m.Grace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, family := range m.Registry.Families() {
			entries, err := m.Store.List(ctx, recordPrefix(family, old.Underlying, old.ID))
			if err != nil {
				continue
			}
			for _, e := range entries {
				_ = m.Store.Delete(ctx, e.Key)
			}
		}
		if m.Logger != nil {
			m.Logger.Debug("old epoch collected",
				zap.String("underlying", old.Underlying),
				zap.Int64("epoch", old.ID),
			)
		}
	})
}
