package hydrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"massive/internal/epoch"
	"massive/internal/marketdata"
	"massive/internal/metrics"
)

// Hydrator consumes the live tick feed through a bounded queue, batches ticks
// over a short window to bound write amplification, and refreshes the price
// fields of existing canonical records. It never creates records: ticks for
// contracts outside the current epoch are counted and dropped.
type Hydrator struct {
	Epochs *epoch.Manager
	Logger *zap.Logger

	BatchWindow time.Duration
	BatchMax    int
	QueueSize   int

	initOnce sync.Once
	queue    chan marketdata.Tick

	droppedQueue uint64
	droppedParse uint64
	droppedMiss  uint64
	hydrated     uint64
}

func (h *Hydrator) init() {
	h.initOnce.Do(func() {
		if h.BatchWindow <= 0 {
			h.BatchWindow = 250 * time.Millisecond
		}
		if h.BatchMax <= 0 {
			h.BatchMax = 256
		}
		if h.QueueSize <= 0 {
			h.QueueSize = 4096
		}
		h.queue = make(chan marketdata.Tick, h.QueueSize)
	})
}

// Enqueue accepts a tick from the stream. Under sustained backpressure the
// oldest queued tick is discarded: a print older than a few seconds is
// worthless to this pipeline.
func (h *Hydrator) Enqueue(tick marketdata.Tick) {
	h.init()
	for {
		select {
		case h.queue <- tick:
			return
		default:
		}
		select {
		case <-h.queue:
			atomic.AddUint64(&h.droppedQueue, 1)
			metrics.TicksDropped.WithLabelValues("queue_full").Inc()
		default:
		}
	}
}

// Run drains the queue until ctx is cancelled, flushing a batch when the
// window elapses or the batch cap is hit.
func (h *Hydrator) Run(ctx context.Context) error {
	h.init()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
		batch   []marketdata.Tick
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.applyBatch(ctx, batch)
		batch = batch[:0]
	}

	statsTicker := time.NewTicker(60 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statsTicker.C:
			if h.Logger != nil {
				h.Logger.Info("hydrator stats",
					zap.Uint64("hydrated", atomic.LoadUint64(&h.hydrated)),
					zap.Uint64("dropped_queue", atomic.LoadUint64(&h.droppedQueue)),
					zap.Uint64("dropped_parse", atomic.LoadUint64(&h.droppedParse)),
					zap.Uint64("dropped_unknown", atomic.LoadUint64(&h.droppedMiss)),
				)
			}
		case tick := <-h.queue:
			batch = append(batch, tick)
			if len(batch) == 1 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(h.BatchWindow)
				timerCh = timer.C
			}
			if len(batch) >= h.BatchMax {
				if timer != nil {
					timer.Stop()
				}
				timerCh = nil
				flush()
			}
		case <-timerCh:
			timerCh = nil
			flush()
		}
	}
}

// applyBatch hydrates each tick in arrival order; within the window the last
// writer wins per contract, which is the ordering the feed already implies.
func (h *Hydrator) applyBatch(ctx context.Context, batch []marketdata.Tick) {
	for _, tick := range batch {
		if ctx.Err() != nil {
			return
		}
		ref, err := marketdata.ParseOptionSymbol(tick.Symbol)
		if err != nil {
			atomic.AddUint64(&h.droppedParse, 1)
			metrics.TicksDropped.WithLabelValues("bad_symbol").Inc()
			if h.Logger != nil {
				h.Logger.Debug("tick symbol rejected", zap.String("symbol", tick.Symbol), zap.Error(err))
			}
			continue
		}
		metrics.TicksIngested.WithLabelValues(ref.Underlying).Inc()

		updated, err := h.Epochs.Hydrate(ctx, ref, tick)
		if err != nil {
			if h.Logger != nil && !errors.Is(err, context.Canceled) {
				h.Logger.Warn("hydration failed", zap.String("symbol", tick.Symbol), zap.Error(err))
			}
			continue
		}
		if !updated {
			// No canonical record: tick arrived before the snapshot or the
			// contract sits outside the tracked DTE window.
			atomic.AddUint64(&h.droppedMiss, 1)
			metrics.TicksDropped.WithLabelValues("no_record").Inc()
			continue
		}
		atomic.AddUint64(&h.hydrated, 1)
		metrics.RecordsHydrated.WithLabelValues(ref.Underlying).Inc()
	}
}

// Dropped reports the total ticks discarded so far, by reason.
func (h *Hydrator) Dropped() (queue, parse, unknown uint64) {
	return atomic.LoadUint64(&h.droppedQueue),
		atomic.LoadUint64(&h.droppedParse),
		atomic.LoadUint64(&h.droppedMiss)
}
