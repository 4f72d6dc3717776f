package spot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"massive/internal/marketdata"
	"massive/internal/metrics"
	"massive/internal/store"
)

const Channel = "spot"

func QuoteKey(symbol string) string { return "spot:" + symbol }
func TrailKey(symbol string) string { return "spot:trail:" + symbol }

// TrailPoint is one sample in an underlying's rolling price trail.
type TrailPoint struct {
	Price float64   `json:"price"`
	AsOf  time.Time `json:"as_of"`
}

// Poller fetches the current price for each tracked underlying on a fixed
// interval, maintains the bounded trail and publishes the latest value. A
// failed fetch skips that symbol's cycle; a stale value is never re-stamped.
type Poller struct {
	Source      marketdata.Source
	Store       store.Store
	Logger      *zap.Logger
	Symbols     []string
	TrailLength int

	mu        sync.Mutex
	lastPoll  map[string]time.Time
	lastError map[string]string
}

// PollOnce runs one cycle over every tracked symbol.
func (p *Poller) PollOnce(ctx context.Context) {
	for _, symbol := range p.Symbols {
		if ctx.Err() != nil {
			return
		}
		p.pollSymbol(ctx, symbol)
	}
}

func (p *Poller) pollSymbol(ctx context.Context, symbol string) {
	quote, err := p.Source.FetchSpot(ctx, symbol)
	now := time.Now().UTC()
	if err != nil {
		metrics.SpotFetchErrors.WithLabelValues(symbol).Inc()
		p.setHealth(symbol, now, err)
		if p.Logger != nil {
			p.Logger.Warn("spot fetch failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	p.setHealth(symbol, now, nil)

	raw, err := json.Marshal(quote)
	if err != nil {
		return
	}
	if err := p.Store.Set(ctx, QuoteKey(symbol), raw, 0); err != nil {
		if p.Logger != nil {
			p.Logger.Warn("spot write failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	if err := p.appendTrail(ctx, symbol, TrailPoint{Price: quote.Price, AsOf: quote.AsOf}); err != nil {
		if p.Logger != nil {
			p.Logger.Warn("trail write failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	_ = p.Store.Publish(ctx, Channel, raw)
}

func (p *Poller) appendTrail(ctx context.Context, symbol string, point TrailPoint) error {
	trail, err := p.Trail(ctx, symbol)
	if err != nil {
		return err
	}
	trail = append(trail, point)
	limit := p.TrailLength
	if limit <= 0 {
		limit = 600
	}
	if len(trail) > limit {
		trail = trail[len(trail)-limit:]
	}
	raw, err := json.Marshal(trail)
	if err != nil {
		return err
	}
	return p.Store.Set(ctx, TrailKey(symbol), raw, 0)
}

// Trail returns the rolling price trail for a symbol, oldest first.
func (p *Poller) Trail(ctx context.Context, symbol string) ([]TrailPoint, error) {
	raw, found, err := p.Store.Get(ctx, TrailKey(symbol))
	if err != nil || !found {
		return nil, err
	}
	var trail []TrailPoint
	if err := json.Unmarshal(raw, &trail); err != nil {
		return nil, err
	}
	return trail, nil
}

// Health reports the last poll time and error per symbol for the health
// surface.
func (p *Poller) Health() map[string]SymbolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]SymbolHealth, len(p.lastPoll))
	for sym, ts := range p.lastPoll {
		out[sym] = SymbolHealth{LastPollAt: ts, LastError: p.lastError[sym]}
	}
	return out
}

type SymbolHealth struct {
	LastPollAt time.Time `json:"last_poll_at"`
	LastError  string    `json:"last_error,omitempty"`
}

func (p *Poller) setHealth(symbol string, ts time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPoll == nil {
		p.lastPoll = map[string]time.Time{}
		p.lastError = map[string]string{}
	}
	p.lastPoll[symbol] = ts
	if err != nil {
		p.lastError[symbol] = err.Error()
	} else {
		delete(p.lastError, symbol)
	}
}
