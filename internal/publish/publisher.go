package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"massive/internal/metrics"
	"massive/internal/store"
)

// Channel carries model change notifications for every family.
const Channel = "models"

func ModelKey(family, underlying string) string {
	return fmt.Sprintf("model:%s:%s", family, underlying)
}

// Envelope wraps a published model payload. ComputedAt is derived from the
// model's inputs (epoch seed or snapshot time), not the wall clock, so an
// unchanged input set publishes byte-identical envelopes; consumers use it as
// the staleness stamp.
type Envelope struct {
	Family     string          `json:"family"`
	Underlying string          `json:"underlying"`
	Version    int64           `json:"version"`
	ComputedAt time.Time       `json:"computed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Event is the pub/sub notification emitted per publish.
type Event struct {
	Kind       string          `json:"kind"` // "replace" or "diff"
	Family     string          `json:"family"`
	Underlying string          `json:"underlying"`
	Version    int64           `json:"version"`
	Diff       json.RawMessage `json:"diff,omitempty"`
}

// Publisher writes finished models to the key-value surface and notifies the
// bus. It replaces the prior value wholesale; history beyond what diffing
// needs is not kept.
type Publisher struct {
	Store  store.Store
	Logger *zap.Logger
}

// Latest returns the last published envelope for a model slot.
func (p *Publisher) Latest(ctx context.Context, family, underlying string) (Envelope, bool, error) {
	raw, found, err := p.Store.Get(ctx, ModelKey(family, underlying))
	if err != nil || !found {
		return Envelope{}, false, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, fmt.Errorf("decode model envelope: %w", err)
	}
	return env, true, nil
}

// Publish replaces the model slot and emits a replace event. The version
// advances only when the payload bytes actually change, so re-running a
// builder against unchanged inputs republishes the identical envelope.
func (p *Publisher) Publish(ctx context.Context, family, underlying string, computedAt time.Time, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", family, err)
	}
	env := Envelope{
		Family:     family,
		Underlying: underlying,
		Version:    1,
		ComputedAt: computedAt.UTC(),
		Payload:    body,
	}
	prev, found, err := p.Latest(ctx, family, underlying)
	if err != nil {
		return Envelope{}, err
	}
	if found {
		if bytes.Equal(prev.Payload, body) && prev.ComputedAt.Equal(env.ComputedAt) {
			env.Version = prev.Version
		} else {
			env.Version = prev.Version + 1
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.Store.Set(ctx, ModelKey(family, underlying), raw, 0); err != nil {
		return Envelope{}, fmt.Errorf("write model %s/%s: %w", family, underlying, err)
	}
	metrics.ModelsPublished.WithLabelValues(family).Inc()

	evt, err := json.Marshal(Event{
		Kind:       "replace",
		Family:     family,
		Underlying: underlying,
		Version:    env.Version,
	})
	if err == nil {
		if err := p.Store.Publish(ctx, Channel, evt); err != nil && p.Logger != nil {
			p.Logger.Warn("model event publish failed", zap.String("family", family), zap.Error(err))
		}
	}
	return env, nil
}

// PublishDiff emits an incremental diff event alongside the replace for
// transports that support it.
func (p *Publisher) PublishDiff(ctx context.Context, family, underlying string, version int64, diff any) error {
	body, err := json.Marshal(diff)
	if err != nil {
		return err
	}
	evt, err := json.Marshal(Event{
		Kind:       "diff",
		Family:     family,
		Underlying: underlying,
		Version:    version,
		Diff:       body,
	})
	if err != nil {
		return err
	}
	return p.Store.Publish(ctx, Channel, evt)
}
