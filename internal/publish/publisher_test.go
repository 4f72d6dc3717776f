package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"massive/internal/store"
)

type samplePayload struct {
	Value float64 `json:"value"`
}

func TestPublish_VersionAdvancesOnChange(t *testing.T) {
	st := store.NewMemoryStore()
	p := &Publisher{Store: st}
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	env, err := p.Publish(ctx, "gex", "SPX", at, samplePayload{Value: 1})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if env.Version != 1 {
		t.Fatalf("version=%d want=1", env.Version)
	}

	env, err = p.Publish(ctx, "gex", "SPX", at, samplePayload{Value: 2})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if env.Version != 2 {
		t.Fatalf("version=%d want=2 after payload change", env.Version)
	}
}

func TestPublish_IdempotentRepublish(t *testing.T) {
	st := store.NewMemoryStore()
	p := &Publisher{Store: st}
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)

	first, err := p.Publish(ctx, "gex", "SPX", at, samplePayload{Value: 1})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	rawFirst, _, err := st.Get(ctx, ModelKey("gex", "SPX"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	second, err := p.Publish(ctx, "gex", "SPX", at, samplePayload{Value: 1})
	if err != nil {
		t.Fatalf("republish failed: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("version=%d want=%d (unchanged inputs)", second.Version, first.Version)
	}
	rawSecond, _, err := st.Get(ctx, ModelKey("gex", "SPX"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(rawFirst) != string(rawSecond) {
		t.Fatalf("stored envelope changed on idempotent republish:\n%s\n%s", rawFirst, rawSecond)
	}
}

func TestPublish_EmitsReplaceEvent(t *testing.T) {
	st := store.NewMemoryStore()
	p := &Publisher{Store: st}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := st.Subscribe(ctx, Channel)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := p.Publish(ctx, "heatmap", "SPX", time.Now().UTC(), samplePayload{Value: 1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case msg := <-events:
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != "replace" || evt.Family != "heatmap" || evt.Underlying != "SPX" || evt.Version != 1 {
			t.Fatalf("event=%+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no replace event")
	}
}

func TestPublishDiff_EmitsDiffEvent(t *testing.T) {
	st := store.NewMemoryStore()
	p := &Publisher{Store: st}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := st.Subscribe(ctx, Channel)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := p.PublishDiff(ctx, "heatmap", "SPX", 3, samplePayload{Value: 9}); err != nil {
		t.Fatalf("publish diff failed: %v", err)
	}
	select {
	case msg := <-events:
		var evt Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Kind != "diff" || evt.Version != 3 || len(evt.Diff) == 0 {
			t.Fatalf("event=%+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no diff event")
	}
}

func TestLatest_NotFound(t *testing.T) {
	p := &Publisher{Store: store.NewMemoryStore()}
	_, found, err := p.Latest(context.Background(), "gex", "SPX")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if found {
		t.Fatalf("found=true on empty store")
	}
}
