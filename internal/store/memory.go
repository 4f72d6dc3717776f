package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memItem struct {
	v       []byte
	expires time.Time
	noexp   bool
}

// MemoryStore is the single-process substrate used in tests and dev runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem

	subMu sync.RWMutex
	subs  map[string][]chan Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]memItem{},
		subs:  map[string][]chan Message{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if it.expired(time.Now()) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = ctx
	it := memItem{v: clone(value)}
	if ttl <= 0 {
		it.noexp = true
	} else {
		it.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	_ = ctx
	now := time.Now()
	s.mu.RLock()
	out := make([]Entry, 0, 16)
	for k, it := range s.items {
		if !strings.HasPrefix(k, prefix) || it.expired(now) {
			continue
		}
		out = append(out, Entry{Key: k, Value: clone(it.v)})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	_ = ctx
	msg := Message{Channel: channel, Payload: clone(payload)}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- msg:
		default:
			// Drop when the subscriber is slow; publishers must not block.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message, 64)
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		live := s.subs[channel][:0]
		for _, c := range s.subs[channel] {
			if c != ch {
				live = append(live, c)
			}
		}
		s.subs[channel] = live
		s.subMu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	_ = ctx
	return nil
}

func (it memItem) expired(now time.Time) bool {
	return !it.noexp && !it.expires.IsZero() && now.After(it.expires)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
