package store

import (
	"context"
	"time"
)

// Store is the shared substrate the pipeline writes through: a TTL-keyed
// byte store plus a pub/sub surface for model change notifications.
//
// An expired key must behave exactly like an absent key for every reader.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// List returns all live entries whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages for channel until ctx is cancelled, after
	// which the returned channel is closed. Slow subscribers lose messages
	// rather than blocking publishers.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Ping(ctx context.Context) error
}

type Entry struct {
	Key   string
	Value []byte
}

type Message struct {
	Channel string
	Payload []byte
}
