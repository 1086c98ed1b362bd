package sinks

import (
	"context"
	"time"
)

// SnapshotStore is satisfied by *cachex.Client.
type SnapshotStore interface {
	SetAndPublishJSON(ctx context.Context, key string, channel string, value any, ttl time.Duration) error
}

// RedisMirror keeps the latest snapshot under Key and announces every
// update on Channel, so late readers and live subscribers see the same bytes.
type RedisMirror struct {
	Store   SnapshotStore
	Key     string
	Channel string
	TTL     time.Duration
}

func (m RedisMirror) Name() string { return "redis" }

func (m RedisMirror) Write(ctx context.Context, b Batch) error {
	return m.Store.SetAndPublishJSON(ctx, m.Key, m.Channel, b.Snapshot, m.TTL)
}
