// Package bus fans signals out to Redis: every evaluated BUY/SELL is
// published on a Pub/Sub channel and the latest book is cached under a
// per-symbol key with a short TTL.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"level2-signal/internal/depth"
	"level2-signal/internal/signal"
)

// Envelope is the wire form of a published signal.
type Envelope struct {
	ID     string        `json:"id"`
	Type   string        `json:"type"`
	Symbol string        `json:"symbol"`
	Time   time.Time     `json:"time"`
	Signal signal.Signal `json:"signal"`
}

type Bus struct {
	rdb     redis.Cmdable
	channel string
	prefix  string
	ttl     time.Duration

	newID func() string
	now   func() time.Time
}

func New(rdb redis.Cmdable, channel, prefix string, ttl time.Duration) *Bus {
	return &Bus{
		rdb:     rdb,
		channel: channel,
		prefix:  prefix,
		ttl:     ttl,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Dial connects to addr and verifies the server answers PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return c, nil
}

func (b *Bus) Channel() string { return b.channel }

// SnapshotKey is where the latest book for symbol is cached.
func (b *Bus) SnapshotKey(symbol string) string {
	return b.prefix + ":" + strings.ToUpper(symbol) + ":snapshot"
}

// PublishSignal wraps sig in an Envelope and publishes it.
func (b *Bus) PublishSignal(ctx context.Context, symbol string, sig signal.Signal) (Envelope, error) {
	env := Envelope{
		ID:     b.newID(),
		Type:   "signal",
		Symbol: strings.ToUpper(symbol),
		Time:   b.now().UTC(),
		Signal: sig,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("redis: encode signal: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return env, fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	return env, nil
}

// StoreSnapshot caches snap under SnapshotKey with the configured TTL.
func (b *Bus) StoreSnapshot(ctx context.Context, snap depth.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot: %w", err)
	}
	key := b.SnapshotKey(snap.Symbol)
	if err := b.rdb.Set(ctx, key, payload, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

// LatestSnapshot reads back the cached book for symbol. A missing key
// yields depth.ErrNoData.
func (b *Bus) LatestSnapshot(ctx context.Context, symbol string) (depth.Snapshot, error) {
	key := b.SnapshotKey(symbol)
	raw, err := b.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return depth.Snapshot{}, depth.ErrNoData
	}
	if err != nil {
		return depth.Snapshot{}, fmt.Errorf("redis: get %s: %w", key, err)
	}
	var snap depth.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return depth.Snapshot{}, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return snap, nil
}
