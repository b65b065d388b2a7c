package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/catherinevee/diagmgr/internal/models"
	errs "github.com/catherinevee/diagmgr/internal/shared/errors"
)

// RedisConfig locates the redis snapshot backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisBackend stores snapshots in redis with native TTL expiry. Pinning
// suspends expiry with PERSIST and re-arms it when the last pin drops, so
// an in-flight remediation can never lose its snapshot to retention.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.ConnectorTransient("redis snapshot backend unreachable", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "diagmgr:snapshot:"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (b *RedisBackend) key(id string) string    { return b.prefix + id }
func (b *RedisBackend) pinKey(id string) string { return b.prefix + "pin:" + id }

// Save stores the snapshot under its TTL.
func (b *RedisBackend) Save(ctx context.Context, snap *models.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return errs.New(errs.KindSnapshotCorrupt, "snapshot is not serializable").WithWrapped(err).Build()
	}
	ttl := time.Until(snap.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := b.client.SetNX(ctx, b.key(snap.ID), payload, ttl).Result()
	if err != nil {
		return errs.ConnectorTransient("redis save failed", err)
	}
	if !ok {
		return errs.IllegalStatef("snapshot %s already exists", snap.ID)
	}
	return nil
}

// Load returns one snapshot by id.
func (b *RedisBackend) Load(ctx context.Context, id string) (*models.Snapshot, error) {
	raw, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err == redis.Nil {
		return nil, errs.SnapshotMissing(id)
	}
	if err != nil {
		return nil, errs.ConnectorTransient("redis load failed", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errs.SnapshotCorrupt(id)
	}
	return &snap, nil
}

// Delete removes the snapshot and its pin counter.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.key(id), b.pinKey(id)).Err(); err != nil {
		return errs.ConnectorTransient("redis delete failed", err)
	}
	return nil
}

// Pin increments the pin counter and suspends the snapshot's TTL.
func (b *RedisBackend) Pin(ctx context.Context, id string) error {
	exists, err := b.client.Exists(ctx, b.key(id)).Result()
	if err != nil {
		return errs.ConnectorTransient("redis pin failed", err)
	}
	if exists == 0 {
		return errs.SnapshotMissing(id)
	}
	if err := b.client.Incr(ctx, b.pinKey(id)).Err(); err != nil {
		return errs.ConnectorTransient("redis pin failed", err)
	}
	if err := b.client.Persist(ctx, b.key(id)).Err(); err != nil {
		return errs.ConnectorTransient("redis pin failed", err)
	}
	return nil
}

// Unpin decrements the pin counter; when it reaches zero the TTL is
// re-armed from now.
func (b *RedisBackend) Unpin(ctx context.Context, id string, ttl time.Duration) error {
	left, err := b.client.Decr(ctx, b.pinKey(id)).Result()
	if err != nil {
		return errs.ConnectorTransient("redis unpin failed", err)
	}
	if left > 0 {
		return nil
	}
	if err := b.client.Del(ctx, b.pinKey(id)).Err(); err != nil {
		return errs.ConnectorTransient("redis unpin failed", err)
	}
	if err := b.client.Expire(ctx, b.key(id), ttl).Err(); err != nil {
		return errs.ConnectorTransient("redis unpin failed", err)
	}
	return nil
}

// Pinned reports whether the pin counter is positive.
func (b *RedisBackend) Pinned(ctx context.Context, id string) (bool, error) {
	count, err := b.client.Get(ctx, b.pinKey(id)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.ConnectorTransient("redis pin lookup failed", err)
	}
	return count > 0, nil
}

// Expired returns nothing: redis expires unpinned snapshots natively.
func (b *RedisBackend) Expired(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}

// Close releases the redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
