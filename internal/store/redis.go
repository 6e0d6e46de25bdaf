package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/card-appraiser/internal/model"
)

// redisKV is the slice of the go-redis API the snapshot cache needs.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisSnapshotCache keeps pricing snapshots in Redis with native expiry.
type RedisSnapshotCache struct {
	client redisKV
	closer func() error
	prefix string
	now    func() time.Time
}

// RedisOptions configures NewRedisSnapshotCache.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisSnapshotCache connects to Redis and verifies the connection.
func NewRedisSnapshotCache(ctx context.Context, opts RedisOptions) (*RedisSnapshotCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrap(err, "redis: ping")
	}

	c := newRedisSnapshotCache(client, opts.KeyPrefix)
	c.closer = client.Close
	return c, nil
}

func newRedisSnapshotCache(client redisKV, prefix string) *RedisSnapshotCache {
	if prefix == "" {
		prefix = "cards:snapshot:"
	}
	return &RedisSnapshotCache{client: client, prefix: prefix, now: time.Now}
}

// Close closes the Redis connection.
func (c *RedisSnapshotCache) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *RedisSnapshotCache) key(ownerID, cardID string) string {
	return c.prefix + ownerID + ":" + cardID
}

// GetSnapshot returns the cached snapshot, or nil on a miss or when it has
// expired by the local clock.
func (c *RedisSnapshotCache) GetSnapshot(ctx context.Context, ownerID, cardID string) (*model.PricingSnapshot, error) {
	data, err := c.client.Get(ctx, c.key(ownerID, cardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: get snapshot")
	}

	var snap model.PricingSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal snapshot")
	}
	if !snap.Fresh(c.now()) {
		return nil, nil
	}
	return &snap, nil
}

// PutSnapshot stores snap until its ExpiresAt. Already-expired snapshots
// are not written.
func (c *RedisSnapshotCache) PutSnapshot(ctx context.Context, snap model.PricingSnapshot) error {
	ttl := snap.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "redis: marshal snapshot")
	}
	return eris.Wrap(c.client.Set(ctx, c.key(snap.OwnerID, snap.CardID), data, ttl).Err(), "redis: put snapshot")
}
