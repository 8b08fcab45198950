package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	jsoniter "github.com/json-iterator/go"
)

// RedisClient is the subset of *redis.Client used by RedisStore.
type RedisClient interface {
	Get(key string) *redis.StringCmd
	Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}

// RedisStore keeps the snapshot under a single key, so that several trackers can share a warm start.
type RedisStore struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

func NewRedisStore(client RedisClient, key string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (rs *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := rs.client.Get(rs.key).Bytes()
	if err == redis.Nil {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := jsoniter.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("invalid snapshot in %s: %w", rs.key, err)
	}
	return snapshot, nil
}

func (rs *RedisStore) Save(ctx context.Context, snapshot Snapshot) error {
	data, err := jsoniter.Marshal(&snapshot)
	if err != nil {
		return err
	}
	return rs.client.Set(rs.key, data, rs.ttl).Err()
}
