package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the two-tier cache abstraction shared by the APQ store and
// the entity cache (the plan cache uses an LRU directly and stays
// in-process): an in-process tier that every lookup hits
// first, with an optional write-through remote tier for sharing entries
// across gateway replicas.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a Store backed purely by an in-process LRU.
type MemoryStore struct {
	lru *LRU
}

// NewMemoryStore creates an in-process-only Store.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: NewLRU(capacity, ttl)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.lru.Set(key, value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.lru.Delete(key)
	return nil
}

// RedisStore is a two-tier Store: a local LRU in front of a redis/
// valkey/dragonflydb instance reachable via go-redis. Reads populate the
// local tier on a remote hit; writes go to both tiers.
type RedisStore struct {
	local  *LRU
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the redis instance at addr (e.g. a
// miniredis.Run() address in tests) and wraps it with a local LRU tier.
func NewRedisStore(addr, prefix string, localCapacity int, localTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("federation cache: connect to redis: %w", err)
	}

	return &RedisStore{
		local:  NewLRU(localCapacity, localTTL),
		client: client,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok := s.local.Get(key); ok {
		return v.([]byte), true, nil
	}

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.local.Set(key, data)
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.local.Set(key, value)
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	s.local.Delete(key)
	return s.client.Del(ctx, s.key(key)).Err()
}

// marshalJSON and unmarshalJSON are small helpers used by the typed
// caches layered on top of Store, which all need to round-trip Go values
// through the []byte wire format Store deals in.
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
