package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 5 * time.Second

// deleteIfValue removes KEYS[1] only while it still holds ARGV[1].
var deleteIfValue = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// expireIfValue sets a PEXPIRE of ARGV[2] ms on KEYS[1] only while it still
// holds ARGV[1].
var expireIfValue = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ValkeyStore implements Store on Valkey or Redis. Every key is written under
// Prefix so several qbatch deployments can share one instance.
type ValkeyStore struct {
	client *redis.Client
	prefix string
}

type ValkeyConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // e.g. "qbatch:"
}

// NewValkeyStore connects and pings the server before returning.
func NewValkeyStore(ctx context.Context, cfg ValkeyConfig) (*ValkeyStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: connectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to valkey at %s: %w", cfg.Addr, err)
	}

	return &ValkeyStore{client: client, prefix: cfg.Prefix}, nil
}

func (s *ValkeyStore) key(k string) string {
	return s.prefix + k
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *ValkeyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key(key), value, ttl).Result()
}

func (s *ValkeyStore) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := deleteIfValue.Run(ctx, s.client, []string{s.key(key)}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *ValkeyStore) ExpireIfValue(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := expireIfValue.Run(ctx, s.client, []string{s.key(key)}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *ValkeyStore) Close() error {
	return s.client.Close()
}

var _ Store = (*ValkeyStore)(nil)
