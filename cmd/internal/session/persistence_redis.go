package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"megdan/cmd/internal/chat"

	"github.com/redis/go-redis/v9"
)

// RedisPersistence stores the identity under "<prefix>auth_user".
type RedisPersistence struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisPersistence.
type RedisOption func(*RedisPersistence)

// WithKeyPrefix namespaces the identity key, e.g. per device profile.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisPersistence) { r.prefix = prefix }
}

// WithTTL expires the persisted identity. Zero keeps it until logout.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisPersistence) { r.ttl = ttl }
}

// NewRedisPersistence wraps an existing client.
func NewRedisPersistence(rdb redis.UniversalClient, opts ...RedisOption) *RedisPersistence {
	r := &RedisPersistence{rdb: rdb, prefix: "megdan:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies it with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("session: redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (r *RedisPersistence) key() string { return r.prefix + IdentityKey }

func (r *RedisPersistence) Load(ctx context.Context) (chat.Identity, error) {
	raw, err := r.rdb.Get(ctx, r.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Identity{}, ErrNoIdentity
	}
	if err != nil {
		return chat.Identity{}, err
	}
	return decodeIdentity(raw)
}

func (r *RedisPersistence) Save(ctx context.Context, id chat.Identity) error {
	raw, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(), raw, r.ttl).Err()
}

func (r *RedisPersistence) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key()).Err()
}
