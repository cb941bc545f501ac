package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "cardmirror:webhook:"

// Redis stores delivery ids so every instance behind the callback URL
// shares one window.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	owned  bool
}

// NewRedis wraps an existing client. The caller keeps ownership of it.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: defaultRedisPrefix}
}

func NewRedisFromURL(dsn string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	r := NewRedis(redis.NewClient(opts), ttl)
	r.owned = true
	return r, nil
}

func (r *Redis) key(id string) string {
	return r.prefix + id
}

func (r *Redis) FirstSeen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	return r.client.SetNX(ctx, r.key(id), 1, r.ttl).Result()
}

func (r *Redis) Forget(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	return r.client.Del(ctx, r.key(id)).Err()
}

func (r *Redis) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}
