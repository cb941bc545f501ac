package dedup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10000
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Deduplicator remembers webhook delivery ids for a bounded window.
type Deduplicator interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, id string) (bool, error)
	// Forget drops id so a later delivery counts as new.
	Forget(ctx context.Context, id string) error
	Close() error
}

type Factory func(dsn string, ttl time.Duration) (Deduplicator, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildFromDSN picks a backend by DSN scheme. An empty DSN yields the
// in-memory backend.
func BuildFromDSN(dsn string, ttl time.Duration) (Deduplicator, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(ttl, DefaultMaxEntries), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: dedup dsn: %v", ErrInvalidInput, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, ttl)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemory(ttl, maxEntriesParam(parsed)), nil
	case "redis", "rediss":
		backend, err := NewRedisFromURL(dsn, ttl)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "postgres", "postgresql":
		backend, err := NewPostgres(dsn, ttl)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: dedup backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported dedup backend scheme: %s", scheme)
	}
}

func maxEntriesParam(parsed *url.URL) int {
	n, err := strconv.Atoi(parsed.Query().Get("max_entries"))
	if err != nil || n <= 0 {
		return DefaultMaxEntries
	}
	return n
}
