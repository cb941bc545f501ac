package dedup

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Memory keeps ids in process. Entries expire after ttl and the oldest are
// evicted once maxEntries is reached.
type Memory struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	entries    map[string]*list.Element
	now        func() time.Time
}

type memoryEntry struct {
	id      string
	expires time.Time
}

func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    map[string]*list.Element{},
		now:        time.Now,
	}
}

func (m *Memory) FirstSeen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.pruneLocked(now)
	if _, ok := m.entries[id]; ok {
		return false, nil
	}
	for m.order.Len() >= m.maxEntries {
		m.removeLocked(m.order.Front())
	}
	m.entries[id] = m.order.PushBack(&memoryEntry{id: id, expires: now.Add(m.ttl)})
	return true, nil
}

func (m *Memory) Forget(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(m.entries[id])
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return m.order.Len()
}

func (m *Memory) Close() error {
	return nil
}

// pruneLocked drops expired entries. Entries are appended in expiry order,
// so the scan stops at the first live one.
func (m *Memory) pruneLocked(now time.Time) {
	for front := m.order.Front(); front != nil; front = m.order.Front() {
		if front.Value.(*memoryEntry).expires.After(now) {
			return
		}
		m.removeLocked(front)
	}
}

func (m *Memory) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := m.order.Remove(el).(*memoryEntry)
	delete(m.entries, entry.id)
}
