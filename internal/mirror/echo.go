package mirror

import (
	"sync"
	"time"
)

// DefaultEchoWindow bounds how long a write to the aggregate board is
// remembered while its webhook echo is in flight.
const DefaultEchoWindow = 2 * time.Minute

type echoEntry struct {
	listID  string
	expires time.Time
}

// echoLedger remembers list moves the engine made to mirror cards so the
// webhook actions they trigger are not mistaken for user moves.
type echoLedger struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string][]echoEntry
}

func newEchoLedger(window time.Duration) *echoLedger {
	if window <= 0 {
		window = DefaultEchoWindow
	}
	return &echoLedger{window: window, entries: map[string][]echoEntry{}}
}

func (l *echoLedger) record(mirrorID, listID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.entries[mirrorID] = append(l.entries[mirrorID], echoEntry{listID: listID, expires: now.Add(l.window)})
}

// consume reports whether a move of mirrorID into listID matches a write
// the engine made, and forgets that write.
func (l *echoLedger) consume(mirrorID, listID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	pending := l.entries[mirrorID]
	for i, entry := range pending {
		if entry.listID != listID {
			continue
		}
		pending = append(pending[:i], pending[i+1:]...)
		if len(pending) == 0 {
			delete(l.entries, mirrorID)
		} else {
			l.entries[mirrorID] = pending
		}
		return true
	}
	return false
}

func (l *echoLedger) pruneLocked(now time.Time) {
	for id, pending := range l.entries {
		kept := pending[:0]
		for _, entry := range pending {
			if now.Before(entry.expires) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(l.entries, id)
		} else {
			l.entries[id] = kept
		}
	}
}
