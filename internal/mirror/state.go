package mirror

import (
	"sync"

	"github.com/agentworkforce/cardmirror/internal/trello"
)

// ListKey identifies a list by owning board and name. Lists are matched
// across boards by name.
type ListKey struct {
	BoardID string
	Name    string
}

// CardKey identifies a source card.
type CardKey struct {
	BoardID string
	CardID  string
}

// SyncState holds the list mapping and the source card to mirror mapping.
// It is owned by one Engine and rebuilt from the remote service on start.
type SyncState struct {
	mu    sync.RWMutex
	lists map[ListKey]string
	cards map[CardKey]string
}

func NewSyncState() *SyncState {
	return &SyncState{
		lists: map[ListKey]string{},
		cards: map[CardKey]string{},
	}
}

func (s *SyncState) ListID(boardID, name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.lists[ListKey{BoardID: boardID, Name: name}]
	return id, ok
}

// ListName is the reverse of ListID.
func (s *SyncState) ListName(boardID, listID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, id := range s.lists {
		if key.BoardID == boardID && id == listID {
			return key.Name, true
		}
	}
	return "", false
}

func (s *SyncState) SetList(boardID, name, listID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[ListKey{BoardID: boardID, Name: name}] = listID
}

// ReplaceLists swaps the whole list mapping at once.
func (s *SyncState) ReplaceLists(lists map[ListKey]string) {
	next := make(map[ListKey]string, len(lists))
	for key, id := range lists {
		next[key] = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = next
}

// ReplaceBoardLists swaps the entries of one board.
func (s *SyncState) ReplaceBoardLists(boardID string, lists []trello.List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.lists {
		if key.BoardID == boardID {
			delete(s.lists, key)
		}
	}
	for _, list := range lists {
		if list.Name == "" || list.ID == "" {
			continue
		}
		s.lists[ListKey{BoardID: boardID, Name: list.Name}] = list.ID
	}
}

func (s *SyncState) ListCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists)
}

func (s *SyncState) Lists() map[ListKey]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ListKey]string, len(s.lists))
	for key, id := range s.lists {
		out[key] = id
	}
	return out
}

func (s *SyncState) Mirror(key CardKey) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.cards[key]
	return id, ok
}

func (s *SyncState) SetMirror(key CardKey, mirrorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[key] = mirrorID
}

func (s *SyncState) DeleteMirror(key CardKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cards, key)
}

// FindSourceCard scans the card mapping for the entry whose mirror is
// mirrorID and whose source board is boardID. Mirror ids are unique, so at
// most one entry matches.
func (s *SyncState) FindSourceCard(mirrorID, boardID string) (CardKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, id := range s.cards {
		if id == mirrorID && key.BoardID == boardID {
			return key, true
		}
	}
	return CardKey{}, false
}

// ForgetMirror drops the entry pointing at mirrorID, if any.
func (s *SyncState) ForgetMirror(mirrorID string) (CardKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, id := range s.cards {
		if id == mirrorID {
			delete(s.cards, key)
			return key, true
		}
	}
	return CardKey{}, false
}

func (s *SyncState) MirrorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards)
}

func (s *SyncState) Mirrors() map[CardKey]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[CardKey]string, len(s.cards))
	for key, id := range s.cards {
		out[key] = id
	}
	return out
}
