package mirror

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/trello"
	"github.com/sirupsen/logrus/hooks/test"
)

var testLists = []string{"Inbox", "Today", "Next 7 days", "Next 30 days", "Backlog"}

// fakeBoards is an in-memory board service.
type fakeBoards struct {
	mu       sync.Mutex
	lists    map[string][]trello.List
	cards    map[string]*trello.Card
	labels   map[string][]trello.Label
	nextID   int
	calls    map[string]int
	failures map[string][]error
	memberID string
}

func newFakeBoards(boardIDs ...string) *fakeBoards {
	f := &fakeBoards{
		lists:    map[string][]trello.List{},
		cards:    map[string]*trello.Card{},
		labels:   map[string][]trello.Label{},
		calls:    map[string]int{},
		failures: map[string][]error{},
		memberID: "member-bot",
	}
	for _, boardID := range boardIDs {
		for _, name := range testLists {
			f.lists[boardID] = append(f.lists[boardID], trello.List{ID: listID(boardID, name), Name: name, IDBoard: boardID})
		}
	}
	return f
}

func listID(boardID, name string) string {
	return boardID + "/" + name
}

func (f *fakeBoards) addCard(boardID, listName, name string, due *time.Time, labels ...trello.Label) *trello.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	card := &trello.Card{
		ID:      fmt.Sprintf("card-%d", f.nextID),
		Name:    name,
		Desc:    "details for " + name,
		Due:     due,
		IDList:  listID(boardID, listName),
		IDBoard: boardID,
		Labels:  labels,
	}
	f.cards[card.ID] = card
	snapshot := *card
	return &snapshot
}

func (f *fakeBoards) moveCard(cardID, listName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card := f.cards[cardID]
	card.IDList = listID(card.IDBoard, listName)
}

func (f *fakeBoards) removeCard(cardID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cards, cardID)
}

func (f *fakeBoards) card(cardID string) (trello.Card, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	card, ok := f.cards[cardID]
	if !ok {
		return trello.Card{}, false
	}
	return *card, true
}

func (f *fakeBoards) boardCards(boardID string) []trello.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trello.Card
	for _, card := range f.cards {
		if card.IDBoard == boardID {
			out = append(out, *card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeBoards) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeBoards) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeBoards) failNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// enter records a call and pops a queued failure. Caller holds f.mu.
func (f *fakeBoards) enter(method string) error {
	f.calls[method]++
	queue := f.failures[method]
	if len(queue) == 0 {
		return nil
	}
	f.failures[method] = queue[1:]
	return queue[0]
}

func statusError(status int) error {
	return &trello.APIError{Method: "TEST", Path: "/", StatusCode: status}
}

func (f *fakeBoards) GetLists(ctx context.Context, boardID string) ([]trello.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLists"); err != nil {
		return nil, err
	}
	return append([]trello.List(nil), f.lists[boardID]...), nil
}

func (f *fakeBoards) GetCards(ctx context.Context, boardID string) ([]trello.Card, error) {
	f.mu.Lock()
	if err := f.enter("GetCards"); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.boardCards(boardID), nil
}

func (f *fakeBoards) GetLabels(ctx context.Context, boardID string) ([]trello.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetLabels"); err != nil {
		return nil, err
	}
	return append([]trello.Label(nil), f.labels[boardID]...), nil
}

func (f *fakeBoards) CreateLabel(ctx context.Context, boardID, name, color string) (trello.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateLabel"); err != nil {
		return trello.Label{}, err
	}
	if name == "" && color == "" {
		return trello.Label{}, fmt.Errorf("%w: label needs a name or a color", trello.ErrInvalidInput)
	}
	f.nextID++
	label := trello.Label{ID: fmt.Sprintf("label-%d", f.nextID), Name: name, Color: color, IDBoard: boardID}
	f.labels[boardID] = append(f.labels[boardID], label)
	return label, nil
}

func (f *fakeBoards) CreateCard(ctx context.Context, req trello.CardCreate) (trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCard"); err != nil {
		return trello.Card{}, err
	}
	boardID := f.boardForListLocked(req.ListID)
	f.nextID++
	card := &trello.Card{
		ID:       fmt.Sprintf("mirror-%d", f.nextID),
		Name:     req.Name,
		Desc:     req.Desc,
		Due:      req.Due,
		IDList:   req.ListID,
		IDBoard:  boardID,
		IDLabels: append([]string(nil), req.LabelIDs...),
	}
	card.Labels = f.labelsLocked(boardID, card.IDLabels)
	f.cards[card.ID] = card
	return *card, nil
}

func (f *fakeBoards) UpdateCard(ctx context.Context, cardID string, update trello.CardUpdate) (trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateCard"); err != nil {
		return trello.Card{}, err
	}
	card, ok := f.cards[cardID]
	if !ok {
		return trello.Card{}, statusError(http.StatusNotFound)
	}
	if update.ListID != nil {
		card.IDList = *update.ListID
	}
	if update.Name != nil {
		card.Name = *update.Name
	}
	if update.Desc != nil {
		card.Desc = *update.Desc
	}
	if update.ClearDue {
		card.Due = nil
	} else if update.Due != nil {
		due := *update.Due
		card.Due = &due
	}
	if update.LabelIDs != nil {
		card.IDLabels = append([]string(nil), (*update.LabelIDs)...)
		card.Labels = f.labelsLocked(card.IDBoard, card.IDLabels)
	}
	return *card, nil
}

func (f *fakeBoards) DeleteCard(ctx context.Context, cardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteCard"); err != nil {
		return err
	}
	if _, ok := f.cards[cardID]; !ok {
		return statusError(http.StatusNotFound)
	}
	delete(f.cards, cardID)
	return nil
}

func (f *fakeBoards) GetCard(ctx context.Context, cardID string) (trello.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetCard"); err != nil {
		return trello.Card{}, err
	}
	card, ok := f.cards[cardID]
	if !ok {
		return trello.Card{}, statusError(http.StatusNotFound)
	}
	return *card, nil
}

func (f *fakeBoards) Me(ctx context.Context) (trello.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Me"); err != nil {
		return trello.Member{}, err
	}
	return trello.Member{ID: f.memberID, Username: "mirror-bot"}, nil
}

func (f *fakeBoards) boardForListLocked(id string) string {
	for boardID, lists := range f.lists {
		for _, list := range lists {
			if list.ID == id {
				return boardID
			}
		}
	}
	return ""
}

func (f *fakeBoards) labelsLocked(boardID string, ids []string) []trello.Label {
	var out []trello.Label
	for _, id := range ids {
		for _, label := range f.labels[boardID] {
			if label.ID == id {
				out = append(out, label)
			}
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		SourceBoards: []config.Board{
			{ID: "b-work", Name: "Work"},
			{ID: "b-home", Name: "Home"},
		},
		AggregateBoardID:  "b-all",
		TrackedLists:      []string{"Inbox", "Today", "Next 7 days", "Next 30 days"},
		LabelColors:       []config.LabelColor{{Board: "Work", Color: "blue"}},
		DefaultLabelColor: "lime",
		Timezone:          "UTC",
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	return cfg
}

var testNow = time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)

func daysFromNow(days int) *time.Time {
	due := testNow.AddDate(0, 0, days).Add(2 * time.Hour)
	return &due
}

func newTestEngine(t *testing.T, fake *fakeBoards, opts ...func(*Options)) *Engine {
	t.Helper()
	logger, _ := test.NewNullLogger()
	policy := NewRetryPolicy(3, time.Millisecond)
	policy.sleep = func(context.Context, time.Duration) error { return nil }
	options := Options{
		Config: testConfig(t),
		Client: fake,
		Retry:  policy,
		Guard:  NewGuard(time.Second),
		Logger: logger,
		Now:    func() time.Time { return testNow },
	}
	for _, opt := range opts {
		opt(&options)
	}
	engine, err := NewEngine(options)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return engine
}
