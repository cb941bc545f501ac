package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/cardmirror/internal/trello"
)

type mapDedup struct {
	mu        sync.Mutex
	seen      map[string]bool
	err       error
	calls     int
	forgotten []string
}

func (d *mapDedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *mapDedup) Forget(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	d.forgotten = append(d.forgotten, id)
	return nil
}

func cardEvent(actionID, actionType, boardID, cardID string, mutate ...func(*ActionData)) WebhookEvent {
	data := ActionData{
		Board: &ActionRef{ID: boardID},
		Card:  &ActionCard{ID: cardID},
	}
	for _, fn := range mutate {
		fn(&data)
	}
	return WebhookEvent{Action: WebhookAction{ID: actionID, Type: actionType, Data: data}}
}

func inList(name string) func(*ActionData) {
	return func(d *ActionData) { d.List = &ActionRef{Name: name} }
}

func movedTo(name string) func(*ActionData) {
	return func(d *ActionData) { d.ListAfter = &ActionRef{Name: name} }
}

func byMember(event WebhookEvent, memberID string) WebhookEvent {
	event.Action.MemberCreator = Member{ID: memberID}
	return event
}

func newTestProcessor(t *testing.T, engine *Engine, dedup Deduplicator) *Processor {
	t.Helper()
	processor, err := NewProcessor(engine, dedup, nil)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return processor
}

func TestProcessDropsDuplicateDelivery(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	dedup := &mapDedup{}
	processor := newTestProcessor(t, engine, dedup)
	source := fake.addCard("b-work", "Today", "Standup notes", nil)
	event := cardEvent("act-1", ActionTypeCreateCard, "b-work", source.ID, inList("Today"))

	first, err := processor.Process(context.Background(), event)
	if err != nil || first != OutcomeMirrored {
		t.Fatalf("expected mirrored, got %s %v", first, err)
	}
	second, err := processor.Process(context.Background(), event)
	if err != nil || second != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s %v", second, err)
	}

	redelivered := cardEvent("act-2", ActionTypeCreateCard, "b-work", source.ID, inList("Today"))
	if _, err := processor.Process(context.Background(), redelivered); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := len(fake.boardCards("b-all")); got != 1 {
		t.Fatalf("expected exactly one mirror, got %d", got)
	}
}

func TestProcessDropsCardAlreadyProcessing(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Today", "busy", nil)
	engine.Guard().MarkProcessing(source.ID)
	before := fake.totalCalls()

	outcome, err := processor.Process(context.Background(), cardEvent("a", ActionTypeUpdateCard, "b-work", source.ID, movedTo("Today")))
	if err != nil || outcome != OutcomeBusy {
		t.Fatalf("expected busy, got %s %v", outcome, err)
	}
	if fake.totalCalls() != before {
		t.Fatalf("expected no remote calls for a dropped event")
	}
	if !engine.Guard().IsProcessing(source.ID) {
		t.Fatalf("expected the original marker to stay in place")
	}
}

func TestProcessAggregateMovePropagatesBack(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, &mapDedup{})
	source := fake.addCard("b-home", "Next 30 days", "Paint fence", nil)
	ctx := context.Background()

	if _, err := processor.Process(ctx, cardEvent("a1", ActionTypeCreateCard, "b-home", source.ID, inList("Next 30 days"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	mirrorID, _ := engine.State().Mirror(CardKey{BoardID: "b-home", CardID: source.ID})
	fake.moveCard(mirrorID, "Today")

	outcome, err := processor.Process(ctx, cardEvent("a2", ActionTypeUpdateCard, "b-all", mirrorID, movedTo("Today")))
	if err != nil || outcome != OutcomeReversed {
		t.Fatalf("expected reversed, got %s %v", outcome, err)
	}
	moved, _ := fake.card(source.ID)
	if moved.IDList != listID("b-home", "Today") {
		t.Fatalf("expected source card in Today, got %s", moved.IDList)
	}

	creates := fake.callCount("CreateCard")
	outcome, err = processor.Process(ctx, cardEvent("a3", ActionTypeCreateCard, "b-all", "new-on-aggregate", inList("Today")))
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("expected aggregate create ignored, got %s %v", outcome, err)
	}
	if fake.callCount("CreateCard") != creates {
		t.Fatalf("expected no mirror spawned from the aggregate board")
	}
}

func TestProcessInboxNudgesIntoTier(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Inbox", "Prepare slides", daysFromNow(3))

	outcome, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeCreateCard, "b-work", source.ID, inList("Inbox")))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected mirrored, got %s %v", outcome, err)
	}
	moved, _ := fake.card(source.ID)
	if moved.IDList != listID("b-work", "Next 7 days") {
		t.Fatalf("expected source nudged into Next 7 days, got %s", moved.IDList)
	}
	mirrorID, _ := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: source.ID})
	mirror, _ := fake.card(mirrorID)
	if mirror.IDList != listID("b-all", "Next 7 days") {
		t.Fatalf("expected mirror in Next 7 days, got %s", mirror.IDList)
	}
}

func TestProcessInboxWithoutDueStaysInInbox(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Inbox", "Think about it", nil)

	if _, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeUpdateCard, "b-work", source.ID, movedTo("Inbox"))); err != nil {
		t.Fatalf("process: %v", err)
	}
	mirrorID, ok := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: source.ID})
	if !ok {
		t.Fatalf("expected Inbox to be mirrored")
	}
	mirror, _ := fake.card(mirrorID)
	if mirror.IDList != listID("b-all", "Inbox") {
		t.Fatalf("expected mirror in Inbox, got %s", mirror.IDList)
	}
}

func TestProcessAddLabelResolvesCurrentList(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Today", "Label me", nil, trello.Label{Name: "urgent", Color: "red"})

	outcome, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeAddLabelToCard, "b-work", source.ID))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected mirrored, got %s %v", outcome, err)
	}
	mirrorID, ok := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: source.ID})
	if !ok {
		t.Fatalf("expected mirror after label event")
	}
	mirror, _ := fake.card(mirrorID)
	if mirror.IDList != listID("b-all", "Today") || len(mirror.Labels) != 2 {
		t.Fatalf("expected labelled mirror in Today, got %+v", mirror)
	}
}

func TestProcessRefreshesListsForUnknownList(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	fake.mu.Lock()
	fake.lists["b-work"] = append(fake.lists["b-work"], trello.List{ID: listID("b-work", "Someday"), Name: "Someday", IDBoard: "b-work"})
	fake.mu.Unlock()
	source := fake.addCard("b-work", "Someday", "Learn piano", nil)
	listCalls := fake.callCount("GetLists")

	outcome, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeUpdateCard, "b-work", source.ID))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected handled, got %s %v", outcome, err)
	}
	if fake.callCount("GetLists") != listCalls+1 {
		t.Fatalf("expected one list refresh")
	}
	if name, ok := engine.State().ListName("b-work", listID("b-work", "Someday")); !ok || name != "Someday" {
		t.Fatalf("expected refreshed list mapping, got %q %v", name, ok)
	}
	if engine.State().MirrorCount() != 0 {
		t.Fatalf("expected untracked list not to be mirrored")
	}
}

func TestProcessDeleteCard(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	ctx := context.Background()
	first := fake.addCard("b-work", "Today", "one", nil)
	second := fake.addCard("b-work", "Today", "two", nil)
	for _, card := range []*trello.Card{first, second} {
		if _, err := processor.Process(ctx, cardEvent("c-"+card.ID, ActionTypeCreateCard, "b-work", card.ID, inList("Today"))); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	fake.removeCard(first.ID)
	outcome, err := processor.Process(ctx, cardEvent("d1", ActionTypeDeleteCard, "b-work", first.ID))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected mirror removal, got %s %v", outcome, err)
	}
	if _, ok := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: first.ID}); ok {
		t.Fatalf("expected mapping removed for deleted source")
	}

	secondMirror, _ := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: second.ID})
	fake.removeCard(secondMirror)
	outcome, err = processor.Process(ctx, cardEvent("d2", ActionTypeDeleteCard, "b-all", secondMirror))
	if err != nil || outcome != OutcomeForgotten {
		t.Fatalf("expected forgotten, got %s %v", outcome, err)
	}
	if engine.State().MirrorCount() != 0 {
		t.Fatalf("expected empty card mapping, got %d", engine.State().MirrorCount())
	}
	if got := len(fake.boardCards("b-all")); got != 0 {
		t.Fatalf("expected aggregate board empty, got %d", got)
	}
}

func TestProcessIgnoresForeignEvents(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	dedup := &mapDedup{}
	processor := newTestProcessor(t, engine, dedup)

	events := []WebhookEvent{
		cardEvent("x1", ActionTypeCreateCard, "b-other", "c1", inList("Today")),
		cardEvent("x2", "commentCard", "b-work", "c1"),
		{Action: WebhookAction{ID: "x3", Type: ActionTypeUpdateCard}},
	}
	for _, event := range events {
		outcome, err := processor.Process(context.Background(), event)
		if err != nil || outcome != OutcomeIgnored {
			t.Fatalf("expected ignored for %+v, got %s %v", event.Action, outcome, err)
		}
	}
	if dedup.calls != 0 {
		t.Fatalf("expected foreign events to skip dedup, got %d calls", dedup.calls)
	}
}

func TestProcessFailsOpenOnDedupError(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, &mapDedup{err: errors.New("redis down")})
	source := fake.addCard("b-work", "Today", "resilient", nil)

	outcome, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeCreateCard, "b-work", source.ID, inList("Today")))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected processing despite dedup failure, got %s %v", outcome, err)
	}
}

func TestProcessReleasesGuardOnError(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Today", "flaky", nil)
	fake.failNext("GetCard", statusError(500))

	if _, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeCreateCard, "b-work", source.ID, inList("Today"))); err == nil {
		t.Fatalf("expected error")
	}
	if engine.Guard().IsProcessing(source.ID) {
		t.Fatalf("expected processing marker cleared")
	}
	if err := engine.Guard().AcquireWithTimeout(context.Background(), source.ID, 10*time.Millisecond); err != nil {
		t.Fatalf("expected lock released, got %v", err)
	}
	engine.Guard().Release(source.ID)
}

func TestProcessReleasesDeliveryAfterLockTimeout(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake, func(o *Options) { o.Guard = NewGuard(20 * time.Millisecond) })
	dedup := &mapDedup{}
	processor := newTestProcessor(t, engine, dedup)
	source := fake.addCard("b-work", "Today", "Book flights", nil)
	event := cardEvent("act-locked", ActionTypeCreateCard, "b-work", source.ID, inList("Today"))
	ctx := context.Background()

	if err := engine.Guard().Acquire(ctx, source.ID); err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	if _, err := processor.Process(ctx, event); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if len(dedup.forgotten) != 1 || dedup.forgotten[0] != "act-locked" {
		t.Fatalf("expected delivery id released, got %v", dedup.forgotten)
	}
	engine.Guard().Release(source.ID)

	outcome, err := processor.Process(ctx, event)
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected redelivery to be processed, got %s %v", outcome, err)
	}
	if again, _ := processor.Process(ctx, event); again != OutcomeDuplicate {
		t.Fatalf("expected a successful delivery to stay recorded, got %s", again)
	}
}

func TestProcessIgnoresEchoOfOwnMirrorMove(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, &mapDedup{})
	source := fake.addCard("b-work", "Today", "Renew passport", nil)
	ctx := context.Background()

	if _, err := processor.Process(ctx, cardEvent("s1", ActionTypeCreateCard, "b-work", source.ID, inList("Today"))); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, list := range []string{"Next 7 days", "Next 30 days"} {
		fake.moveCard(source.ID, list)
		event := byMember(cardEvent("s-move-"+list, ActionTypeUpdateCard, "b-work", source.ID, movedTo(list)), "member-human")
		if _, err := processor.Process(ctx, event); err != nil {
			t.Fatalf("source move %d: %v", i, err)
		}
	}
	mirrorID, _ := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: source.ID})
	sourceUpdates := fake.callCount("UpdateCard")

	late := byMember(cardEvent("echo-1", ActionTypeUpdateCard, "b-all", mirrorID, movedTo("Next 7 days")), "member-bot")
	outcome, err := processor.Process(ctx, late)
	if err != nil || outcome != OutcomeEcho {
		t.Fatalf("expected delayed echo ignored, got %s %v", outcome, err)
	}
	if fake.callCount("UpdateCard") != sourceUpdates {
		t.Fatalf("expected no write for an echo")
	}
	if card, _ := fake.card(source.ID); card.IDList != listID("b-work", "Next 30 days") {
		t.Fatalf("expected the latest user move to stand, got %s", card.IDList)
	}

	fake.moveCard(mirrorID, "Today")
	human := byMember(cardEvent("h1", ActionTypeUpdateCard, "b-all", mirrorID, movedTo("Today")), "member-bot")
	outcome, err = processor.Process(ctx, human)
	if err != nil || outcome != OutcomeReversed {
		t.Fatalf("expected same-account move without a pending write to propagate, got %s %v", outcome, err)
	}
	if card, _ := fake.card(source.ID); card.IDList != listID("b-work", "Today") {
		t.Fatalf("expected source moved to Today, got %s", card.IDList)
	}
}

func TestProcessInboxNudgeOnlyOnArrival(t *testing.T) {
	fake := newFakeBoards("b-work", "b-home", "b-all")
	engine := newTestEngine(t, fake)
	processor := newTestProcessor(t, engine, nil)
	source := fake.addCard("b-work", "Inbox", "Draft proposal", daysFromNow(3), trello.Label{Name: "writing", Color: "purple"})

	outcome, err := processor.Process(context.Background(), cardEvent("a1", ActionTypeAddLabelToCard, "b-work", source.ID))
	if err != nil || outcome != OutcomeMirrored {
		t.Fatalf("expected mirrored, got %s %v", outcome, err)
	}
	if card, _ := fake.card(source.ID); card.IDList != listID("b-work", "Inbox") {
		t.Fatalf("expected label edit to leave the card in Inbox, got %s", card.IDList)
	}
	mirrorID, _ := engine.State().Mirror(CardKey{BoardID: "b-work", CardID: source.ID})
	if mirror, _ := fake.card(mirrorID); mirror.IDList != listID("b-all", "Inbox") {
		t.Fatalf("expected mirror in Inbox, got %s", mirror.IDList)
	}
}
