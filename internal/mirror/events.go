package mirror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/cardmirror/internal/trello"
	log "github.com/sirupsen/logrus"
)

const (
	ActionTypeCreateCard     = "createCard"
	ActionTypeUpdateCard     = "updateCard"
	ActionTypeAddLabelToCard = "addLabelToCard"
	ActionTypeDeleteCard     = "deleteCard"
)

type WebhookEvent struct {
	Action WebhookAction `json:"action"`
}

type WebhookAction struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Data          ActionData `json:"data"`
	MemberCreator Member     `json:"memberCreator"`
}

type ActionData struct {
	Board      *ActionRef  `json:"board,omitempty"`
	Card       *ActionCard `json:"card,omitempty"`
	List       *ActionRef  `json:"list,omitempty"`
	ListAfter  *ActionRef  `json:"listAfter,omitempty"`
	ListBefore *ActionRef  `json:"listBefore,omitempty"`
}

type ActionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ActionCard struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Desc   string `json:"desc,omitempty"`
	IDList string `json:"idList,omitempty"`
}

type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Deduplicator remembers delivery ids for a bounded window. Forget drops
// an id so a redelivery of a failed action is processed again.
type Deduplicator interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

const forgetTimeout = 5 * time.Second

type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBusy      Outcome = "busy"
	OutcomeMirrored  Outcome = "mirrored"
	OutcomeReversed  Outcome = "reversed"
	OutcomeForgotten Outcome = "forgotten"
	OutcomeEcho      Outcome = "echo"
)

// Processor turns webhook actions into engine calls: dedup, processing
// marker, card guard, then dispatch.
type Processor struct {
	engine *Engine
	dedup  Deduplicator
	logger *log.Logger
}

func NewProcessor(engine *Engine, dedup Deduplicator, logger *log.Logger) (*Processor, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = engine.logger
	}
	return &Processor{engine: engine, dedup: dedup, logger: logger}, nil
}

func (p *Processor) Process(ctx context.Context, event WebhookEvent) (Outcome, error) {
	action := event.Action
	data := action.Data
	if data.Board == nil || data.Card == nil || strings.TrimSpace(data.Card.ID) == "" {
		return OutcomeIgnored, nil
	}
	switch action.Type {
	case ActionTypeCreateCard, ActionTypeUpdateCard, ActionTypeAddLabelToCard, ActionTypeDeleteCard:
	default:
		return OutcomeIgnored, nil
	}

	cfg := p.engine.Config()
	boardID := data.Board.ID
	_, isSource := cfg.SourceBoardByID(boardID)
	isAggregate := boardID == cfg.AggregateBoardID
	if !isSource && !isAggregate {
		return OutcomeIgnored, nil
	}

	recorded := false
	if p.dedup != nil && action.ID != "" {
		first, err := p.dedup.FirstSeen(ctx, action.ID)
		switch {
		case err != nil:
			p.logger.WithError(err).WithField("action_id", action.ID).Warn("dedup check failed, processing anyway")
		case !first:
			return OutcomeDuplicate, nil
		default:
			recorded = true
		}
	}

	outcome, err := p.handle(ctx, action, isAggregate)
	if err != nil && recorded {
		p.forget(ctx, action.ID)
	}
	return outcome, err
}

// forget releases a delivery id after a failure. It runs past the
// delivery deadline.
func (p *Processor) forget(ctx context.Context, actionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forgetTimeout)
	defer cancel()
	if err := p.dedup.Forget(ctx, actionID); err != nil {
		p.logger.WithError(err).WithField("action_id", actionID).Warn("could not release delivery id")
	}
}

func (p *Processor) handle(ctx context.Context, action WebhookAction, isAggregate bool) (Outcome, error) {
	data := action.Data
	cardID := data.Card.ID
	guard := p.engine.guard
	if !guard.MarkProcessing(cardID) {
		p.logger.WithFields(log.Fields{"card": cardID, "action": action.Type}).Info("card already processing, dropping event")
		return OutcomeBusy, nil
	}
	defer guard.ClearProcessing(cardID)

	if err := guard.Acquire(ctx, cardID); err != nil {
		return OutcomeIgnored, fmt.Errorf("acquire card %s: %w", cardID, err)
	}
	defer guard.Release(cardID)

	if isAggregate {
		return p.processAggregate(ctx, action)
	}
	return p.processSource(ctx, action)
}

func (p *Processor) processSource(ctx context.Context, action WebhookAction) (Outcome, error) {
	boardID := action.Data.Board.ID
	cardID := action.Data.Card.ID

	if action.Type == ActionTypeDeleteCard {
		result, err := p.engine.RemoveMirror(ctx, boardID, cardID)
		if err != nil {
			return OutcomeIgnored, err
		}
		if result == ActionNone {
			return OutcomeIgnored, nil
		}
		return OutcomeMirrored, nil
	}

	target := ""
	moved := false
	switch {
	case action.Type == ActionTypeCreateCard && action.Data.List != nil:
		target = action.Data.List.Name
		moved = true
	case action.Type == ActionTypeUpdateCard && action.Data.ListAfter != nil:
		target = action.Data.ListAfter.Name
		moved = true
	}
	if target == "" {
		name, ok, err := p.currentListName(ctx, boardID, cardID)
		if err != nil {
			return OutcomeIgnored, err
		}
		if !ok {
			p.logger.WithFields(log.Fields{"card": cardID, "board": boardID}).Warn("could not resolve card list")
			return OutcomeIgnored, nil
		}
		target = name
	}

	cfg := p.engine.Config()
	// Only a card landing in Inbox is nudged, not edits to one already there.
	if moved && target == cfg.InboxList {
		relocation, err := p.engine.scheduler.relocateLocked(ctx, cardID, boardID)
		switch {
		case err != nil:
			p.logger.WithError(err).WithField("card", cardID).Warn("inbox relocation failed, mirroring as is")
		case relocation.Outcome == RelocationMoved:
			target = relocation.Tier
		}
	}

	if _, err := p.engine.HandleCardMove(ctx, boardID, cardID, target); err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeMirrored, nil
}

// currentListName fetches the card and maps its list id back to a name,
// refreshing the board's lists once when the id is unknown.
func (p *Processor) currentListName(ctx context.Context, boardID, cardID string) (string, bool, error) {
	card, err := p.engine.remote.GetCard(ctx, cardID)
	if err != nil {
		return "", false, fmt.Errorf("fetch card %s: %w", cardID, err)
	}
	if name, ok := p.engine.state.ListName(boardID, card.IDList); ok {
		return name, true, nil
	}
	if err := p.engine.RefreshBoardLists(ctx, boardID); err != nil {
		return "", false, fmt.Errorf("refresh lists for board %s: %w", boardID, err)
	}
	name, ok := p.engine.state.ListName(boardID, card.IDList)
	return name, ok, nil
}

func (p *Processor) isOwnEcho(action WebhookAction) bool {
	after := action.Data.ListAfter
	listID := after.ID
	if listID == "" {
		id, ok := p.engine.state.ListID(p.engine.Config().AggregateBoardID, after.Name)
		if !ok {
			return false
		}
		listID = id
	}
	return p.engine.IsOwnEcho(action.MemberCreator.ID, action.Data.Card.ID, listID)
}

func (p *Processor) processAggregate(ctx context.Context, action WebhookAction) (Outcome, error) {
	cardID := action.Data.Card.ID
	switch {
	case action.Type == ActionTypeDeleteCard:
		if key, ok := p.engine.state.ForgetMirror(cardID); ok {
			p.logger.WithFields(log.Fields{"mirror": cardID, "card": key.CardID}).Info("mirror deleted on aggregate board, mapping dropped")
			return OutcomeForgotten, nil
		}
		return OutcomeIgnored, nil
	case action.Type == ActionTypeUpdateCard && action.Data.ListAfter != nil:
		if p.isOwnEcho(action) {
			p.logger.WithFields(log.Fields{"mirror": cardID, "list": action.Data.ListAfter.Name}).Debug("echo of own mirror move, ignoring")
			return OutcomeEcho, nil
		}
		card := trello.Card{
			ID:   cardID,
			Name: action.Data.Card.Name,
			Desc: action.Data.Card.Desc,
		}
		if _, err := p.engine.HandleAggregateCardMove(ctx, card, action.Data.ListAfter.Name); err != nil {
			return OutcomeIgnored, err
		}
		return OutcomeReversed, nil
	}
	return OutcomeIgnored, nil
}
