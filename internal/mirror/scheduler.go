package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/trello"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RelocationOutcome string

const (
	RelocationMoved       RelocationOutcome = "moved"
	RelocationNoDue       RelocationOutcome = "no_due"
	RelocationNoTier      RelocationOutcome = "no_tier"
	RelocationMissingList RelocationOutcome = "missing_list"
	RelocationInPlace     RelocationOutcome = "already_placed"
)

type Relocation struct {
	Outcome      RelocationOutcome
	Tier         string
	DaysUntilDue int
	ListID       string
}

// Scheduler moves source cards into the urgency tier list matching their
// due date.
type Scheduler struct {
	remote retryingClient
	state  *SyncState
	guard  *Guard
	cfg    func() *config.Config
	logger *log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// DaysUntilDue is the number of calendar days from now to due, both taken
// as dates in loc. It is negative for overdue cards.
func DaysUntilDue(now, due time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = due.In(loc).Date()
	dueDay := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(dueDay.Sub(today).Hours() / 24)
}

// RelocateByDueDate moves card on boardID into its urgency tier list. It
// holds the card's guard for the whole check-then-move.
func (s *Scheduler) RelocateByDueDate(ctx context.Context, card trello.Card, boardID string) (Relocation, error) {
	if err := s.guard.Acquire(ctx, card.ID); err != nil {
		return Relocation{}, err
	}
	defer s.guard.Release(card.ID)
	return s.relocateLocked(ctx, card.ID, boardID)
}

// relocateLocked expects the caller to hold the guard for cardID.
func (s *Scheduler) relocateLocked(ctx context.Context, cardID, boardID string) (Relocation, error) {
	cfg := s.cfg()
	ctx, span := s.tracer.Start(ctx, "scheduler.relocate", trace.WithAttributes(
		attribute.String("card.id", cardID),
		attribute.String("board.id", boardID),
	))
	var err error
	defer func() { endSpan(span, err) }()

	card, err := s.remote.GetCard(ctx, cardID)
	if err != nil {
		err = fmt.Errorf("fetch card %s: %w", cardID, err)
		return Relocation{}, err
	}
	if !card.HasDue() {
		return Relocation{Outcome: RelocationNoDue}, nil
	}

	days := DaysUntilDue(s.now(), *card.Due, cfg.Location())
	tier, ok := cfg.TierFor(days)
	if !ok {
		return Relocation{Outcome: RelocationNoTier, DaysUntilDue: days}, nil
	}
	result := Relocation{Tier: tier.Name, DaysUntilDue: days}
	span.SetAttributes(attribute.String("tier", tier.Name), attribute.Int("days_until_due", days))

	listID, ok := s.state.ListID(boardID, tier.Name)
	if !ok {
		s.logger.WithFields(log.Fields{"card": cardID, "board": boardID, "list": tier.Name}).Warn("tier list not mapped, skipping relocation")
		result.Outcome = RelocationMissingList
		return result, nil
	}
	result.ListID = listID
	if card.IDList == listID {
		result.Outcome = RelocationInPlace
		return result, nil
	}

	if _, err = s.remote.UpdateCard(ctx, cardID, trello.MoveTo(listID)); err != nil {
		err = fmt.Errorf("move card %s to %q: %w", cardID, tier.Name, err)
		return result, err
	}
	s.logger.WithFields(log.Fields{"card": cardID, "board": boardID, "list": tier.Name, "days": days}).Info("card relocated by due date")
	result.Outcome = RelocationMoved
	return result, nil
}
