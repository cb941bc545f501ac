package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var ErrSweepInProgress = errors.New("sweep already in progress")

type SweepReport struct {
	ID           string        `json:"id"`
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Boards       int           `json:"boards"`
	FailedBoards int           `json:"failedBoards"`
	Cards        int           `json:"cards"`
	Moved        int           `json:"moved"`
	Failed       int           `json:"failed"`
}

// PerformDailyCardMovement runs the due-date relocation over every card of
// every source board. A failing board or card is logged and skipped.
func (e *Engine) PerformDailyCardMovement(ctx context.Context) (SweepReport, error) {
	if !e.sweeping.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepInProgress
	}
	defer e.sweeping.Store(false)

	cfg := e.Config()
	report := SweepReport{ID: uuid.NewString(), StartedAt: e.now()}
	ctx, span := e.tracer.Start(ctx, "sweep.daily")
	logger := e.logger.WithField("sweep", report.ID)
	logger.Info("daily card movement started")

	for _, board := range cfg.SourceBoards {
		if err := ctx.Err(); err != nil {
			report.Duration = e.now().Sub(report.StartedAt)
			endSpan(span, err)
			return report, err
		}
		report.Boards++
		cards, err := e.remote.GetCards(ctx, board.ID)
		if err != nil {
			report.FailedBoards++
			logger.WithError(err).WithField("board", board.Name).Error("sweep could not list cards")
			continue
		}
		for _, card := range cards {
			if card.Closed {
				continue
			}
			report.Cards++
			result, err := e.scheduler.RelocateByDueDate(ctx, card, board.ID)
			if err != nil {
				report.Failed++
				logger.WithError(err).WithFields(log.Fields{"board": board.Name, "card": card.ID}).Error("sweep relocation failed")
				continue
			}
			if result.Outcome == RelocationMoved {
				report.Moved++
			}
		}
	}

	report.Duration = e.now().Sub(report.StartedAt)
	span.SetAttributes(
		attribute.Int("sweep.cards", report.Cards),
		attribute.Int("sweep.moved", report.Moved),
		attribute.Int("sweep.failed", report.Failed),
	)
	endSpan(span, nil)

	e.sweepMu.Lock()
	last := report
	e.lastSweep = &last
	e.sweepMu.Unlock()

	logger.WithFields(log.Fields{
		"boards":        report.Boards,
		"failed_boards": report.FailedBoards,
		"cards":         report.Cards,
		"moved":         report.Moved,
		"failed":        report.Failed,
		"elapsed_ms":    report.Duration.Milliseconds(),
	}).Info("daily card movement finished")
	return report, nil
}

func (e *Engine) LastSweep() (SweepReport, bool) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()
	if e.lastSweep == nil {
		return SweepReport{}, false
	}
	return *e.lastSweep, true
}
