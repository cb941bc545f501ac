// Package mirror keeps cards on the source boards and their copies on the
// aggregate board in sync. The Engine owns the mapping state, the per-card
// guard and the retrying remote client; the Processor feeds it webhook
// actions and PerformDailyCardMovement drives the due-date sweep.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/trello"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/agentworkforce/cardmirror/internal/mirror"

var ErrUnknownBoard = errors.New("unknown board")

// Action is what HandleCardMove did to the mirror.
type Action string

const (
	ActionNone      Action = "none"
	ActionCreated   Action = "created"
	ActionAdopted   Action = "adopted"
	ActionUpdated   Action = "updated"
	ActionRecreated Action = "recreated"
	ActionDeleted   Action = "deleted"
	ActionSkipped   Action = "skipped"
)

// ReverseOutcome is what HandleAggregateCardMove did to the source card.
type ReverseOutcome string

const (
	ReverseMoved         ReverseOutcome = "moved"
	ReverseInPlace       ReverseOutcome = "already_placed"
	ReverseNoProvenance  ReverseOutcome = "no_provenance"
	ReverseUnknownBoard  ReverseOutcome = "unknown_board"
	ReverseUnmapped      ReverseOutcome = "unmapped"
	ReverseUntrackedList ReverseOutcome = "untracked_list"
)

type Options struct {
	Config         *config.Config
	Client         BoardClient
	Retry          *RetryPolicy
	Guard          *Guard
	State          *SyncState
	Logger         *log.Logger
	TracerProvider trace.TracerProvider
	Now            func() time.Time
	// EchoWindow is how long a mirror move waits for its webhook echo.
	EchoWindow time.Duration
}

type Engine struct {
	cfg       atomic.Pointer[config.Config]
	remote    retryingClient
	state     *SyncState
	guard     *Guard
	scheduler *Scheduler
	logger    *log.Logger
	tracer    trace.Tracer
	now       func() time.Time
	echoes    *echoLedger
	memberID  atomic.Pointer[string]

	sweeping  atomic.Bool
	sweepMu   sync.Mutex
	lastSweep *SweepReport
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	policy := opts.Retry
	if policy == nil {
		policy = NewRetryPolicy(DefaultMaxAttempts, DefaultBaseDelay)
	}
	guard := opts.Guard
	if guard == nil {
		guard = NewGuard(opts.Config.LockTimeout)
	}
	state := opts.State
	if state == nil {
		state = NewSyncState()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		remote: retryingClient{client: opts.Client, policy: policy},
		state:  state,
		guard:  guard,
		logger: logger,
		tracer: provider.Tracer(tracerName),
		now:    now,
		echoes: newEchoLedger(opts.EchoWindow),
	}
	e.cfg.Store(opts.Config)
	e.scheduler = &Scheduler{
		remote: e.remote,
		state:  state,
		guard:  guard,
		cfg:    e.Config,
		logger: logger,
		tracer: e.tracer,
		now:    now,
	}
	return e, nil
}

func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

func (e *Engine) State() *SyncState {
	return e.state
}

func (e *Engine) Guard() *Guard {
	return e.guard
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Initialize rebuilds the list mapping from the current lists of every
// source board and the aggregate board. Re-running it replaces the mapping.
func (e *Engine) Initialize(ctx context.Context) error {
	cfg := e.Config()
	ctx, span := e.tracer.Start(ctx, "mirror.initialize")
	var err error
	defer func() { endSpan(span, err) }()

	boards := make([]string, 0, len(cfg.SourceBoards)+1)
	for _, board := range cfg.SourceBoards {
		boards = append(boards, board.ID)
	}
	boards = append(boards, cfg.AggregateBoardID)

	next := map[ListKey]string{}
	for _, boardID := range boards {
		var lists []trello.List
		lists, err = e.remote.GetLists(ctx, boardID)
		if err != nil {
			err = fmt.Errorf("initialize lists for board %s: %w", boardID, err)
			return err
		}
		for _, list := range lists {
			key := ListKey{BoardID: boardID, Name: list.Name}
			if _, dup := next[key]; dup {
				e.logger.WithFields(log.Fields{"board": boardID, "list": list.Name}).Warn("duplicate list name, keeping first")
				continue
			}
			next[key] = list.ID
		}
		for _, name := range cfg.TrackedLists {
			if _, ok := next[ListKey{BoardID: boardID, Name: name}]; !ok {
				e.logger.WithFields(log.Fields{"board": boardID, "list": name}).Warn("tracked list missing on board")
			}
		}
	}
	e.state.ReplaceLists(next)
	e.logger.WithFields(log.Fields{"boards": len(boards), "lists": len(next)}).Info("list mapping initialized")
	e.resolveMember(ctx)
	return nil
}

// resolveMember looks up the member behind the API token once. Without it
// echo detection falls back to the write ledger alone.
func (e *Engine) resolveMember(ctx context.Context) {
	if e.MemberID() != "" {
		return
	}
	member, err := e.remote.Me(ctx)
	if err != nil {
		e.logger.WithError(err).Warn("could not resolve token member")
		return
	}
	e.memberID.Store(&member.ID)
	e.logger.WithFields(log.Fields{"member": member.ID, "username": member.Username}).Debug("token member resolved")
}

// MemberID is the member the API token acts as, or "" when unknown.
func (e *Engine) MemberID() string {
	if id := e.memberID.Load(); id != nil {
		return *id
	}
	return ""
}

// IsOwnEcho reports whether a move of mirrorID into listID, performed by
// memberID, is the webhook echo of a move the engine made itself. A match
// is consumed.
func (e *Engine) IsOwnEcho(memberID, mirrorID, listID string) bool {
	if self := e.MemberID(); self != "" && memberID != self {
		return false
	}
	return e.echoes.consume(mirrorID, listID, e.now())
}

// RefreshBoardLists re-reads one board's lists into the mapping.
func (e *Engine) RefreshBoardLists(ctx context.Context, boardID string) error {
	lists, err := e.remote.GetLists(ctx, boardID)
	if err != nil {
		return err
	}
	e.state.ReplaceBoardLists(boardID, lists)
	return nil
}

// Reconfigure swaps the static configuration and rebuilds the list mapping.
// The card mapping is kept; entries for removed boards are dropped.
func (e *Engine) Reconfigure(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", config.ErrInvalidConfig)
	}
	e.cfg.Store(cfg)
	e.guard.SetTimeout(cfg.LockTimeout)
	for key := range e.state.Mirrors() {
		if _, ok := cfg.SourceBoardByID(key.BoardID); !ok {
			e.state.DeleteMirror(key)
		}
	}
	return e.Initialize(ctx)
}

// HandleCardMove brings the mirror of a source card in line with the list
// the card now sits in.
func (e *Engine) HandleCardMove(ctx context.Context, boardID, cardID, targetList string) (Action, error) {
	cfg := e.Config()
	board, ok := cfg.SourceBoardByID(boardID)
	if !ok {
		return ActionNone, fmt.Errorf("%w: %s is not a source board", ErrUnknownBoard, boardID)
	}
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "mirror.move", trace.WithAttributes(
		attribute.String("card.id", cardID),
		attribute.String("board.name", board.Name),
		attribute.String("list.target", targetList),
	))

	key := CardKey{BoardID: boardID, CardID: cardID}
	mirrorID, mapped := e.state.Mirror(key)
	tracked := cfg.IsTracked(targetList)

	var action Action
	var err error
	switch {
	case !mapped && tracked:
		action, err = e.createMirror(ctx, board, key, targetList)
	case mapped && tracked:
		action, err = e.updateMirror(ctx, board, key, mirrorID, targetList)
	case mapped && !tracked:
		action, err = e.deleteMirror(ctx, key, mirrorID)
	default:
		action = ActionNone
	}
	span.SetAttributes(attribute.String("mirror.action", string(action)))
	endSpan(span, err)

	fields := log.Fields{
		"card":       cardID,
		"board":      board.Name,
		"list":       targetList,
		"action":     action,
		"elapsed_ms": e.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("mirror operation failed")
		return action, err
	}
	e.logger.WithFields(fields).Debug("mirror operation finished")
	return action, nil
}

// RemoveMirror deletes the mirror of a source card that no longer exists.
func (e *Engine) RemoveMirror(ctx context.Context, boardID, cardID string) (Action, error) {
	key := CardKey{BoardID: boardID, CardID: cardID}
	mirrorID, mapped := e.state.Mirror(key)
	if !mapped {
		return ActionNone, nil
	}
	ctx, span := e.tracer.Start(ctx, "mirror.remove", trace.WithAttributes(attribute.String("card.id", cardID)))
	action, err := e.deleteMirror(ctx, key, mirrorID)
	endSpan(span, err)
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{"card": cardID, "board": boardID}).Error("mirror removal failed")
	}
	return action, err
}

func (e *Engine) createMirror(ctx context.Context, board config.Board, key CardKey, targetList string) (Action, error) {
	cfg := e.Config()
	aggListID, ok := e.state.ListID(cfg.AggregateBoardID, targetList)
	if !ok {
		e.logMissingList(cfg.AggregateBoardID, targetList, key.CardID)
		return ActionSkipped, nil
	}
	source, err := e.remote.GetCard(ctx, key.CardID)
	if err != nil {
		return ActionNone, fmt.Errorf("fetch source card: %w", err)
	}
	return e.createFromSource(ctx, board, key, source, aggListID)
}

func (e *Engine) createFromSource(ctx context.Context, board config.Board, key CardKey, source trello.Card, aggListID string) (Action, error) {
	ctx, span := e.tracer.Start(ctx, "mirror.create")
	var err error
	defer func() { endSpan(span, err) }()

	existing, found, err := e.findExistingMirror(ctx, board, source.Name)
	if err != nil {
		return ActionNone, err
	}
	if found {
		e.state.SetMirror(key, existing.ID)
		e.logger.WithFields(log.Fields{"card": key.CardID, "mirror": existing.ID, "board": board.Name}).Info("adopted existing mirror")
		if err = e.pushUpdate(ctx, board, source, existing.ID, aggListID); err != nil {
			if trello.IsNotFound(err) {
				e.state.DeleteMirror(key)
			}
			return ActionAdopted, err
		}
		return ActionAdopted, nil
	}

	labelIDs, err := e.mirrorLabels(ctx, board, source)
	if err != nil {
		return ActionNone, err
	}
	created, err := e.remote.CreateCard(ctx, trello.CardCreate{
		ListID:   aggListID,
		Name:     source.Name,
		Desc:     FormatDescription(board.Name, source.Desc),
		Due:      source.Due,
		LabelIDs: labelIDs,
	})
	if err != nil {
		err = fmt.Errorf("create mirror: %w", err)
		return ActionNone, err
	}
	e.state.SetMirror(key, created.ID)
	return ActionCreated, nil
}

// findExistingMirror looks on the aggregate board for an unmapped card
// with the same name whose provenance names board.
func (e *Engine) findExistingMirror(ctx context.Context, board config.Board, name string) (trello.Card, bool, error) {
	cards, err := e.remote.GetCards(ctx, e.Config().AggregateBoardID)
	if err != nil {
		return trello.Card{}, false, fmt.Errorf("search aggregate board: %w", err)
	}
	for _, card := range cards {
		if card.Name != name {
			continue
		}
		prov, ok := ParseProvenance(card.Desc)
		if !ok || prov.SourceBoardName != board.Name {
			continue
		}
		if _, taken := e.state.FindSourceCard(card.ID, board.ID); taken {
			continue
		}
		return card, true, nil
	}
	return trello.Card{}, false, nil
}

func (e *Engine) updateMirror(ctx context.Context, board config.Board, key CardKey, mirrorID, targetList string) (Action, error) {
	cfg := e.Config()
	aggListID, ok := e.state.ListID(cfg.AggregateBoardID, targetList)
	if !ok {
		e.logMissingList(cfg.AggregateBoardID, targetList, key.CardID)
		return ActionSkipped, nil
	}
	source, err := e.remote.GetCard(ctx, key.CardID)
	if err != nil {
		return ActionNone, fmt.Errorf("fetch source card: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "mirror.update", trace.WithAttributes(attribute.String("mirror.id", mirrorID)))
	err = e.pushUpdate(ctx, board, source, mirrorID, aggListID)
	endSpan(span, err)
	if err == nil {
		return ActionUpdated, nil
	}
	if !trello.IsNotFound(err) {
		return ActionNone, fmt.Errorf("update mirror %s: %w", mirrorID, err)
	}

	e.logger.WithFields(log.Fields{"card": key.CardID, "mirror": mirrorID, "board": board.Name}).Warn("mirror deleted out of band, recreating")
	e.state.DeleteMirror(key)
	action, err := e.createFromSource(ctx, board, key, source, aggListID)
	if err != nil {
		return ActionNone, err
	}
	if action == ActionCreated {
		action = ActionRecreated
	}
	return action, nil
}

func (e *Engine) pushUpdate(ctx context.Context, board config.Board, source trello.Card, mirrorID, aggListID string) error {
	labelIDs, err := e.mirrorLabels(ctx, board, source)
	if err != nil {
		return err
	}
	desc := FormatDescription(board.Name, source.Desc)
	update := trello.CardUpdate{
		ListID:   &aggListID,
		Name:     &source.Name,
		Desc:     &desc,
		LabelIDs: &labelIDs,
	}
	if source.HasDue() {
		update.Due = source.Due
	} else {
		update.ClearDue = true
	}
	if _, err = e.remote.UpdateCard(ctx, mirrorID, update); err != nil {
		return err
	}
	e.echoes.record(mirrorID, aggListID, e.now())
	return nil
}

func (e *Engine) deleteMirror(ctx context.Context, key CardKey, mirrorID string) (Action, error) {
	ctx, span := e.tracer.Start(ctx, "mirror.delete", trace.WithAttributes(attribute.String("mirror.id", mirrorID)))
	err := e.remote.DeleteCard(ctx, mirrorID)
	if err != nil && !trello.IsNotFound(err) {
		endSpan(span, err)
		return ActionNone, fmt.Errorf("delete mirror %s: %w", mirrorID, err)
	}
	endSpan(span, nil)
	if err != nil {
		e.logger.WithFields(log.Fields{"card": key.CardID, "mirror": mirrorID}).Info("mirror already gone")
	}
	e.state.DeleteMirror(key)
	return ActionDeleted, nil
}

// HandleAggregateCardMove pushes a move made on the aggregate board back to
// the source card the mirror was made from. It never creates or deletes.
func (e *Engine) HandleAggregateCardMove(ctx context.Context, card trello.Card, targetList string) (ReverseOutcome, error) {
	cfg := e.Config()
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "mirror.reverse", trace.WithAttributes(
		attribute.String("card.id", card.ID),
		attribute.String("list.target", targetList),
	))
	outcome, err := e.reverse(ctx, cfg, card, targetList)
	span.SetAttributes(attribute.String("mirror.reverse_outcome", string(outcome)))
	endSpan(span, err)

	fields := log.Fields{
		"card":       card.ID,
		"list":       targetList,
		"outcome":    outcome,
		"elapsed_ms": e.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Error("reverse propagation failed")
		return outcome, err
	}
	if outcome != ReverseMoved && outcome != ReverseInPlace {
		e.logger.WithFields(fields).Info("reverse propagation skipped")
	}
	return outcome, nil
}

func (e *Engine) reverse(ctx context.Context, cfg *config.Config, card trello.Card, targetList string) (ReverseOutcome, error) {
	if card.Desc == "" {
		full, err := e.remote.GetCard(ctx, card.ID)
		if err != nil {
			return "", fmt.Errorf("fetch aggregate card: %w", err)
		}
		card = full
	}
	prov, ok := ParseProvenance(card.Desc)
	if !ok {
		return ReverseNoProvenance, nil
	}
	board, ok := cfg.SourceBoardByName(prov.SourceBoardName)
	if !ok {
		return ReverseUnknownBoard, nil
	}
	key, ok := e.state.FindSourceCard(card.ID, board.ID)
	if !ok {
		return ReverseUnmapped, nil
	}
	if !cfg.IsTracked(targetList) {
		return ReverseUntrackedList, nil
	}
	listID, ok := e.state.ListID(board.ID, targetList)
	if !ok {
		return ReverseUntrackedList, nil
	}

	source, err := e.remote.GetCard(ctx, key.CardID)
	if err != nil {
		return "", fmt.Errorf("fetch source card: %w", err)
	}
	if source.IDList == listID {
		return ReverseInPlace, nil
	}
	if _, err := e.remote.UpdateCard(ctx, key.CardID, trello.MoveTo(listID)); err != nil {
		return "", fmt.Errorf("move source card %s: %w", key.CardID, err)
	}
	return ReverseMoved, nil
}

func (e *Engine) logMissingList(boardID, listName, cardID string) {
	e.logger.WithFields(log.Fields{
		"board": boardID,
		"list":  listName,
		"card":  cardID,
	}).Warn("no list mapped for name, skipping")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
