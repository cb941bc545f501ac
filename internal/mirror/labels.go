package mirror

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/trello"
)

const originLabelPrefix = "Origin:"

func OriginLabelName(boardName string) string {
	return originLabelPrefix + boardName
}

// mirrorLabels resolves the aggregate-board label ids for a mirror: the
// source card's labels matched by name (created when absent) followed by
// the board's origin label. Labels are read fresh on every call.
func (e *Engine) mirrorLabels(ctx context.Context, board config.Board, source trello.Card) ([]string, error) {
	cfg := e.Config()
	aggregateID := cfg.AggregateBoardID
	existing, err := e.remote.GetLabels(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("load aggregate labels: %w", err)
	}

	ids := make([]string, 0, len(source.Labels)+1)
	seen := map[string]bool{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, label := range source.Labels {
		if strings.HasPrefix(label.Name, originLabelPrefix) {
			continue
		}
		if label.Name == "" && label.Color == "" {
			continue
		}
		match, ok := findLabel(existing, label.Name, label.Color)
		if !ok {
			match, err = e.remote.CreateLabel(ctx, aggregateID, label.Name, label.Color)
			if err != nil {
				return nil, fmt.Errorf("create label %q: %w", label.Name, err)
			}
			existing = append(existing, match)
		}
		add(match.ID)
	}

	originName := OriginLabelName(board.Name)
	origin, ok := findLabel(existing, originName, "")
	if !ok {
		origin, err = e.remote.CreateLabel(ctx, aggregateID, originName, cfg.LabelColorFor(board.Name))
		if err != nil {
			return nil, fmt.Errorf("create origin label %q: %w", originName, err)
		}
	}
	add(origin.ID)
	return ids, nil
}

// findLabel matches by name; unnamed labels match by color.
func findLabel(labels []trello.Label, name, color string) (trello.Label, bool) {
	for _, label := range labels {
		if label.Name != name {
			continue
		}
		if name == "" && label.Color != color {
			continue
		}
		return label, true
	}
	return trello.Label{}, false
}
