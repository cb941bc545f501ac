package mirror

import (
	"context"

	"github.com/agentworkforce/cardmirror/internal/trello"
)

// BoardClient is the remote board service as seen by the engine.
// *trello.Client satisfies it.
type BoardClient interface {
	GetLists(ctx context.Context, boardID string) ([]trello.List, error)
	GetCards(ctx context.Context, boardID string) ([]trello.Card, error)
	GetLabels(ctx context.Context, boardID string) ([]trello.Label, error)
	CreateLabel(ctx context.Context, boardID, name, color string) (trello.Label, error)
	CreateCard(ctx context.Context, req trello.CardCreate) (trello.Card, error)
	UpdateCard(ctx context.Context, cardID string, update trello.CardUpdate) (trello.Card, error)
	DeleteCard(ctx context.Context, cardID string) error
	GetCard(ctx context.Context, cardID string) (trello.Card, error)
	Me(ctx context.Context) (trello.Member, error)
}

// retryingClient routes every call through the retry policy. The engine
// and scheduler only hold this type.
type retryingClient struct {
	client BoardClient
	policy *RetryPolicy
}

func (r retryingClient) GetLists(ctx context.Context, boardID string) ([]trello.List, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) ([]trello.List, error) {
		return r.client.GetLists(ctx, boardID)
	})
}

func (r retryingClient) GetCards(ctx context.Context, boardID string) ([]trello.Card, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) ([]trello.Card, error) {
		return r.client.GetCards(ctx, boardID)
	})
}

func (r retryingClient) GetLabels(ctx context.Context, boardID string) ([]trello.Label, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) ([]trello.Label, error) {
		return r.client.GetLabels(ctx, boardID)
	})
}

func (r retryingClient) CreateLabel(ctx context.Context, boardID, name, color string) (trello.Label, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) (trello.Label, error) {
		return r.client.CreateLabel(ctx, boardID, name, color)
	})
}

func (r retryingClient) CreateCard(ctx context.Context, req trello.CardCreate) (trello.Card, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) (trello.Card, error) {
		return r.client.CreateCard(ctx, req)
	})
}

func (r retryingClient) UpdateCard(ctx context.Context, cardID string, update trello.CardUpdate) (trello.Card, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) (trello.Card, error) {
		return r.client.UpdateCard(ctx, cardID, update)
	})
}

func (r retryingClient) DeleteCard(ctx context.Context, cardID string) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		return r.client.DeleteCard(ctx, cardID)
	})
}

func (r retryingClient) GetCard(ctx context.Context, cardID string) (trello.Card, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) (trello.Card, error) {
		return r.client.GetCard(ctx, cardID)
	})
}

func (r retryingClient) Me(ctx context.Context) (trello.Member, error) {
	return WithRetry(ctx, r.policy, func(ctx context.Context) (trello.Member, error) {
		return r.client.Me(ctx)
	})
}
