package trello

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const DefaultBaseURL = "https://api.trello.com/1"

type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Token      string
	HTTPClient *http.Client
	RateLimit  int
	RateWindow time.Duration
	Budget     *RateBudget
	Logger     *log.Logger
}

// Client is a thin REST client for the board service. It performs one
// HTTP request per call and never retries; callers wrap it with a retry
// policy that understands ErrRateLimited.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	budget     *RateBudget
	logger     *log.Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	budget := opts.Budget
	if budget == nil {
		budget = NewRateBudget(opts.RateLimit, opts.RateWindow)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		budget:     budget,
		logger:     logger,
	}
}

func (c *Client) GetLists(ctx context.Context, boardID string) ([]List, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	var lists []List
	err := c.doJSON(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID)+"/lists", url.Values{"filter": {"open"}}, nil, &lists)
	return lists, err
}

func (c *Client) GetCards(ctx context.Context, boardID string) ([]Card, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	var cards []Card
	err := c.doJSON(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID)+"/cards", nil, nil, &cards)
	return cards, err
}

func (c *Client) GetLabels(ctx context.Context, boardID string) ([]Label, error) {
	if strings.TrimSpace(boardID) == "" {
		return nil, fmt.Errorf("%w: board id is required", ErrInvalidInput)
	}
	var labels []Label
	err := c.doJSON(ctx, http.MethodGet, "/boards/"+url.PathEscape(boardID)+"/labels", nil, nil, &labels)
	return labels, err
}

func (c *Client) CreateLabel(ctx context.Context, boardID, name, color string) (Label, error) {
	// Unnamed labels are valid as long as they carry a color.
	if strings.TrimSpace(boardID) == "" || (strings.TrimSpace(name) == "" && strings.TrimSpace(color) == "") {
		return Label{}, fmt.Errorf("%w: board id and a label name or color are required", ErrInvalidInput)
	}
	body := map[string]any{"name": name, "color": color}
	var label Label
	err := c.doJSON(ctx, http.MethodPost, "/boards/"+url.PathEscape(boardID)+"/labels", nil, body, &label)
	return label, err
}

func (c *Client) CreateCard(ctx context.Context, req CardCreate) (Card, error) {
	if strings.TrimSpace(req.ListID) == "" {
		return Card{}, fmt.Errorf("%w: list id is required", ErrInvalidInput)
	}
	var card Card
	err := c.doJSON(ctx, http.MethodPost, "/cards", nil, req.body(), &card)
	return card, err
}

func (c *Client) UpdateCard(ctx context.Context, cardID string, update CardUpdate) (Card, error) {
	if strings.TrimSpace(cardID) == "" {
		return Card{}, fmt.Errorf("%w: card id is required", ErrInvalidInput)
	}
	if update.IsEmpty() {
		return Card{}, fmt.Errorf("%w: update for card %s changes nothing", ErrInvalidInput, cardID)
	}
	var card Card
	err := c.doJSON(ctx, http.MethodPut, "/cards/"+url.PathEscape(cardID), nil, update.body(), &card)
	return card, err
}

func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	if strings.TrimSpace(cardID) == "" {
		return fmt.Errorf("%w: card id is required", ErrInvalidInput)
	}
	return c.doJSON(ctx, http.MethodDelete, "/cards/"+url.PathEscape(cardID), nil, nil, nil)
}

// Me returns the member the token belongs to.
func (c *Client) Me(ctx context.Context) (Member, error) {
	var member Member
	query := url.Values{"fields": {"id,username"}}
	err := c.doJSON(ctx, http.MethodGet, "/members/me", query, nil, &member)
	return member, err
}

func (c *Client) GetCard(ctx context.Context, cardID string) (Card, error) {
	if strings.TrimSpace(cardID) == "" {
		return Card{}, fmt.Errorf("%w: card id is required", ErrInvalidInput)
	}
	var card Card
	query := url.Values{"fields": {"id,name,desc,due,idList,idBoard,idLabels,labels,closed"}}
	err := c.doJSON(ctx, http.MethodGet, "/cards/"+url.PathEscape(cardID), query, nil, &card)
	return card, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, query url.Values, body any, out any) error {
	if c == nil {
		return fmt.Errorf("trello client is nil")
	}
	if err := c.budget.Wait(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	params := url.Values{}
	for key, values := range query {
		params[key] = values
	}
	params.Set("key", c.apiKey)
	params.Set("token", c.token)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath+"?"+params.Encode(), bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trello %s %s: %w", method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	c.logger.WithFields(log.Fields{
		"method":     method,
		"path":       requestPath,
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Debug("trello request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{
			Method:     method,
			Path:       requestPath,
			StatusCode: resp.StatusCode,
			Body:       string(payload),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(payload, out)
}
