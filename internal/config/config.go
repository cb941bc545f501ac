// Package config loads the static board configuration: which boards are
// mirrored, which lists are tracked, the due-date urgency tiers and the
// credentials used to talk to the board service.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultLabelColor     = "sky"
	DefaultTimezone       = "UTC"
	DefaultSweepInterval  = 6 * time.Hour
	DefaultWebhookTimeout = 15 * time.Second
	DefaultLockTimeout    = 5 * time.Second
	DefaultDedupTTL       = 10 * time.Minute
	DefaultListenAddr     = ":8080"
	DefaultInboxList      = "Inbox"
)

type Board struct {
	ID   string `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name"`
}

type LabelColor struct {
	Board string `mapstructure:"board" yaml:"board"`
	Color string `mapstructure:"color" yaml:"color"`
}

// Tier is a due-date urgency bucket. A card whose due date is at most
// MaxDays away belongs in the tracked list named Name.
type Tier struct {
	Name    string `mapstructure:"name" yaml:"name"`
	MaxDays int    `mapstructure:"max_days" yaml:"max_days"`
}

type TrelloConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Token      string        `mapstructure:"token"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

type WebhookConfig struct {
	Secret      string        `mapstructure:"secret"`
	CallbackURL string        `mapstructure:"callback_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DedupDSN    string        `mapstructure:"dedup_dsn"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
}

type ServerConfig struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	TriggerToken string   `mapstructure:"trigger_token"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

type Config struct {
	SourceBoards      []Board       `mapstructure:"source_boards"`
	AggregateBoardID  string        `mapstructure:"aggregate_board_id"`
	TrackedLists      []string      `mapstructure:"tracked_lists"`
	InboxList         string        `mapstructure:"inbox_list"`
	LabelColors       []LabelColor  `mapstructure:"label_colors"`
	DefaultLabelColor string        `mapstructure:"default_label_color"`
	Tiers             []Tier        `mapstructure:"tiers"`
	Timezone          string        `mapstructure:"timezone"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`

	Trello  TrelloConfig  `mapstructure:"trello"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Server  ServerConfig  `mapstructure:"server"`

	location *time.Location
}

func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Today", MaxDays: 0},
		{Name: "Next 7 days", MaxDays: 7},
		{Name: "Next 30 days", MaxDays: 30},
	}
}

// Normalize fills defaults, sorts tiers ascending by MaxDays and resolves
// the timezone. It is called by Load and may be called again on a
// hand-built Config.
func (c *Config) Normalize() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	for i := range c.SourceBoards {
		c.SourceBoards[i].ID = strings.TrimSpace(c.SourceBoards[i].ID)
		c.SourceBoards[i].Name = strings.TrimSpace(c.SourceBoards[i].Name)
	}
	c.AggregateBoardID = strings.TrimSpace(c.AggregateBoardID)
	if strings.TrimSpace(c.InboxList) == "" {
		c.InboxList = DefaultInboxList
	}
	if strings.TrimSpace(c.DefaultLabelColor) == "" {
		c.DefaultLabelColor = DefaultLabelColor
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	sort.SliceStable(c.Tiers, func(i, j int) bool { return c.Tiers[i].MaxDays < c.Tiers[j].MaxDays })
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, c.Timezone, err)
	}
	c.location = loc
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Webhook.DedupTTL <= 0 {
		c.Webhook.DedupTTL = DefaultDedupTTL
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	if len(c.SourceBoards) == 0 {
		return fmt.Errorf("%w: at least one source board is required", ErrInvalidConfig)
	}
	if c.AggregateBoardID == "" {
		return fmt.Errorf("%w: aggregate board id is required", ErrInvalidConfig)
	}
	seenIDs := map[string]bool{}
	seenNames := map[string]bool{}
	for _, board := range c.SourceBoards {
		if board.ID == "" || board.Name == "" {
			return fmt.Errorf("%w: source board requires id and name", ErrInvalidConfig)
		}
		if board.ID == c.AggregateBoardID {
			return fmt.Errorf("%w: board %s is both source and aggregate", ErrInvalidConfig, board.ID)
		}
		if seenIDs[board.ID] || seenNames[board.Name] {
			return fmt.Errorf("%w: duplicate source board %s (%s)", ErrInvalidConfig, board.Name, board.ID)
		}
		seenIDs[board.ID] = true
		seenNames[board.Name] = true
	}
	if len(c.TrackedLists) == 0 {
		return fmt.Errorf("%w: at least one tracked list is required", ErrInvalidConfig)
	}
	for _, tier := range c.Tiers {
		if tier.MaxDays < 0 {
			return fmt.Errorf("%w: tier %q has negative max_days", ErrInvalidConfig, tier.Name)
		}
		if !c.IsTracked(tier.Name) {
			return fmt.Errorf("%w: tier %q is not a tracked list", ErrInvalidConfig, tier.Name)
		}
	}
	return nil
}

// Location returns the reference timezone for due-date arithmetic.
func (c *Config) Location() *time.Location {
	if c == nil || c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) IsTracked(listName string) bool {
	if c == nil {
		return false
	}
	for _, name := range c.TrackedLists {
		if name == listName {
			return true
		}
	}
	return false
}

func (c *Config) SourceBoardByID(id string) (Board, bool) {
	for _, board := range c.SourceBoards {
		if board.ID == id {
			return board, true
		}
	}
	return Board{}, false
}

func (c *Config) SourceBoardByName(name string) (Board, bool) {
	for _, board := range c.SourceBoards {
		if board.Name == name {
			return board, true
		}
	}
	return Board{}, false
}

// LabelColorFor returns the origin label color for a source board name.
func (c *Config) LabelColorFor(boardName string) string {
	for _, entry := range c.LabelColors {
		if strings.EqualFold(entry.Board, boardName) && strings.TrimSpace(entry.Color) != "" {
			return entry.Color
		}
	}
	if c.DefaultLabelColor == "" {
		return DefaultLabelColor
	}
	return c.DefaultLabelColor
}

// TierFor returns the first tier, in ascending MaxDays order, whose
// threshold covers daysUntilDue. Overdue cards (negative days) land in the
// most urgent tier.
func (c *Config) TierFor(daysUntilDue int) (Tier, bool) {
	for _, tier := range c.Tiers {
		if daysUntilDue <= tier.MaxDays {
			return tier, true
		}
	}
	return Tier{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.SourceBoards = append([]Board(nil), c.SourceBoards...)
	out.TrackedLists = append([]string(nil), c.TrackedLists...)
	out.LabelColors = append([]LabelColor(nil), c.LabelColors...)
	out.Tiers = append([]Tier(nil), c.Tiers...)
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return &out
}
