package trello

import (
	"strings"
	"time"
)

type List struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IDBoard string `json:"idBoard"`
	Closed  bool   `json:"closed,omitempty"`
}

type Label struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"color"`
	IDBoard string `json:"idBoard,omitempty"`
}

type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Card struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Desc     string     `json:"desc"`
	Due      *time.Time `json:"due"`
	IDList   string     `json:"idList"`
	IDBoard  string     `json:"idBoard"`
	IDLabels []string   `json:"idLabels"`
	Labels   []Label    `json:"labels"`
	Closed   bool       `json:"closed,omitempty"`
}

// HasDue reports whether the card carries a due date.
func (c Card) HasDue() bool {
	return c.Due != nil && !c.Due.IsZero()
}

// CardCreate is the payload for POST /cards.
type CardCreate struct {
	ListID   string
	Name     string
	Desc     string
	Due      *time.Time
	LabelIDs []string
}

func (c CardCreate) body() map[string]any {
	body := map[string]any{
		"idList": c.ListID,
		"name":   c.Name,
		"desc":   c.Desc,
		"pos":    "bottom",
	}
	if c.Due != nil && !c.Due.IsZero() {
		body["due"] = c.Due.UTC().Format(time.RFC3339)
	}
	if len(c.LabelIDs) > 0 {
		body["idLabels"] = strings.Join(c.LabelIDs, ",")
	}
	return body
}

// CardUpdate is a partial card update. Nil fields are left untouched.
type CardUpdate struct {
	ListID   *string
	Name     *string
	Desc     *string
	Due      *time.Time
	ClearDue bool
	LabelIDs *[]string
}

// MoveTo returns an update that only relocates the card.
func MoveTo(listID string) CardUpdate {
	return CardUpdate{ListID: &listID}
}

func (u CardUpdate) IsEmpty() bool {
	return u.ListID == nil && u.Name == nil && u.Desc == nil && u.Due == nil && !u.ClearDue && u.LabelIDs == nil
}

func (u CardUpdate) body() map[string]any {
	body := map[string]any{}
	if u.ListID != nil {
		body["idList"] = *u.ListID
	}
	if u.Name != nil {
		body["name"] = *u.Name
	}
	if u.Desc != nil {
		body["desc"] = *u.Desc
	}
	switch {
	case u.ClearDue:
		body["due"] = nil
	case u.Due != nil && !u.Due.IsZero():
		body["due"] = u.Due.UTC().Format(time.RFC3339)
	}
	if u.LabelIDs != nil {
		body["idLabels"] = strings.Join(*u.LabelIDs, ",")
	}
	return body
}
