package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Rule unlocks content once a user holds every trigger section.
type Rule struct {
	Name     string   `json:"name"`
	Triggers []string `json:"triggers"`
	Actions  []Action `json:"actions" validate:"dive"`
}

// ActionKind tags an Action.
type ActionKind string

// Action kinds
const (
	ActionShowPage      ActionKind = "show_page"
	ActionUnlockSection ActionKind = "unlock_section"
)

// Action is what a fired rule does: show a page or unlock a hidden section.
type Action struct {
	Kind   ActionKind `json:"type" validate:"oneof=show_page unlock_section"`
	Target string     `json:"target" validate:"required"`
}

// ShowPage builds a page action.
func ShowPage(pageID int64) Action {
	return Action{Kind: ActionShowPage, Target: strconv.FormatInt(pageID, 10)}
}

// UnlockSection builds a section unlock action.
func UnlockSection(sectionID string) Action {
	return Action{Kind: ActionUnlockSection, Target: sectionID}
}

// PageID returns the numeric page id of a show_page action.
func (a Action) PageID() (int64, bool) {
	if a.Kind != ActionShowPage {
		return 0, false
	}
	id, err := strconv.ParseInt(a.Target, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// UnmarshalJSON accepts the tagged form {"type","target"} and the legacy
// catalog form {"showPage": 12} / {"allowSectionSubscription": "vip"}.
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type                     ActionKind      `json:"type"`
		Target                   json.RawMessage `json:"target"`
		ShowPage                 json.RawMessage `json:"showPage"`
		AllowSectionSubscription json.RawMessage `json:"allowSectionSubscription"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch {
	case raw.Type != "":
		target, err := scalarString(raw.Target)
		if err != nil {
			return fmt.Errorf("action target: %w", err)
		}
		a.Kind, a.Target = raw.Type, target
	case len(raw.ShowPage) > 0:
		target, err := scalarString(raw.ShowPage)
		if err != nil {
			return fmt.Errorf("showPage: %w", err)
		}
		a.Kind, a.Target = ActionShowPage, target
	case len(raw.AllowSectionSubscription) > 0:
		target, err := scalarString(raw.AllowSectionSubscription)
		if err != nil {
			return fmt.Errorf("allowSectionSubscription: %w", err)
		}
		a.Kind, a.Target = ActionUnlockSection, target
	default:
		return fmt.Errorf("unknown action: %s", string(data))
	}
	return nil
}

// scalarString reads a JSON string or number as a string.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
