package model

import (
	"time"

	"github.com/google/uuid"
)

// Action identifiers. The set is closed; unknown values are rejected when a
// rule is loaded.
const (
	ActionMarkAsRead   = "mark_as_read"
	ActionMoveToFolder = "move_to_folder"
	ActionArchive      = "archive"
	ActionAddLabel     = "add_label"
	ActionStar         = "star"
	ActionTrash        = "trash"
	ActionForward      = "forward"
	ActionNotify       = "notify"
)

// KnownActions lists every action a rule may name.
var KnownActions = []string{
	ActionMarkAsRead,
	ActionMoveToFolder,
	ActionArchive,
	ActionAddLabel,
	ActionStar,
	ActionTrash,
	ActionForward,
	ActionNotify,
}

// IsKnownAction reports whether action belongs to the closed action set.
func IsKnownAction(action string) bool {
	for _, a := range KnownActions {
		if a == action {
			return true
		}
	}
	return false
}

// Rule is a triage rule. Higher Priority is evaluated first; Seq breaks ties
// (lower Seq was created earlier).
type Rule struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	Action    string    `json:"action" yaml:"action"`
	ActionArg string    `json:"action_arg,omitempty" yaml:"action_arg"`
	Priority  int       `json:"priority" yaml:"priority"`
	Active    bool      `json:"active" yaml:"active"`
	Seq       int64     `json:"seq" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

func NewRule(name, pattern, action string, priority int) *Rule {
	return &Rule{
		ID:        uuid.New().String(),
		Name:      name,
		Pattern:   pattern,
		Action:    action,
		Priority:  priority,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

// RuleMatchEvent records that Rule fired for Message. At most one exists per
// message.
type RuleMatchEvent struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	RuleID    string    `json:"rule_id"`
	Action    string    `json:"action"`
	MatchedAt time.Time `json:"matched_at"`
}

func NewRuleMatchEvent(messageID string, rule *Rule, at time.Time) *RuleMatchEvent {
	return &RuleMatchEvent{
		ID:        uuid.New().String(),
		MessageID: messageID,
		RuleID:    rule.ID,
		Action:    rule.Action,
		MatchedAt: at,
	}
}
