package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidNodeConfig is returned when a node's configuration cannot be decoded
// into the typed view for its kind.
var ErrInvalidNodeConfig = errors.New("invalid node configuration")

// TriggerFrequency controls how often a trigger may start a run for the same subject.
type TriggerFrequency string

const (
	FrequencyAlways TriggerFrequency = "always"
	FrequencyOnce   TriggerFrequency = "once"
)

// TriggerConfig is the typed view of a trigger node's configuration.
type TriggerConfig struct {
	EventType   EventType        `json:"event_type"              validate:"required"`
	StageID     string           `json:"stage_id,omitempty"`
	ToStageID   string           `json:"to_stage_id,omitempty"`
	FromStageID string           `json:"from_stage_id,omitempty"`
	Keyword     string           `json:"keyword,omitempty"`
	TagID       string           `json:"tag_id,omitempty"`
	Source      string           `json:"source,omitempty"`
	Days        int              `json:"days,omitempty"          validate:"gte=0"`
	Cron        string           `json:"cron,omitempty"`
	Frequency   TriggerFrequency `json:"frequency,omitempty"     validate:"omitempty,oneof=always once"`
}

// TargetStageID returns the configured destination stage, accepting either key.
func (c TriggerConfig) TargetStageID() string {
	if c.StageID != "" {
		return c.StageID
	}

	return c.ToStageID
}

// ActionKind is the closed set of actions the dispatcher knows how to perform.
type ActionKind string

const (
	ActionSendMessage ActionKind = "send_message"
	ActionMoveStage   ActionKind = "move_stage"
	ActionAddTag      ActionKind = "add_tag"
	ActionRemoveTag   ActionKind = "remove_tag"
	ActionAssignUser  ActionKind = "assign_user"
	ActionCreateTask  ActionKind = "create_task"
	ActionCallWebhook ActionKind = "call_webhook"
	ActionAlert       ActionKind = "alert"
)

// IsValid reports whether k is a known action kind.
func (k ActionKind) IsValid() bool {
	switch k {
	case ActionSendMessage, ActionMoveStage, ActionAddTag, ActionRemoveTag,
		ActionAssignUser, ActionCreateTask, ActionCallWebhook, ActionAlert:
		return true
	default:
		return false
	}
}

// ActionConfig is the typed view of an action node's configuration. Every key except
// "action" is passed to the handler as a parameter.
type ActionConfig struct {
	Kind   ActionKind     `json:"action" validate:"required"`
	Params map[string]any `json:"-"`
}

// String returns the parameter named key, or "" when absent.
func (c ActionConfig) String(key string) string {
	value, ok := c.Params[key]
	if !ok || value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprint(value)
}

// Int returns the integer parameter named key, or fallback when absent or malformed.
func (c ActionConfig) Int(key string, fallback int) int {
	value, ok := c.Params[key]
	if !ok {
		return fallback
	}

	if n, ok := toInt(value); ok {
		return n
	}

	return fallback
}

// ConditionPredicate names the test a condition node performs.
type ConditionPredicate string

const (
	PredicateHasTag          ConditionPredicate = "has_tag"
	PredicateInStage         ConditionPredicate = "in_stage"
	PredicateMessageContains ConditionPredicate = "message_contains"
)

// IsValid reports whether p is a known predicate.
func (p ConditionPredicate) IsValid() bool {
	switch p {
	case PredicateHasTag, PredicateInStage, PredicateMessageContains:
		return true
	default:
		return false
	}
}

// Branch keys produced by condition nodes.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// ConditionConfig is the typed view of a condition node's configuration.
type ConditionConfig struct {
	Predicate ConditionPredicate `json:"predicate" validate:"required"`
	TagID     string             `json:"tag_id,omitempty"`
	StageID   string             `json:"stage_id,omitempty"`
	Text      string             `json:"text,omitempty"`
	Negate    bool               `json:"negate,omitempty"`
}

// DelayUnit is the time unit of a delay node.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// DelayConfig is the typed view of a delay node's configuration.
type DelayConfig struct {
	Amount int       `json:"amount" validate:"gt=0"`
	Unit   DelayUnit `json:"unit"   validate:"required,oneof=minutes hours days"`
}

// Duration converts the configured amount and unit into a time.Duration.
func (c DelayConfig) Duration() (time.Duration, error) {
	if c.Amount <= 0 {
		return 0, fmt.Errorf("%w: delay amount must be positive", ErrInvalidNodeConfig)
	}

	switch c.Unit {
	case DelayMinutes:
		return time.Duration(c.Amount) * time.Minute, nil
	case DelayHours:
		return time.Duration(c.Amount) * time.Hour, nil
	case DelayDays:
		return time.Duration(c.Amount) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown delay unit %q", ErrInvalidNodeConfig, c.Unit)
	}
}

// TriggerConfig decodes the node's configuration as a trigger.
func (n *Node) TriggerConfig() (TriggerConfig, error) {
	var cfg TriggerConfig
	if err := n.decodeConfig(NodeKindTrigger, &cfg); err != nil {
		return cfg, err
	}

	if cfg.Frequency == "" {
		cfg.Frequency = FrequencyAlways
	}

	return cfg, nil
}

// ActionConfig decodes the node's configuration as an action.
func (n *Node) ActionConfig() (ActionConfig, error) {
	var cfg ActionConfig
	if err := n.decodeConfig(NodeKindAction, &cfg); err != nil {
		return cfg, err
	}

	cfg.Params = make(map[string]any, len(n.Config))

	for key, value := range n.Config {
		if key != "action" {
			cfg.Params[key] = value
		}
	}

	return cfg, nil
}

// ConditionConfig decodes the node's configuration as a condition.
func (n *Node) ConditionConfig() (ConditionConfig, error) {
	var cfg ConditionConfig
	err := n.decodeConfig(NodeKindCondition, &cfg)

	return cfg, err
}

// DelayConfig decodes the node's configuration as a delay.
func (n *Node) DelayConfig() (DelayConfig, error) {
	var cfg DelayConfig
	err := n.decodeConfig(NodeKindDelay, &cfg)

	return cfg, err
}

func (n *Node) decodeConfig(kind NodeKind, target any) error {
	if n.Kind != kind {
		return fmt.Errorf("%w: node %s is %s, not %s", ErrInvalidNodeConfig, n.ID, n.Kind, kind)
	}

	raw, err := json.Marshal(n.Config)
	if err != nil {
		return fmt.Errorf("%w: node %s: %w", ErrInvalidNodeConfig, n.ID, err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: node %s: %w", ErrInvalidNodeConfig, n.ID, err)
	}

	return nil
}
