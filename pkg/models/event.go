package models

import (
	"fmt"
	"strconv"
	"time"
)

// EventType identifies the kind of business event a trigger node listens for.
type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventLeadCreated      EventType = "lead_created"
	EventLeadStageChanged EventType = "lead_stage_changed"
	EventTagAdded         EventType = "tag_added"
	EventScheduledTick    EventType = "scheduled_tick"
	EventManual           EventType = "manual"
	EventInactivityCheck  EventType = "inactivity_check"
)

// EventTypes lists every supported event type.
var EventTypes = []EventType{
	EventMessageReceived,
	EventLeadCreated,
	EventLeadStageChanged,
	EventTagAdded,
	EventScheduledTick,
	EventManual,
	EventInactivityCheck,
}

// IsValid reports whether t is a supported event type.
func (t EventType) IsValid() bool {
	for _, known := range EventTypes {
		if known == t {
			return true
		}
	}

	return false
}

// Well-known payload keys.
const (
	PayloadToStageID     = "to_stage_id"
	PayloadFromStageID   = "from_stage_id"
	PayloadTagID         = "tag_id"
	PayloadText          = "text"
	PayloadSource        = "source"
	PayloadInactiveDays  = "inactive_days"
	PayloadGraphID       = "graph_id"
	PayloadTriggerNodeID = "trigger_node_id"
)

// Event is a domain event emitted by the CRM layer and consumed by the trigger matcher.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"            validate:"required"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	SubjectID      string         `json:"subject_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// ToStageID returns the destination stage of a lead_stage_changed event.
func (e Event) ToStageID() string { return e.stringField(PayloadToStageID) }

// FromStageID returns the origin stage of a lead_stage_changed event.
func (e Event) FromStageID() string { return e.stringField(PayloadFromStageID) }

// TagID returns the tag carried by a tag_added event.
func (e Event) TagID() string { return e.stringField(PayloadTagID) }

// MessageText returns the inbound message body of a message_received event.
func (e Event) MessageText() string { return e.stringField(PayloadText) }

// Source returns the lead source of a lead_created event.
func (e Event) Source() string { return e.stringField(PayloadSource) }

// GraphID returns the graph a manual or scheduled event is addressed to, if any.
func (e Event) GraphID() string { return e.stringField(PayloadGraphID) }

// TriggerNodeID returns the trigger node a manual or scheduled event is addressed to, if any.
func (e Event) TriggerNodeID() string { return e.stringField(PayloadTriggerNodeID) }

// InactiveDays returns how many days the subject of an inactivity_check has been idle.
func (e Event) InactiveDays() int {
	value, ok := e.Payload[PayloadInactiveDays]
	if !ok {
		return 0
	}

	days, _ := toInt(value)

	return days
}

func (e Event) stringField(key string) string {
	value, ok := e.Payload[key]
	if !ok || value == nil {
		return ""
	}

	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprint(value)
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)

		return n, err == nil
	default:
		return 0, false
	}
}
