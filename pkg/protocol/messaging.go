package protocol

import (
	"context"
	"time"
)

// OutboundMessage is a message the messaging transport should deliver to a subject.
type OutboundMessage struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SubjectID      string    `json:"subject_id"`
	Channel        string    `json:"channel"`
	To             string    `json:"to"`
	Body           string    `json:"body"`
	RunID          string    `json:"run_id"`
	NodeID         string    `json:"node_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Alert is an internal notification for operators (e.g. an escalation).
type Alert struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SubjectID      string    `json:"subject_id"`
	UserID         string    `json:"user_id,omitempty"`
	Title          string    `json:"title"`
	Message        string    `json:"message"`
	Severity       string    `json:"severity"`
	RunID          string    `json:"run_id"`
	NodeID         string    `json:"node_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageSender hands a rendered message to the messaging transport.
// It returns the transport's delivery reference.
type MessageSender interface {
	SendMessage(ctx context.Context, message OutboundMessage) (string, error)
}

// Notifier hands an alert to the notification transport.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
