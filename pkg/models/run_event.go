package models

import "time"

// RunEventType names a run lifecycle transition published for downstream consumers.
type RunEventType string

const (
	RunEventCompleted RunEventType = "run.completed"
	RunEventFailed    RunEventType = "run.failed"
	RunEventWaiting   RunEventType = "run.waiting"
)

// RunEvent is emitted whenever a run leaves the running state.
type RunEvent struct {
	Type           RunEventType `json:"type"`
	RunID          string       `json:"run_id"`
	GraphID        string       `json:"graph_id"`
	OrganizationID string       `json:"organization_id"`
	SubjectID      string       `json:"subject_id,omitempty"`
	Status         RunStatus    `json:"status"`
	NodeID         string       `json:"node_id,omitempty"`
	Error          *RunError    `json:"error,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// NewRunEvent snapshots run into a lifecycle event for its current status.
func NewRunEvent(run *Run, at time.Time) RunEvent {
	eventType := RunEventWaiting

	switch run.Status {
	case RunStatusCompleted:
		eventType = RunEventCompleted
	case RunStatusFailed:
		eventType = RunEventFailed
	}

	return RunEvent{
		Type:           eventType,
		RunID:          run.ID,
		GraphID:        run.GraphID,
		OrganizationID: run.OrganizationID,
		SubjectID:      run.SubjectID,
		Status:         run.Status,
		NodeID:         run.CurrentNodeID,
		Error:          run.Error,
		OccurredAt:     at,
	}
}
