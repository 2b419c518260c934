package models

import (
	"fmt"
	"time"
)

// RunStatus is the state of a run in the execution state machine.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusWaiting   RunStatus = "waiting"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// IsValid reports whether s is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusWaiting, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ErrorKind classifies why a run failed.
type ErrorKind string

const (
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindActionFailed      ErrorKind = "action_failed"
	ErrorKindStepLimitExceeded ErrorKind = "step_limit_exceeded"
	ErrorKindMissingNode       ErrorKind = "missing_node"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// RunError is the error detail recorded on a failed run.
type RunError struct {
	Kind      ErrorKind `json:"kind"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *RunError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s at node %s: %s", e.Kind, e.NodeID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// LogOutcome describes what happened when a node was visited.
type LogOutcome string

const (
	OutcomeRouted           LogOutcome = "routed"
	OutcomeBranched         LogOutcome = "branched"
	OutcomeNoMatchingBranch LogOutcome = "no_matching_branch"
	OutcomeSucceeded        LogOutcome = "succeeded"
	OutcomeFailed           LogOutcome = "failed"
	OutcomeScheduled        LogOutcome = "scheduled"
	OutcomeRetryScheduled   LogOutcome = "retry_scheduled"
)

// LogEntry is one append-only row of a run's execution ledger.
// (RunID, Step, NodeID, Attempt) identifies a node visit; the ledger never stores it twice.
// Step is the run's visit ordinal, so a node visited again by a loop gets its own row.
type LogEntry struct {
	Sequence  int            `json:"sequence"`
	Step      int            `json:"step"`
	NodeID    string         `json:"node_id"`
	Attempt   int            `json:"attempt"`
	Kind      string         `json:"kind"`
	Outcome   LogOutcome     `json:"outcome"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Run is one execution of a graph for one subject.
type Run struct {
	ID             string     `json:"id"`
	GraphID        string     `json:"graph_id"`
	OrganizationID string     `json:"organization_id"`
	SubjectID      string     `json:"subject_id"`
	TriggerNodeID  string     `json:"trigger_node_id"`
	Status         RunStatus  `json:"status"`
	CurrentNodeID  string     `json:"current_node_id,omitempty"`
	Attempt        int        `json:"attempt"`
	Steps          int        `json:"steps"`
	Event          Event      `json:"event"`
	Error          *RunError  `json:"error,omitempty"`
	Log            []LogEntry `json:"log"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// HasLogEntry reports whether the ledger already holds the given node visit.
func (r *Run) HasLogEntry(step int, nodeID string, attempt int) bool {
	for _, entry := range r.Log {
		if entry.Step == step && entry.NodeID == nodeID && entry.Attempt == attempt {
			return true
		}
	}

	return false
}

// LogEntriesOfKind returns the ledger rows whose kind equals kind.
func (r *Run) LogEntriesOfKind(kind string) []LogEntry {
	var entries []LogEntry

	for _, entry := range r.Log {
		if entry.Kind == kind {
			entries = append(entries, entry)
		}
	}

	return entries
}

// RunFilter narrows run history queries. Empty fields match everything.
type RunFilter struct {
	GraphID   string
	SubjectID string
	Status    RunStatus
	Limit     int
	Offset    int
}
