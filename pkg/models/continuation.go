package models

import "time"

// ContinuationReason records why a run was parked.
type ContinuationReason string

const (
	ContinuationDelay ContinuationReason = "delay"
	ContinuationRetry ContinuationReason = "retry"
)

// ScheduledContinuation is the durable record of where and when a waiting run resumes.
// It is consumed exactly once: claiming it deletes it.
type ScheduledContinuation struct {
	ID           string             `json:"id"`
	RunID        string             `json:"run_id"`
	ResumeAt     time.Time          `json:"resume_at"`
	ResumeNodeID string             `json:"resume_node_id"`
	Reason       ContinuationReason `json:"reason"`
	CreatedAt    time.Time          `json:"created_at"`
}

// IsDue reports whether the continuation may be resumed at now.
func (c *ScheduledContinuation) IsDue(now time.Time) bool {
	return !c.ResumeAt.After(now)
}
