package models

import (
	"slices"
	"time"
)

// Subject is the business entity (typically a lead) a run acts upon.
type Subject struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Name           string         `json:"name"`
	StageID        string         `json:"stage_id"`
	Tags           []string       `json:"tags"`
	AssigneeID     string         `json:"assignee_id,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Email          string         `json:"email,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// HasTag reports whether the subject currently carries tagID.
func (s Subject) HasTag(tagID string) bool {
	return slices.Contains(s.Tags, tagID)
}

// TemplateData exposes the subject under the "lead" namespace used by message templates.
func (s Subject) TemplateData() map[string]any {
	data := map[string]any{
		"id":          s.ID,
		"name":        s.Name,
		"stage_id":    s.StageID,
		"tags":        s.Tags,
		"assignee_id": s.AssigneeID,
		"phone":       s.Phone,
		"email":       s.Email,
	}

	for key, value := range s.Fields {
		if _, reserved := data[key]; !reserved {
			data[key] = value
		}
	}

	return data
}

// Task is a follow-up task created by an automation for a subject.
type Task struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SubjectID      string    `json:"subject_id"`
	AssigneeID     string    `json:"assignee_id,omitempty"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	DueAt          time.Time `json:"due_at"`
	RunID          string    `json:"run_id"`
}
