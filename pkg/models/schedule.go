package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a cron-driven scheduled_tick entry for one trigger node.
// The next fire time is precomputed so the ticker only queries due rows.
type Schedule struct {
	ID             string `json:"id"              validate:"required"`
	OrganizationID string `json:"organization_id" validate:"required"`
	GraphID        string `json:"graph_id"        validate:"required"`
	TriggerNodeID  string `json:"trigger_node_id" validate:"required"`

	// Standard 5-field cron format (minute hour day month weekday) or a descriptor such as @daily.
	CronExpression string `json:"cron_expression" validate:"required"`

	NextDueAt time.Time `json:"next_due_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Inactive schedules are skipped by the ticker.
	Active bool `json:"active"`
}

// NewSchedule creates an active schedule with its first fire time computed from now.
func NewSchedule(id, organizationID, graphID, triggerNodeID, cronExpression string, now time.Time) (*Schedule, error) {
	schedule := &Schedule{
		ID:             id,
		OrganizationID: organizationID,
		GraphID:        graphID,
		TriggerNodeID:  triggerNodeID,
		CronExpression: cronExpression,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
		Active:         true,
	}

	if err := schedule.Advance(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Advance moves NextDueAt to the first fire time strictly after reference.
func (s *Schedule) Advance(reference time.Time) error {
	cronSchedule, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}

	s.NextDueAt = cronSchedule.Next(reference.UTC())
	s.UpdatedAt = reference.UTC()

	return nil
}

// IsDue checks if this schedule should fire at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate checks the identifying fields and the cron expression.
func (s *Schedule) Validate() error {
	if s.ID == "" || s.GraphID == "" || s.TriggerNodeID == "" || s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	if _, err := cronParser.Parse(s.CronExpression); err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}

	return nil
}

// ValidateCron reports whether expr is a cron expression the scheduler understands.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Join(ErrInvalidSchedule, err)
	}

	return nil
}
