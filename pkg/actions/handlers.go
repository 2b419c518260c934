package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	"github.com/funnelflow/funnelflow/pkg/template"
)

const (
	defaultChannel      = "whatsapp"
	defaultTaskDueHours = 24
	defaultAlertTitle   = "Automation alert"
	defaultSeverity     = "info"
)

func (d *Dispatcher) sendMessage(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	if d.collaborators.Messages == nil {
		return nil, fmt.Errorf("%w: message sender", ErrNotConfigured)
	}

	tmpl := cfg.String("template")
	if tmpl == "" {
		return nil, missingParam("send_message", "template")
	}

	channel := cfg.String("channel")
	if channel == "" {
		channel = defaultChannel
	}

	to := cfg.String("to")
	if to == "" {
		to = recipient(actx.Subject, channel)
	}

	if to == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRecipient, channel)
	}

	body, err := template.RenderString(tmpl, actx.TemplateData())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	messageID := actx.IdempotencyKey()

	reference, err := d.collaborators.Messages.SendMessage(ctx, protocol.OutboundMessage{
		ID:             messageID,
		OrganizationID: actx.OrganizationID,
		SubjectID:      actx.Subject.ID,
		Channel:        channel,
		To:             to,
		Body:           body,
		RunID:          actx.RunID,
		NodeID:         actx.NodeID,
		CreatedAt:      actx.Now,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"message_id": messageID,
		"reference":  reference,
		"channel":    channel,
		"to":         to,
		"body":       body,
	}, nil
}

func recipient(subject models.Subject, channel string) string {
	if channel == "email" {
		return subject.Email
	}

	return subject.Phone
}

func (d *Dispatcher) moveStage(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	stageID := cfg.String("stage_id")
	if stageID == "" {
		return nil, missingParam("move_stage", "stage_id")
	}

	if err := d.subjectWriter(); err != nil {
		return nil, err
	}

	if err := d.collaborators.Subjects.MoveStage(ctx, actx.Subject.ID, stageID); err != nil {
		return nil, err
	}

	return map[string]any{"from_stage_id": actx.Subject.StageID, "stage_id": stageID}, nil
}

func (d *Dispatcher) addTag(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	tagID := cfg.String("tag_id")
	if tagID == "" {
		return nil, missingParam("add_tag", "tag_id")
	}

	if err := d.subjectWriter(); err != nil {
		return nil, err
	}

	if err := d.collaborators.Subjects.AddTag(ctx, actx.Subject.ID, tagID); err != nil {
		return nil, err
	}

	return map[string]any{"tag_id": tagID}, nil
}

func (d *Dispatcher) removeTag(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	tagID := cfg.String("tag_id")
	if tagID == "" {
		return nil, missingParam("remove_tag", "tag_id")
	}

	if err := d.subjectWriter(); err != nil {
		return nil, err
	}

	if err := d.collaborators.Subjects.RemoveTag(ctx, actx.Subject.ID, tagID); err != nil {
		return nil, err
	}

	return map[string]any{"tag_id": tagID}, nil
}

func (d *Dispatcher) assignUser(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	userID := cfg.String("user_id")
	if userID == "" {
		return nil, missingParam("assign_user", "user_id")
	}

	if err := d.subjectWriter(); err != nil {
		return nil, err
	}

	if err := d.collaborators.Subjects.AssignUser(ctx, actx.Subject.ID, userID); err != nil {
		return nil, err
	}

	return map[string]any{"user_id": userID, "previous_user_id": actx.Subject.AssigneeID}, nil
}

func (d *Dispatcher) createTask(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	if d.collaborators.Tasks == nil {
		return nil, fmt.Errorf("%w: task creator", ErrNotConfigured)
	}

	titleTemplate := cfg.String("title")
	if titleTemplate == "" {
		return nil, missingParam("create_task", "title")
	}

	data := actx.TemplateData()

	title, err := template.RenderString(titleTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	description, err := template.RenderString(cfg.String("description"), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	assignee := cfg.String("assignee_id")
	if assignee == "" {
		assignee = actx.Subject.AssigneeID
	}

	task := &models.Task{
		ID:             actx.IdempotencyKey(),
		OrganizationID: actx.OrganizationID,
		SubjectID:      actx.Subject.ID,
		AssigneeID:     assignee,
		Title:          title,
		Description:    description,
		DueAt:          actx.Now.Add(time.Duration(cfg.Int("due_in_hours", defaultTaskDueHours)) * time.Hour),
		RunID:          actx.RunID,
	}

	if err := d.collaborators.Tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	return map[string]any{
		"task_id":     task.ID,
		"title":       task.Title,
		"assignee_id": task.AssigneeID,
		"due_at":      task.DueAt.Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) alert(ctx context.Context, cfg models.ActionConfig, actx Context) (map[string]any, error) {
	if d.collaborators.Notifier == nil {
		return nil, fmt.Errorf("%w: notifier", ErrNotConfigured)
	}

	messageTemplate := cfg.String("message")
	if messageTemplate == "" {
		return nil, missingParam("alert", "message")
	}

	data := actx.TemplateData()

	message, err := template.RenderString(messageTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	title := cfg.String("title")
	if title == "" {
		title = defaultAlertTitle
	}

	title, err = template.RenderString(title, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	severity := cfg.String("severity")
	if severity == "" {
		severity = defaultSeverity
	}

	userID := cfg.String("user_id")
	if userID == "" {
		userID = actx.Subject.AssigneeID
	}

	alert := protocol.Alert{
		ID:             actx.IdempotencyKey(),
		OrganizationID: actx.OrganizationID,
		SubjectID:      actx.Subject.ID,
		UserID:         userID,
		Title:          title,
		Message:        message,
		Severity:       severity,
		RunID:          actx.RunID,
		NodeID:         actx.NodeID,
		CreatedAt:      actx.Now,
	}

	if err := d.collaborators.Notifier.Notify(ctx, alert); err != nil {
		return nil, err
	}

	return map[string]any{"alert_id": alert.ID, "user_id": userID, "severity": severity}, nil
}

func (d *Dispatcher) subjectWriter() error {
	if d.collaborators.Subjects == nil {
		return fmt.Errorf("%w: subject writer", ErrNotConfigured)
	}

	return nil
}
