// Package memory provides an in-process CRM subject store for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/protocol"
)

// Store implements protocol.SubjectStore. Reads return copies.
type Store struct {
	mu       sync.RWMutex
	subjects map[string]*models.Subject
	tasks    map[string]*models.Task
}

func NewStore(subjects ...models.Subject) *Store {
	s := &Store{
		subjects: make(map[string]*models.Subject, len(subjects)),
		tasks:    make(map[string]*models.Task),
	}

	for _, subject := range subjects {
		s.Put(subject)
	}

	return s
}

// Put inserts or replaces a subject.
func (s *Store) Put(subject models.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneSubject(subject)
	s.subjects[subject.ID] = &stored
}

func (s *Store) Subject(_ context.Context, subjectID string) (models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject, ok := s.subjects[subjectID]
	if !ok {
		return models.Subject{}, fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, subjectID)
	}

	return cloneSubject(*subject), nil
}

func (s *Store) InactiveSubjects(_ context.Context, organizationID string, since time.Time) ([]models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Subject, 0)

	for _, subject := range s.subjects {
		if organizationID != "" && subject.OrganizationID != organizationID {
			continue
		}

		if subject.LastActivityAt.Before(since) {
			result = append(result, cloneSubject(*subject))
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].LastActivityAt.Before(result[j].LastActivityAt) })

	return result, nil
}

func (s *Store) MoveStage(_ context.Context, subjectID, stageID string) error {
	return s.update(subjectID, func(subject *models.Subject) {
		subject.StageID = stageID
	})
}

func (s *Store) AddTag(_ context.Context, subjectID, tagID string) error {
	return s.update(subjectID, func(subject *models.Subject) {
		if !subject.HasTag(tagID) {
			subject.Tags = append(subject.Tags, tagID)
		}
	})
}

func (s *Store) RemoveTag(_ context.Context, subjectID, tagID string) error {
	return s.update(subjectID, func(subject *models.Subject) {
		subject.Tags = slices.DeleteFunc(subject.Tags, func(tag string) bool { return tag == tagID })
	})
}

func (s *Store) AssignUser(_ context.Context, subjectID, userID string) error {
	return s.update(subjectID, func(subject *models.Subject) {
		subject.AssigneeID = userID
	})
}

// CreateTask stores the task. Creating a task with an existing id is a no-op.
func (s *Store) CreateTask(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[task.SubjectID]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, task.SubjectID)
	}

	if _, exists := s.tasks[task.ID]; exists {
		return nil
	}

	stored := *task
	s.tasks[task.ID] = &stored

	return nil
}

// Tasks returns the tasks created for a subject.
func (s *Store) Tasks(subjectID string) []models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Task, 0)

	for _, task := range s.tasks {
		if task.SubjectID == subjectID {
			result = append(result, *task)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].DueAt.Before(result[j].DueAt) })

	return result
}

func (s *Store) update(subjectID string, mutate func(subject *models.Subject)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject, ok := s.subjects[subjectID]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrSubjectNotFound, subjectID)
	}

	mutate(subject)

	return nil
}

func cloneSubject(subject models.Subject) models.Subject {
	subject.Tags = slices.Clone(subject.Tags)

	if subject.Fields != nil {
		fields := make(map[string]any, len(subject.Fields))
		for key, value := range subject.Fields {
			fields[key] = value
		}

		subject.Fields = fields
	}

	return subject
}
