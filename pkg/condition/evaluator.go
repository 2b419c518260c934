// Package condition evaluates condition nodes against a read-only snapshot of the
// subject and the triggering event.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/funnelflow/funnelflow/pkg/models"
)

var (
	// ErrUnknownPredicate is returned for predicates outside the closed set.
	ErrUnknownPredicate = errors.New("unknown condition predicate")

	// ErrInvalidCondition is returned when a predicate's operand is missing.
	ErrInvalidCondition = errors.New("invalid condition configuration")
)

// Snapshot is the state a condition is evaluated against. The engine builds it once per step.
type Snapshot struct {
	Subject models.Subject
	Event   models.Event
}

type predicateFunc func(cfg models.ConditionConfig, snap Snapshot) (bool, error)

// Evaluator resolves condition nodes to a branch key. It holds no mutable state.
type Evaluator struct {
	predicates map[models.ConditionPredicate]predicateFunc
}

// NewEvaluator creates an evaluator with the built-in predicate table.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		predicates: map[models.ConditionPredicate]predicateFunc{
			models.PredicateHasTag:          hasTag,
			models.PredicateInStage:         inStage,
			models.PredicateMessageContains: messageContains,
		},
	}
}

// Evaluate returns models.BranchTrue or models.BranchFalse for the given condition.
func (e *Evaluator) Evaluate(cfg models.ConditionConfig, snap Snapshot) (string, error) {
	predicate, ok := e.predicates[cfg.Predicate]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPredicate, cfg.Predicate)
	}

	result, err := predicate(cfg, snap)
	if err != nil {
		return "", err
	}

	if cfg.Negate {
		result = !result
	}

	if result {
		return models.BranchTrue, nil
	}

	return models.BranchFalse, nil
}

func hasTag(cfg models.ConditionConfig, snap Snapshot) (bool, error) {
	if cfg.TagID == "" {
		return false, fmt.Errorf("%w: has_tag requires tag_id", ErrInvalidCondition)
	}

	return snap.Subject.HasTag(cfg.TagID), nil
}

func inStage(cfg models.ConditionConfig, snap Snapshot) (bool, error) {
	if cfg.StageID == "" {
		return false, fmt.Errorf("%w: in_stage requires stage_id", ErrInvalidCondition)
	}

	return snap.Subject.StageID == cfg.StageID, nil
}

func messageContains(cfg models.ConditionConfig, snap Snapshot) (bool, error) {
	if cfg.Text == "" {
		return false, fmt.Errorf("%w: message_contains requires text", ErrInvalidCondition)
	}

	return strings.Contains(strings.ToLower(snap.Event.MessageText()), strings.ToLower(cfg.Text)), nil
}
