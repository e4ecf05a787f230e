package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
)

var (
	ErrInvalidStep  = errors.New("invalid step")
	ErrStepNotFound = errors.New("step not found")
	ErrStepClosed   = errors.New("step already closed")
)

type AppendOptions struct {
	ID        string
	SessionID string
	Type      schemasession.StepType
	Status    schemasession.StepStatus
	Meta      map[string]any
	Now       time.Time
}

type CloseOptions struct {
	StepID string
	Status schemasession.StepStatus
	Meta   map[string]any
	Now    time.Time
}

// Append returns a new slice with one more step. The input slice is never modified.
// started_at is clamped so the timeline stays chronological; a step recorded with a
// terminal status is closed at its start time.
func Append(steps []schemasession.Step, opts AppendOptions) ([]schemasession.Step, schemasession.Step, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, schemasession.Step{}, fmt.Errorf("%w: id is required", ErrInvalidStep)
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		return nil, schemasession.Step{}, fmt.Errorf("%w: session_id is required", ErrInvalidStep)
	}
	if !schemasession.IsStepType(opts.Type) {
		return nil, schemasession.Step{}, fmt.Errorf("%w: type must be one of plan|context|model|diff|apply", ErrInvalidStep)
	}
	if !schemasession.IsStepStatus(opts.Status) {
		return nil, schemasession.Step{}, fmt.Errorf("%w: status must be one of started|succeeded|failed", ErrInvalidStep)
	}
	for _, existing := range steps {
		if existing.ID == id {
			return nil, schemasession.Step{}, fmt.Errorf("%w: duplicate step id %s", ErrInvalidStep, id)
		}
		if existing.SessionID != sessionID {
			return nil, schemasession.Step{}, fmt.Errorf("%w: timeline belongs to session %s", ErrInvalidStep, existing.SessionID)
		}
	}

	startedAt := normalizeNow(opts.Now)
	if count := len(steps); count > 0 && startedAt.Before(steps[count-1].StartedAt) {
		startedAt = steps[count-1].StartedAt
	}
	step := schemasession.Step{
		ID:        id,
		SessionID: sessionID,
		Type:      opts.Type,
		Status:    opts.Status,
		StartedAt: startedAt,
	}
	if opts.Status != schemasession.StepStatusStarted {
		endedAt := startedAt
		step.EndedAt = &endedAt
	}
	if len(opts.Meta) > 0 {
		step.Meta = schemasession.CloneMeta(opts.Meta)
		if err := checkMeta(step.Meta); err != nil {
			return nil, schemasession.Step{}, err
		}
	}

	updated := make([]schemasession.Step, 0, len(steps)+1)
	updated = append(updated, steps...)
	updated = append(updated, step)
	return updated, step.Clone(), nil
}

// Close finishes an in-flight step in place of the same record. ended_at is written
// once; closing a step twice fails with ErrStepClosed.
func Close(steps []schemasession.Step, opts CloseOptions) ([]schemasession.Step, schemasession.Step, error) {
	stepID := strings.TrimSpace(opts.StepID)
	if opts.Status != schemasession.StepStatusSucceeded && opts.Status != schemasession.StepStatusFailed {
		return nil, schemasession.Step{}, fmt.Errorf("%w: close status must be succeeded or failed", ErrInvalidStep)
	}
	index := indexOf(steps, stepID)
	if index < 0 {
		return nil, schemasession.Step{}, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	current := steps[index]
	if current.Status != schemasession.StepStatusStarted || current.EndedAt != nil {
		return nil, schemasession.Step{}, fmt.Errorf("%w: %s is %s", ErrStepClosed, stepID, current.Status)
	}

	closed := current.Clone()
	endedAt := normalizeNow(opts.Now)
	if endedAt.Before(closed.StartedAt) {
		endedAt = closed.StartedAt
	}
	closed.Status = opts.Status
	closed.EndedAt = &endedAt
	if len(opts.Meta) > 0 {
		if closed.Meta == nil {
			closed.Meta = map[string]any{}
		}
		for key, value := range schemasession.CloneMeta(opts.Meta) {
			closed.Meta[key] = value
		}
		if err := checkMeta(closed.Meta); err != nil {
			return nil, schemasession.Step{}, err
		}
	}

	updated := append([]schemasession.Step{}, steps...)
	updated[index] = closed
	return updated, closed.Clone(), nil
}

// List returns a deep copy of the steps in insertion order.
func List(steps []schemasession.Step) []schemasession.Step {
	listed := make([]schemasession.Step, len(steps))
	for index, step := range steps {
		listed[index] = step.Clone()
	}
	return listed
}

func indexOf(steps []schemasession.Step, stepID string) int {
	if stepID == "" {
		return -1
	}
	for index, step := range steps {
		if step.ID == stepID {
			return index
		}
	}
	return -1
}

// checkMeta rejects values the session document cannot carry, such as NaN,
// infinities, funcs and channels.
func checkMeta(meta map[string]any) error {
	if _, err := json.Marshal(meta); err != nil {
		return fmt.Errorf("%w: meta: %v", ErrInvalidStep, err)
	}
	return nil
}

func normalizeNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
