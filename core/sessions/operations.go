package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/davidahmann/sessiongate/core/pathpolicy"
	schemaaudit "github.com/davidahmann/sessiongate/core/schema/v1/audit"
	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/statemachine"
	"github.com/davidahmann/sessiongate/core/timeline"
)

const maxGoalBytes = 4096

type CreateRequest struct {
	Repo schemasession.RepoBinding
	Goal string
}

type StepRequest struct {
	Type   schemasession.StepType
	Status schemasession.StepStatus
	Meta   map[string]any
}

type CloseStepRequest struct {
	Status schemasession.StepStatus
	Meta   map[string]any
}

func (s *Service) Create(ctx context.Context, ownerID string, request CreateRequest) (Session, error) {
	value, err := s.submit(ctx, "create", func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error) {
		owner, err := normalizeOwner(ownerID)
		if err != nil {
			return nil, nil, err
		}
		repo, err := normalizeRepo(request.Repo)
		if err != nil {
			return nil, nil, err
		}
		goal := strings.TrimSpace(request.Goal)
		if goal == "" {
			return nil, nil, validationError("goal is required")
		}
		if len(goal) > maxGoalBytes {
			return nil, nil, validationError("goal exceeds %d bytes", maxGoalBytes)
		}
		id := s.newID()
		if _, exists := collection.Sessions[id]; exists {
			return nil, nil, fmt.Errorf("generated duplicate session id %s", id)
		}
		record := schemasession.Session{
			ID:        id,
			UserID:    owner,
			Repo:      repo,
			Goal:      goal,
			State:     statemachine.StateCreated,
			Steps:     []schemasession.Step{},
			Revision:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		collection.Sessions[id] = record
		event := s.event(schemaaudit.EventSessionCreated, record, now)
		event.ToState = string(record.State)
		event.Payload = map[string]any{
			"repo": repo.Owner + "/" + repo.Name,
			"base": repo.BaseBranch,
		}
		return record.Clone(), []schemaaudit.Event{event}, nil
	})
	if err != nil {
		return Session{}, err
	}
	return value.(Session), nil
}

// Get never reports whether a session owned by someone else exists.
func (s *Service) Get(ownerID string, id string) (Session, bool) {
	record, ok := s.snapshot().Sessions[strings.TrimSpace(id)]
	if !ok || record.UserID != strings.TrimSpace(ownerID) {
		return Session{}, false
	}
	return record.Clone(), true
}

// ListByOwner returns the owner's sessions, most recently updated first.
func (s *Service) ListByOwner(ownerID string) []Session {
	owner := strings.TrimSpace(ownerID)
	listed := []Session{}
	for _, record := range s.snapshot().Sessions {
		if record.UserID == owner {
			listed = append(listed, record.Clone())
		}
	}
	sort.Slice(listed, func(i, j int) bool {
		if !listed[i].UpdatedAt.Equal(listed[j].UpdatedAt) {
			return listed[i].UpdatedAt.After(listed[j].UpdatedAt)
		}
		return listed[i].ID < listed[j].ID
	})
	return listed
}

func (s *Service) Update(ctx context.Context, ownerID string, id string, patch Patch) (Session, error) {
	value, err := s.submit(ctx, "update", func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error) {
		if err := validatePatch(patch); err != nil {
			return nil, nil, err
		}
		current, err := lookup(collection, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		updated := current.Clone()

		var event schemaaudit.Event
		switch typed := patch.(type) {
		case Transition:
			if typed.From != "" && typed.From != current.State {
				return nil, nil, fmt.Errorf("%w: session is %s, expected %s", ErrInvalidTransition, current.State, typed.From)
			}
			if err := statemachine.AssertTransition(current.State, typed.To); err != nil {
				return nil, nil, err
			}
			if err := typed.Fields.stateRequirement(typed.To); err != nil {
				return nil, nil, err
			}
			if err := s.mergeFields(&updated, typed.Fields); err != nil {
				return nil, nil, err
			}
			if typed.To == statemachine.StateApplying {
				if err := s.assertChanges(updated.Changes, updated.AllowForbidden); err != nil {
					return nil, nil, err
				}
			}
			updated.State = typed.To
			switch {
			case typed.To == statemachine.StateFailed:
				updated.FailureReason = strings.TrimSpace(typed.Reason)
			case current.State == statemachine.StateFailed:
				updated.FailureReason = ""
			}
			event = s.event(schemaaudit.EventStateChanged, updated, now)
			event.FromState = string(current.State)
			event.ToState = string(typed.To)
			event.Payload = fieldsPayload(typed.Fields)
			if reason := strings.TrimSpace(typed.Reason); reason != "" {
				if event.Payload == nil {
					event.Payload = map[string]any{}
				}
				event.Payload["reason"] = reason
			}
		case Fields:
			if statemachine.IsTerminal(current.State) {
				return nil, nil, validationError("session %s is %s and can no longer be modified", current.ID, current.State)
			}
			if err := typed.stateRequirement(current.State); err != nil {
				return nil, nil, err
			}
			if err := s.mergeFields(&updated, typed); err != nil {
				return nil, nil, err
			}
			event = s.event(schemaaudit.EventFieldsUpdated, updated, now)
			event.Payload = fieldsPayload(typed)
		}

		touch(&updated, now)
		event.Revision = updated.Revision
		collection.Sessions[updated.ID] = updated
		return updated.Clone(), []schemaaudit.Event{event}, nil
	})
	if err != nil {
		return Session{}, err
	}
	return value.(Session), nil
}

// RecordStep appends a step to the session timeline and persists it with the session.
func (s *Service) RecordStep(ctx context.Context, ownerID string, id string, request StepRequest) (Step, error) {
	value, err := s.submit(ctx, "record_step", func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error) {
		current, err := lookup(collection, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		updated := current.Clone()
		steps, step, err := timeline.Append(updated.Steps, timeline.AppendOptions{
			ID:        s.newID(),
			SessionID: updated.ID,
			Type:      request.Type,
			Status:    request.Status,
			Meta:      request.Meta,
			Now:       now,
		})
		if err != nil {
			return nil, nil, err
		}
		updated.Steps = steps
		touch(&updated, now)
		collection.Sessions[updated.ID] = updated

		event := s.event(schemaaudit.EventStepRecorded, updated, now)
		event.Payload = map[string]any{
			"step_id": step.ID,
			"type":    string(step.Type),
			"status":  string(step.Status),
		}
		return step, []schemaaudit.Event{event}, nil
	})
	if err != nil {
		return Step{}, err
	}
	return value.(Step), nil
}

// CloseStep finishes an in-flight step. A step can be closed once.
func (s *Service) CloseStep(ctx context.Context, ownerID string, id string, stepID string, request CloseStepRequest) (Step, error) {
	value, err := s.submit(ctx, "close_step", func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error) {
		current, err := lookup(collection, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		updated := current.Clone()
		steps, step, err := timeline.Close(updated.Steps, timeline.CloseOptions{
			StepID: stepID,
			Status: request.Status,
			Meta:   request.Meta,
			Now:    now,
		})
		if err != nil {
			return nil, nil, err
		}
		updated.Steps = steps
		touch(&updated, now)
		collection.Sessions[updated.ID] = updated

		event := s.event(schemaaudit.EventStepClosed, updated, now)
		event.Payload = map[string]any{
			"step_id": step.ID,
			"status":  string(step.Status),
		}
		return step, []schemaaudit.Event{event}, nil
	})
	if err != nil {
		return Step{}, err
	}
	return value.(Step), nil
}

func (s *Service) ListSteps(ownerID string, id string) ([]Step, error) {
	record, ok := s.Get(ownerID, id)
	if !ok {
		return nil, notFoundError(id)
	}
	return timeline.List(record.Steps), nil
}

func (s *Service) Delete(ctx context.Context, ownerID string, id string) error {
	_, err := s.submit(ctx, "delete", func(collection *schemasession.Collection, now time.Time) (any, []schemaaudit.Event, error) {
		current, err := lookup(collection, ownerID, id)
		if err != nil {
			return nil, nil, err
		}
		delete(collection.Sessions, current.ID)
		event := s.event(schemaaudit.EventSessionDeleted, current, now)
		event.Revision = current.Revision + 1
		event.FromState = string(current.State)
		return nil, []schemaaudit.Event{event}, nil
	})
	return err
}

func (s *Service) mergeFields(record *schemasession.Session, fields Fields) error {
	if fields.PreviewID != nil {
		record.PreviewID = strings.TrimSpace(*fields.PreviewID)
	}
	if fields.PR != nil {
		pr := *fields.PR
		pr.URL = strings.TrimSpace(pr.URL)
		record.PR = &pr
	}
	if fields.Changes != nil {
		if err := s.assertChanges(fields.Changes.Files, fields.Changes.AllowForbidden); err != nil {
			return err
		}
		changes := make([]schemasession.FileChange, 0, len(fields.Changes.Files))
		seen := map[string]struct{}{}
		for _, change := range fields.Changes.Files {
			normalized, _ := pathpolicy.Normalize(change.Path)
			if _, exists := seen[normalized]; exists {
				return validationError("duplicate change path %q", normalized)
			}
			seen[normalized] = struct{}{}
			changes = append(changes, schemasession.FileChange{Path: normalized, Operation: change.Operation})
		}
		record.Changes = changes
		record.AllowForbidden = fields.Changes.AllowForbidden
	}
	return nil
}

func (s *Service) assertChanges(changes []schemasession.FileChange, allowForbidden bool) error {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.Path)
	}
	return s.policy.AssertAll(paths, pathpolicy.Options{AllowForbidden: allowForbidden})
}

func (s *Service) event(eventType string, record schemasession.Session, now time.Time) schemaaudit.Event {
	return schemaaudit.Event{
		SessionID:    record.ID,
		Type:         eventType,
		Actor:        record.UserID,
		Revision:     record.Revision,
		PolicyDigest: s.policyDigest,
		CreatedAt:    now,
	}
}

func lookup(collection *schemasession.Collection, ownerID string, id string) (schemasession.Session, error) {
	trimmed := strings.TrimSpace(id)
	record, ok := collection.Sessions[trimmed]
	if !ok || record.UserID != strings.TrimSpace(ownerID) {
		return schemasession.Session{}, notFoundError(trimmed)
	}
	return record, nil
}

// touch bumps the revision and moves updated_at forward, never backwards.
func touch(record *schemasession.Session, now time.Time) {
	record.Revision++
	if now.After(record.UpdatedAt) {
		record.UpdatedAt = now
	}
}

func fieldsPayload(fields Fields) map[string]any {
	if fields.empty() {
		return nil
	}
	payload := map[string]any{}
	if fields.PreviewID != nil {
		payload["preview_id"] = strings.TrimSpace(*fields.PreviewID)
	}
	if fields.PR != nil {
		payload["pr_number"] = fields.PR.Number
	}
	if fields.Changes != nil {
		paths := make([]any, 0, len(fields.Changes.Files))
		for _, change := range fields.Changes.Files {
			normalized, _ := pathpolicy.Normalize(change.Path)
			paths = append(paths, normalized)
		}
		payload["changes"] = paths
		payload["allow_forbidden"] = fields.Changes.AllowForbidden
	}
	return payload
}

func normalizeOwner(ownerID string) (string, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return "", validationError("owner id is required")
	}
	return owner, nil
}

func normalizeRepo(repo schemasession.RepoBinding) (schemasession.RepoBinding, error) {
	normalized := schemasession.RepoBinding{
		Owner:      strings.TrimSpace(repo.Owner),
		Name:       strings.TrimSpace(repo.Name),
		BaseBranch: strings.TrimSpace(repo.BaseBranch),
	}
	fields := []struct {
		label string
		value string
	}{
		{label: "repo.owner", value: normalized.Owner},
		{label: "repo.name", value: normalized.Name},
		{label: "repo.base_branch", value: normalized.BaseBranch},
	}
	for _, field := range fields {
		label, value := field.label, field.value
		if value == "" {
			return schemasession.RepoBinding{}, validationError("%s is required", label)
		}
		if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
			return schemasession.RepoBinding{}, validationError("%s must not contain whitespace", label)
		}
	}
	if strings.Contains(normalized.Owner, "/") || strings.Contains(normalized.Name, "/") {
		return schemasession.RepoBinding{}, validationError("repo owner and name must not contain '/'")
	}
	return normalized, nil
}
