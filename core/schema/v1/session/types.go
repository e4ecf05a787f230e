package session

import (
	_ "embed"
	"time"

	"github.com/davidahmann/sessiongate/core/statemachine"
)

const (
	CollectionSchemaID      = "sessiongate.collection"
	CollectionSchemaVersion = "1.0.0"
)

//go:embed collection.schema.json
var CollectionSchema []byte

type StepType string

const (
	StepTypePlan    StepType = "plan"
	StepTypeContext StepType = "context"
	StepTypeModel   StepType = "model"
	StepTypeDiff    StepType = "diff"
	StepTypeApply   StepType = "apply"
)

type StepStatus string

const (
	StepStatusStarted   StepStatus = "started"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

const (
	ChangeOperationCreate = "create"
	ChangeOperationUpdate = "update"
	ChangeOperationDelete = "delete"
)

type RepoBinding struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch"`
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
}

type Step struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      StepType       `json:"type"`
	Status    StepStatus     `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type Session struct {
	ID             string             `json:"id"`
	UserID         string             `json:"user_id"`
	Repo           RepoBinding        `json:"repo"`
	Goal           string             `json:"goal"`
	State          statemachine.State `json:"state"`
	Steps          []Step             `json:"steps"`
	PreviewID      string             `json:"preview_id,omitempty"`
	PR             *PullRequest       `json:"pr,omitempty"`
	Changes        []FileChange       `json:"changes,omitempty"`
	AllowForbidden bool               `json:"allow_forbidden,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	Revision       int64              `json:"revision"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type Collection struct {
	SchemaID      string             `json:"schema_id"`
	SchemaVersion string             `json:"schema_version"`
	UpdatedAt     time.Time          `json:"updated_at"`
	Digest        string             `json:"digest"`
	Sessions      map[string]Session `json:"sessions"`
}

func NewCollection() Collection {
	return Collection{
		SchemaID:      CollectionSchemaID,
		SchemaVersion: CollectionSchemaVersion,
		Sessions:      map[string]Session{},
	}
}

func IsStepType(value StepType) bool {
	switch value {
	case StepTypePlan, StepTypeContext, StepTypeModel, StepTypeDiff, StepTypeApply:
		return true
	default:
		return false
	}
}

func IsStepStatus(value StepStatus) bool {
	switch value {
	case StepStatusStarted, StepStatusSucceeded, StepStatusFailed:
		return true
	default:
		return false
	}
}

func IsChangeOperation(value string) bool {
	switch value {
	case ChangeOperationCreate, ChangeOperationUpdate, ChangeOperationDelete:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so callers never share slices or maps with the store.
func (s Session) Clone() Session {
	cloned := s
	cloned.Steps = make([]Step, len(s.Steps))
	for index, step := range s.Steps {
		cloned.Steps[index] = step.Clone()
	}
	if s.PR != nil {
		pr := *s.PR
		cloned.PR = &pr
	}
	if s.Changes != nil {
		cloned.Changes = append([]FileChange{}, s.Changes...)
	}
	return cloned
}

func (s Step) Clone() Step {
	cloned := s
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		cloned.EndedAt = &endedAt
	}
	cloned.Meta = CloneMeta(s.Meta)
	return cloned
}

// Clone copies the session map. Sessions are values and are cloned deeply.
func (c Collection) Clone() Collection {
	cloned := c
	cloned.Sessions = make(map[string]Session, len(c.Sessions))
	for id, record := range c.Sessions {
		cloned.Sessions[id] = record.Clone()
	}
	return cloned
}

// CloneMeta deep-copies a step meta bag. Nested maps and slices decoded from JSON are
// copied; other values are shared.
func CloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	return cloneMap(meta)
}

func cloneMap(input map[string]any) map[string]any {
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = cloneValue(value)
	}
	return output
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		items := make([]any, len(typed))
		for index, item := range typed {
			items[index] = cloneValue(item)
		}
		return items
	case []string:
		return append([]string{}, typed...)
	default:
		return typed
	}
}
