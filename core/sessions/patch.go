package sessions

import (
	"strings"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/statemachine"
)

// Patch is either a Transition, which is always checked against the state machine,
// or a Fields update, which never changes state.
type Patch interface {
	isPatch()
}

// Transition moves a session to To. When From is set the transition only applies if the
// session is still in From, so concurrent callers racing from the same state cannot both win.
type Transition struct {
	From   statemachine.State
	To     statemachine.State
	Reason string
	Fields Fields
}

type Fields struct {
	PreviewID *string
	PR        *schemasession.PullRequest
	Changes   *ChangeSet
}

// ChangeSet replaces the proposed file changes of a session. Every path is checked by
// the path policy; AllowForbidden is the operator override for the forbid list.
type ChangeSet struct {
	Files          []schemasession.FileChange
	AllowForbidden bool
}

func (Transition) isPatch() {}

func (Fields) isPatch() {}

func (f Fields) empty() bool {
	return f.PreviewID == nil && f.PR == nil && f.Changes == nil
}

func (f Fields) validate() error {
	if f.PreviewID != nil && strings.TrimSpace(*f.PreviewID) == "" {
		return validationError("preview_id must not be empty")
	}
	if f.PR != nil {
		if f.PR.Number < 1 {
			return validationError("pr.number must be positive")
		}
	}
	if f.Changes != nil {
		if len(f.Changes.Files) == 0 {
			return validationError("changes must list at least one file")
		}
		seen := map[string]struct{}{}
		for _, change := range f.Changes.Files {
			if !schemasession.IsChangeOperation(change.Operation) {
				return validationError("change operation must be one of create|update|delete")
			}
			if _, exists := seen[change.Path]; exists {
				return validationError("duplicate change path %q", change.Path)
			}
			seen[change.Path] = struct{}{}
		}
	}
	return nil
}

func (f Fields) stateRequirement(target statemachine.State) error {
	if f.PreviewID != nil && !stateIn(target, statemachine.StatePreviewReady, statemachine.StateAwaitingApproval, statemachine.StateApplying, statemachine.StateApplied) {
		return validationError("preview_id requires a session at preview_ready or later, got %s", target)
	}
	if f.PR != nil && !stateIn(target, statemachine.StateApplying, statemachine.StateApplied) {
		return validationError("pr requires a session in applying or applied, got %s", target)
	}
	if f.Changes != nil && !stateIn(target, statemachine.StatePlanning, statemachine.StatePreviewReady) {
		return validationError("changes may only be proposed while planning or preview_ready, got %s", target)
	}
	return nil
}

func validatePatch(patch Patch) error {
	switch typed := patch.(type) {
	case Transition:
		if !statemachine.IsValid(typed.To) {
			return validationError("unknown target state %q", typed.To)
		}
		if typed.From != "" && !statemachine.IsValid(typed.From) {
			return validationError("unknown expected state %q", typed.From)
		}
		return typed.Fields.validate()
	case Fields:
		if typed.empty() {
			return validationError("fields update must set at least one field")
		}
		return typed.validate()
	case nil:
		return validationError("patch is required")
	default:
		return validationError("unsupported patch type %T", patch)
	}
}

func stateIn(state statemachine.State, candidates ...statemachine.State) bool {
	for _, candidate := range candidates {
		if state == candidate {
			return true
		}
	}
	return false
}
