package sessions

import (
	"errors"
	"fmt"

	coreerrors "github.com/davidahmann/sessiongate/core/errors"
	"github.com/davidahmann/sessiongate/core/killswitch"
	"github.com/davidahmann/sessiongate/core/pathpolicy"
	"github.com/davidahmann/sessiongate/core/statemachine"
	"github.com/davidahmann/sessiongate/core/timeline"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("session not found")
	ErrPersistence = errors.New("persistence failure")
	ErrClosed      = errors.New("session store closed")

	errSaveTimedOut = errors.New("write timed out")

	ErrKillSwitchActive  = killswitch.ErrKillSwitchActive
	ErrInvalidTransition = statemachine.ErrInvalidTransition
	ErrPathViolation     = pathpolicy.ErrPathViolation
)

// PersistenceError hides backend details such as file paths from callers while
// keeping the cause reachable through errors.Is/As.
type PersistenceError struct {
	Op    string
	cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPersistence.Error(), e.Op)
}

func (e *PersistenceError) Unwrap() error {
	return e.cause
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func validationError(format string, args ...any) error {
	return classify(fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...)))
}

func notFoundError(id string) error {
	return classify(fmt.Errorf("%w: %s", ErrNotFound, id))
}

func persistenceError(op string, cause error) error {
	return classify(&PersistenceError{Op: op, cause: cause})
}

// classify attaches the error category the API layer maps to a transport status.
// Errors that are already classified pass through unchanged.
func classify(err error) error {
	if err == nil || coreerrors.CategoryOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ErrKillSwitchActive):
		return coreerrors.Wrap(err, coreerrors.CategoryKillSwitchActive, "kill_switch_active", "writes are disabled by an operator; retry after the kill switch is released", false)
	case errors.Is(err, ErrInvalidTransition):
		return coreerrors.Wrap(err, coreerrors.CategoryStateConflict, "invalid_state_transition", "reload the session and choose a permitted next state", false)
	case errors.Is(err, timeline.ErrStepClosed):
		return coreerrors.Wrap(err, coreerrors.CategoryStateConflict, "step_already_closed", "steps are closed exactly once", false)
	case errors.Is(err, ErrPathViolation):
		return coreerrors.Wrap(err, coreerrors.CategoryPolicyBlocked, "path_policy_violation", "remove the offending paths from the change set", false)
	case errors.Is(err, ErrNotFound), errors.Is(err, timeline.ErrStepNotFound):
		return coreerrors.Wrap(err, coreerrors.CategoryNotFound, "not_found", "", false)
	case errors.Is(err, ErrValidation), errors.Is(err, timeline.ErrInvalidStep):
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "invalid_input", "", false)
	case errors.Is(err, ErrPersistence) && errors.Is(err, errSaveTimedOut):
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "persistence_timeout", "the write outcome is unknown; reload the session before retrying", true)
	case errors.Is(err, ErrPersistence):
		return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "persistence_failure", "the write was not committed; retry the request", true)
	case errors.Is(err, ErrClosed):
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "store_closed", "", false)
	default:
		return coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "internal_failure", "", false)
	}
}
