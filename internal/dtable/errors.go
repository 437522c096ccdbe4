package dtable

import "errors"

var (
	// ErrEmptyName indicates a blank condition, action or case name.
	ErrEmptyName = errors.New("name is required")
	// ErrNotCallable indicates a nil predicate or procedure.
	ErrNotCallable = errors.New("function is not callable")
	// ErrDuplicateName indicates a condition name that is already registered.
	ErrDuplicateName = errors.New("condition name already registered")
	// ErrDuplicateActionName indicates an action name that is already registered.
	ErrDuplicateActionName = errors.New("action name already registered")
	// ErrUnknownCondition indicates a case referencing an unregistered condition.
	ErrUnknownCondition = errors.New("condition is not registered")
	// ErrUnknownAction indicates a case referencing an unregistered action.
	ErrUnknownAction = errors.New("action is not registered")
	// ErrEmptySpecification indicates a case that cares about no condition at all.
	ErrEmptySpecification = errors.New("case specification has no true/false entries")
	// ErrNoActions indicates a case without actions.
	ErrNoActions = errors.New("case needs at least one action")
	// ErrDuplicateCase indicates a case whose expanded specification already exists.
	ErrDuplicateCase = errors.New("case specification already exists")
	// ErrDuplicateCaseName indicates a case name that is already in use.
	ErrDuplicateCaseName = errors.New("case name already in use")
)
