package lifecycle

import (
	"fmt"

	"rgehrsitz/invested/internal/dtable"
)

// NoMatchError is returned when no case matches an active entity and the
// processor has no fallback action.
type NoMatchError struct {
	Table   string
	Subject string
	Vector  dtable.Vector
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("%s: no case matches %s [%s]", e.Table, e.Subject, e.Vector)
}

// IterationLimitError is returned when an entity is still active after the
// configured number of iterations.
type IterationLimitError struct {
	Table   string
	Subject string
	Limit   int
	Actions []string
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("%s: %s still active after %d iterations", e.Table, e.Subject, e.Limit)
}

// ActionError wraps the failure of an action procedure.
type ActionError struct {
	Table     string
	Subject   string
	Action    string
	Iteration int
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: action %s on %s (iteration %d): %v", e.Table, e.Action, e.Subject, e.Iteration, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
