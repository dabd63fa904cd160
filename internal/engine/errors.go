package engine

import "fmt"

// ValidationError reports malformed or missing input. The caller fixes the
// input and retries; nothing is retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidTransitionError reports a state machine guard failure. The caller
// must re-fetch current state before deciding what to do next.
type InvalidTransitionError struct {
	TaskID  string
	From    string
	Action  string
	ActorID string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %s", e.TaskID, e.Action, e.From)
}

// StaleStateError reports a lost optimistic-concurrency race: the task's
// status changed between read and write. The caller should re-fetch and may
// retry the logical operation once.
type StaleStateError struct {
	TaskID string
}

func (e StaleStateError) Error() string {
	return fmt.Sprintf("task %s: state changed concurrently, re-fetch and retry", e.TaskID)
}
