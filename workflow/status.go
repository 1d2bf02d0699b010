package workflow

// Status is the lifecycle state of a workflow task.
type Status string

const (
	// StatusReady indicates the task is waiting to be dispatched.
	StatusReady Status = "ready"

	// StatusRunning indicates the task has been dispatched to a runner.
	StatusRunning Status = "running"

	// StatusCompleted indicates the task finished and stored its output.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the task failed; it returns to ready while its
	// retry budget lasts.
	StatusFailed Status = "failed"

	// StatusAborted indicates the task was cancelled while active.
	StatusAborted Status = "aborted"

	// StatusDisabled indicates a choice deselected the task; the engine
	// treats it as satisfied and never runs it.
	StatusDisabled Status = "disabled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusRunning, StatusCompleted, StatusFailed, StatusAborted, StatusDisabled:
		return true
	}
	return false
}

// Terminal returns true if the status ends a task's execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted, StatusDisabled:
		return true
	}
	return false
}

// Satisfied returns true if a parent in this status no longer blocks its
// children.
func (s Status) Satisfied() bool {
	return s == StatusCompleted || s == StatusDisabled
}

// CanTransitionTo returns true if the status may transition to the target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusReady:
		return target == StatusRunning || target == StatusDisabled
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed || target == StatusAborted
	case StatusFailed:
		// Retry path.
		return target == StatusReady
	}
	return false
}

// TaskType selects how a task is dispatched.
type TaskType string

const (
	// TypeStart is the workflow entry point; it forwards its input as output.
	TypeStart TaskType = "Start"

	// TypeTask runs the task runner on its own goroutine.
	TypeTask TaskType = "Task"

	// TypeBlockingTask runs the task runner inline on the executor.
	TypeBlockingTask TaskType = "BlockingTask"

	// TypeServiceTask calls a platform endpoint with the task input.
	TypeServiceTask TaskType = "ServiceTask"

	// TypeChoice runs the task runner and disables the children its output
	// does not select.
	TypeChoice TaskType = "Choice"
)

// IsValid returns true if the task type is supported by the engine.
func (t TaskType) IsValid() bool {
	switch t {
	case TypeStart, TypeTask, TypeBlockingTask, TypeServiceTask, TypeChoice:
		return true
	}
	return false
}
