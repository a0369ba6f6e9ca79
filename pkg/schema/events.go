package schema

// Log entry types for the per-invocation lifecycle log.
const (
	LogInvocationCreated   = "invocation_created"
	LogInvocationStarted   = "invocation_started"
	LogInvocationCompleted = "invocation_completed"
	LogInvocationFailed    = "invocation_failed"
	LogInvocationSuspended = "invocation_suspended"

	LogAttemptStarted     = "attempt_started"
	LogAttemptFailed      = "attempt_failed"
	LogAttemptInterrupted = "attempt_interrupted"
	LogRetryScheduled     = "retry_scheduled"

	LogStepStarted   = "step_started"
	LogStepCompleted = "step_completed"
	LogStepFailed    = "step_failed"
	LogStepMemoized  = "step_memoized"

	LogFailureHandlerInvoked = "failure_handler_invoked"
	LogFailureHandlerFailed  = "failure_handler_failed"

	LogEventsSent = "events_sent"
	LogSleeping   = "sleeping"
)

// InvocationStatus represents the lifecycle state of an invocation.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s InvocationStatus) IsTerminal() bool {
	return s == InvocationCompleted || s == InvocationFailed
}
