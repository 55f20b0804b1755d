package stream

import "errors"

// Sentinel errors for the coordination core. Callers match them with
// errors.Is; component methods wrap them with contextual detail.
var (
	// ErrTaskNotFound reports an unknown or expired task ID. Not retryable
	// without recreating the task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskAlreadyFinal reports an emit attempted on a terminal task.
	// Producers log it and treat the emit as a no-op.
	ErrTaskAlreadyFinal = errors.New("task already final")

	// ErrTruncatedHistory reports a replay request for a sequence older than
	// the log's retained window. The observer's view is incomplete and it
	// should fetch a full task snapshot instead of an incremental replay.
	ErrTruncatedHistory = errors.New("event history truncated")

	// ErrBackpressure reports a session torn down because the observer could
	// not drain its buffer in time. Resubscribing is always safe.
	ErrBackpressure = errors.New("subscriber buffer overflow")

	// ErrSessionIdle reports a live session closed by the idle timeout.
	ErrSessionIdle = errors.New("session idle timeout")
)
