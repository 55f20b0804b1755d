package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// emitRetries bounds backoff retries for transient store/channel failures.
const emitRetries = 3

// EventAuditor mirrors emitted events onto an external audit stream.
// Implementations must be safe for concurrent use; failures are logged and
// never affect delivery.
type EventAuditor interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Emitter is the single write path task producers use to advance a task.
// Emit appends to the EventLog, updates the TaskStore and publishes on the
// Broadcaster in that order, so an observer whose replay races a live
// publish always finds the event already durable in the log.
type Emitter struct {
	store     *TaskStore
	log       *EventLog
	broadcast *Broadcaster
	auditor   EventAuditor // optional
	logger    *logger.Logger
}

// NewEmitter wires the write path. auditor may be nil.
func NewEmitter(store *TaskStore, log *EventLog, broadcast *Broadcaster, auditor EventAuditor, lg *logger.Logger) *Emitter {
	return &Emitter{store: store, log: log, broadcast: broadcast, auditor: auditor, logger: lg}
}

// Emit validates the payload for its kind, assigns the next sequence,
// persists the event, advances the snapshot and broadcasts to live
// observers. Emitting on a terminal task returns ErrTaskAlreadyFinal and
// changes nothing. A broadcast failure after the event is durable is logged
// and swallowed: live observers pick the event up on their next replay.
func (e *Emitter) Emit(ctx context.Context, taskID string, kind models.EventKind, payload json.RawMessage, final bool) (*models.Event, error) {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Final {
		return nil, fmt.Errorf("emit on task %s: %w", taskID, ErrTaskAlreadyFinal)
	}

	nextState, err := validateEmit(task, kind, payload, final)
	if err != nil {
		return nil, err
	}

	var ev *models.Event
	appendOp := func() error {
		var appendErr error
		ev, appendErr = e.log.Append(ctx, taskID, kind, nextState, payload, final)
		return appendErr
	}
	if err := backoff.Retry(appendOp, e.policy(ctx)); err != nil {
		return nil, err
	}

	putOp := func() error {
		_, putErr := e.store.Put(ctx, taskID, TaskDelta{
			State:        nextState,
			Final:        final,
			LastSequence: ev.Sequence,
		})
		if errors.Is(putErr, ErrTaskAlreadyFinal) {
			return backoff.Permanent(putErr)
		}
		return putErr
	}
	if err := backoff.Retry(putOp, e.policy(ctx)); err != nil {
		// The event is durable but the snapshot did not advance; do not
		// broadcast, the next successful emit or replay repairs the view.
		return nil, fmt.Errorf("advance snapshot for task %s: %w", taskID, err)
	}

	publishOp := func() error {
		return e.broadcast.Publish(ctx, ev)
	}
	if err := backoff.Retry(publishOp, e.policy(ctx)); err != nil {
		e.logger.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error(), Type: "broadcast_error"}).Error("Broadcast failed; event remains replayable from the log")
	}

	e.audit(ev)

	if final {
		e.log.ReleaseLock(taskID)
	}
	return ev, nil
}

// audit forwards the event to the audit stream without blocking the
// producer. Best effort only.
func (e *Emitter) audit(ev *models.Event) {
	if e.auditor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.auditor.Publish(ctx, ev); err != nil {
			e.logger.WithTask(ev.TaskID).WithError(models.ErrorInfo{Message: err.Error(), Type: "audit_error"}).Warn("Failed to publish audit event")
		}
	}()
}

// policy builds the bounded retry policy for transient I/O failures.
func (e *Emitter) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, emitRetries), ctx)
}

// validateEmit checks the tagged payload schema for the event kind and
// resolves the task state the event carries.
func validateEmit(task *models.Task, kind models.EventKind, payload json.RawMessage, final bool) (models.TaskState, error) {
	switch kind {
	case models.EventKindStatus:
		var sp models.StatusPayload
		if err := json.Unmarshal(payload, &sp); err != nil {
			return "", fmt.Errorf("malformed status payload for task %s: %w", task.ID, err)
		}
		if !sp.State.Valid() {
			return "", fmt.Errorf("unknown state %q in status payload for task %s", sp.State, task.ID)
		}
		if !task.State.CanTransitionTo(sp.State) {
			return "", fmt.Errorf("illegal transition %s -> %s for task %s", task.State, sp.State, task.ID)
		}
		if final != sp.State.Terminal() {
			return "", fmt.Errorf("final flag %t does not match state %s for task %s", final, sp.State, task.ID)
		}
		return sp.State, nil

	case models.EventKindArtifact:
		if final {
			return "", fmt.Errorf("artifact events cannot be final for task %s; emit a terminal status instead", task.ID)
		}
		if len(payload) == 0 || !json.Valid(payload) {
			return "", fmt.Errorf("artifact payload for task %s is not valid JSON", task.ID)
		}
		return task.State, nil

	default:
		return "", fmt.Errorf("unknown event kind %q for task %s", kind, task.ID)
	}
}
