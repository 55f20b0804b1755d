package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bssahu/a2a-streaming/internal/archive"
	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// Producer drives a task to completion by emitting events through the
// Emitter. Run must keep emitting until it produces a final status event or
// ctx is canceled; on cancellation the service emits the canceled status
// itself.
type Producer interface {
	Run(ctx context.Context, emitter *stream.Emitter, task *models.Task, message json.RawMessage)
}

// TaskService provides the business logic behind the A2A task endpoints:
// submitting tasks, attaching observers and driving cancellation. Producers
// run in their own goroutines; observers attach and reattach through the
// stream coordinator without touching producer lifecycles.
type TaskService struct {
	store       *stream.TaskStore
	log         *stream.EventLog
	emitter     *stream.Emitter
	coordinator *stream.Coordinator
	archive     *archive.Store // optional, nil disables the cold path
	producer    Producer
	logger      *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // active producer cancellation, by task ID
}

// NewTaskService creates a TaskService. archiveStore may be nil.
func NewTaskService(store *stream.TaskStore, log *stream.EventLog, emitter *stream.Emitter, coordinator *stream.Coordinator, archiveStore *archive.Store, producer Producer, lg *logger.Logger) *TaskService {
	return &TaskService{
		store:       store,
		log:         log,
		emitter:     emitter,
		coordinator: coordinator,
		archive:     archiveStore,
		producer:    producer,
		logger:      lg,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// StartTask creates the task if it does not exist, launches its producer and
// attaches the caller as an observer from the beginning of the stream.
// Resubmitting an existing ID attaches without launching a second producer.
func (s *TaskService) StartTask(ctx context.Context, params models.SendTaskParams) (*models.Task, *stream.Session, error) {
	taskID := params.ID
	if taskID == "" {
		taskID = uuid.New().String()
	}

	task, err := s.store.Get(ctx, taskID)
	switch {
	case err == nil:
		// Idempotent resubmit: just attach.
	case errors.Is(err, stream.ErrTaskNotFound):
		task, err = s.store.Put(ctx, taskID, stream.TaskDelta{
			SessionID: params.SessionID,
			Metadata:  params.Metadata,
		})
		if err != nil {
			return nil, nil, err
		}
		// Acknowledgment event first, so every stream opens with a
		// submitted status before the producer takes over.
		ack, _ := json.Marshal(models.StatusPayload{State: models.TaskStateSubmitted, Message: "task accepted"})
		if _, err := s.emitter.Emit(ctx, taskID, models.EventKindStatus, ack, false); err != nil {
			return nil, nil, err
		}
		s.launchProducer(task, params.Message)
	default:
		return nil, nil, err
	}

	session, err := s.coordinator.Attach(ctx, taskID, uuid.New().String(), 0)
	if err != nil {
		return nil, nil, err
	}
	return task, session, nil
}

// Resubscribe reattaches an observer to a running or finished task,
// replaying everything after fromSequence before going live.
func (s *TaskService) Resubscribe(ctx context.Context, taskID string, fromSequence int64) (*stream.Session, error) {
	return s.coordinator.Attach(ctx, taskID, uuid.New().String(), fromSequence)
}

// GetTask returns the current task snapshot, falling back to the archive for
// tasks whose hot-path retention has lapsed.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, stream.ErrTaskNotFound) || s.archive == nil {
		return nil, err
	}
	task, archErr := s.archive.GetTask(ctx, taskID)
	if archErr != nil {
		if errors.Is(archErr, archive.ErrNotArchived) {
			return nil, err
		}
		return nil, archErr
	}
	return task, nil
}

// TaskEvents returns the events after fromSequence for a task. When the hot
// log has trimmed past the requested window, or the task has been archived,
// the archive serves the history instead.
func (s *TaskService) TaskEvents(ctx context.Context, taskID string, fromSequence int64) ([]models.Event, error) {
	events, err := s.log.ReadFrom(ctx, taskID, fromSequence)
	if err == nil {
		return events, nil
	}
	if s.archive == nil || !(errors.Is(err, stream.ErrTruncatedHistory) || errors.Is(err, stream.ErrTaskNotFound)) {
		return nil, err
	}
	return s.archive.GetEvents(ctx, taskID, fromSequence)
}

// CancelTask stops the task's producer and finalizes the task with a
// canceled status event. Canceling a terminal task returns
// ErrTaskAlreadyFinal.
func (s *TaskService) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Final {
		return nil, fmt.Errorf("cancel task %s: %w", taskID, stream.ErrTaskAlreadyFinal)
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[taskID]; ok {
		cancel()
		delete(s.cancels, taskID)
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(models.StatusPayload{State: models.TaskStateCanceled, Message: "canceled by request"})
	if _, err := s.emitter.Emit(ctx, taskID, models.EventKindStatus, payload, true); err != nil {
		// The producer may have finalized first; report the snapshot as is.
		if errors.Is(err, stream.ErrTaskAlreadyFinal) {
			return s.store.Get(ctx, taskID)
		}
		return nil, err
	}
	return s.store.Get(ctx, taskID)
}

// SendTask runs a task to completion without streaming: it submits the task,
// waits for the observer session to drain and returns the final snapshot.
func (s *TaskService) SendTask(ctx context.Context, params models.SendTaskParams) (*models.Task, error) {
	task, session, err := s.StartTask(ctx, params)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	for range session.Events() {
	}
	if err := session.Err(); err != nil {
		return nil, fmt.Errorf("wait for task %s: %w", task.ID, err)
	}
	return s.GetTask(ctx, task.ID)
}

// Close cancels every producer still running.
func (s *TaskService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// launchProducer starts the producer goroutine for a freshly created task
// and tracks its cancel func for CancelTask.
func (s *TaskService) launchProducer(task *models.Task, message json.RawMessage) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, task.ID)
			s.mu.Unlock()
		}()
		s.producer.Run(runCtx, s.emitter, task, message)
	}()
}
