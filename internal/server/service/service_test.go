package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// scriptedProducer runs tasks through working -> completed, or blocks until
// canceled when block is set.
type scriptedProducer struct {
	block bool

	mu       sync.Mutex
	runs     int
	canceled chan string
}

func (p *scriptedProducer) Run(ctx context.Context, emitter *stream.Emitter, task *models.Task, message json.RawMessage) {
	p.mu.Lock()
	p.runs++
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()
		if p.canceled != nil {
			p.canceled <- task.ID
		}
		return
	}

	working, _ := json.Marshal(models.StatusPayload{State: models.TaskStateWorking})
	if _, err := emitter.Emit(ctx, task.ID, models.EventKindStatus, working, false); err != nil {
		return
	}
	completed, _ := json.Marshal(models.StatusPayload{State: models.TaskStateCompleted})
	_, _ = emitter.Emit(ctx, task.ID, models.EventKindStatus, completed, true)
}

func (p *scriptedProducer) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

func newTestService(t *testing.T, producer Producer) *TaskService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger.Init(logrus.ErrorLevel)
	lg := logger.New("test", "")

	taskStore := stream.NewTaskStore(rdb, time.Hour, lg)
	eventLog := stream.NewEventLog(rdb, 100, time.Hour, lg)
	broadcaster := stream.NewBroadcaster(rdb, 16, lg)
	registry := stream.NewSubscriptionRegistry(rdb, time.Minute, time.Hour, lg)
	emitter := stream.NewEmitter(taskStore, eventLog, broadcaster, nil, lg)
	coordinator := stream.NewCoordinator(taskStore, eventLog, broadcaster, registry, stream.SessionOptions{
		Buffer:      16,
		SendTimeout: 2 * time.Second,
	}, lg)

	svc := NewTaskService(taskStore, eventLog, emitter, coordinator, nil, producer, lg)
	t.Cleanup(svc.Close)
	return svc
}

func drain(t *testing.T, s *stream.Session) []models.Event {
	t.Helper()
	var got []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				if err := s.Err(); err != nil {
					t.Fatalf("Session ended with error: %v", err)
				}
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Timed out draining session after %d events", len(got))
		}
	}
}

func TestStartTaskStreamsToCompletion(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})
	ctx := context.Background()

	task, session, err := svc.StartTask(ctx, models.SendTaskParams{Message: json.RawMessage(`{"q":"hi"}`)})
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	defer session.Close()

	events := drain(t, session)
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].State != models.TaskStateSubmitted {
		t.Errorf("Expected a submitted acknowledgment first, got %+v", events[0])
	}
	if events[2].State != models.TaskStateCompleted || !events[2].Final {
		t.Errorf("Expected a final completed event, got %+v", events[2])
	}

	got, err := svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != models.TaskStateCompleted || !got.Final {
		t.Errorf("Expected a final completed snapshot, got %+v", got)
	}
}

func TestStartTaskIsIdempotent(t *testing.T) {
	producer := &scriptedProducer{block: true}
	svc := newTestService(t, producer)
	ctx := context.Background()

	params := models.SendTaskParams{ID: "task-fixed", Message: json.RawMessage(`{}`)}
	_, first, err := svc.StartTask(ctx, params)
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	defer first.Close()

	_, second, err := svc.StartTask(ctx, params)
	if err != nil {
		t.Fatalf("Second StartTask() error = %v", err)
	}
	defer second.Close()

	if producer.runCount() != 1 {
		t.Errorf("Expected exactly one producer launch, got %d", producer.runCount())
	}
}

func TestCancelTask(t *testing.T) {
	producer := &scriptedProducer{block: true, canceled: make(chan string, 1)}
	svc := newTestService(t, producer)
	ctx := context.Background()

	_, session, err := svc.StartTask(ctx, models.SendTaskParams{ID: "task-1", Message: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("StartTask() error = %v", err)
	}
	defer session.Close()

	task, err := svc.CancelTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("CancelTask() error = %v", err)
	}
	if task.State != models.TaskStateCanceled || !task.Final {
		t.Errorf("Expected a final canceled snapshot, got %+v", task)
	}

	select {
	case <-producer.canceled:
	case <-time.After(2 * time.Second):
		t.Error("Expected the producer context to be canceled")
	}
}

func TestCancelUnknownTask(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})

	_, err := svc.CancelTask(context.Background(), "missing")
	if !errors.Is(err, stream.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancelFinishedTask(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})
	ctx := context.Background()

	task, err := svc.SendTask(ctx, models.SendTaskParams{Message: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendTask() error = %v", err)
	}

	_, err = svc.CancelTask(ctx, task.ID)
	if !errors.Is(err, stream.ErrTaskAlreadyFinal) {
		t.Errorf("Expected ErrTaskAlreadyFinal, got %v", err)
	}
}

func TestSendTaskWaitsForCompletion(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})

	task, err := svc.SendTask(context.Background(), models.SendTaskParams{Message: json.RawMessage(`{"q":"hi"}`)})
	if err != nil {
		t.Fatalf("SendTask() error = %v", err)
	}
	if task.State != models.TaskStateCompleted || !task.Final {
		t.Errorf("Expected a final completed snapshot, got %+v", task)
	}
}

func TestResubscribeReplaysFinishedTask(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})
	ctx := context.Background()

	task, err := svc.SendTask(ctx, models.SendTaskParams{Message: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendTask() error = %v", err)
	}

	session, err := svc.Resubscribe(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("Resubscribe() error = %v", err)
	}
	defer session.Close()

	events := drain(t, session)
	if len(events) != 3 {
		t.Fatalf("Expected 3 replayed events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("Event %d: expected sequence %d, got %d", i, i+1, ev.Sequence)
		}
	}

	// Resuming after the second event replays only the rest.
	partial, err := svc.Resubscribe(ctx, task.ID, 2)
	if err != nil {
		t.Fatalf("Resubscribe() error = %v", err)
	}
	defer partial.Close()
	events = drain(t, partial)
	if len(events) != 1 || events[0].Sequence != 3 {
		t.Errorf("Expected only sequence 3, got %v", events)
	}
}

func TestGetTaskUnknown(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})

	_, err := svc.GetTask(context.Background(), "missing")
	if !errors.Is(err, stream.ErrTaskNotFound) {
		t.Errorf("Expected ErrTaskNotFound, got %v", err)
	}
}

func TestTaskEventsReturnsHistory(t *testing.T) {
	svc := newTestService(t, &scriptedProducer{})
	ctx := context.Background()

	task, err := svc.SendTask(ctx, models.SendTaskParams{Message: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("SendTask() error = %v", err)
	}

	events, err := svc.TaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("TaskEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
}
