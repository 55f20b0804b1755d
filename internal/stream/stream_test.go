package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// newTestRedis spins up an in-process Redis and a client against it.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func testLogger() *logger.Logger {
	logger.Init(logrus.ErrorLevel)
	return logger.New("test", "")
}

func statusPayload(t *testing.T, state models.TaskState) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(models.StatusPayload{State: state})
	if err != nil {
		t.Fatalf("marshal status payload: %v", err)
	}
	return data
}

// fixture bundles the full set of stream components over one Redis.
type fixture struct {
	rdb       *redis.Client
	store     *TaskStore
	log       *EventLog
	broadcast *Broadcaster
	registry  *SubscriptionRegistry
	emitter   *Emitter
}

func newFixture(t *testing.T, maxLen int64) *fixture {
	t.Helper()
	rdb := newTestRedis(t)
	lg := testLogger()
	f := &fixture{
		rdb:       rdb,
		store:     NewTaskStore(rdb, time.Hour, lg),
		log:       NewEventLog(rdb, maxLen, time.Hour, lg),
		broadcast: NewBroadcaster(rdb, 16, lg),
		registry:  NewSubscriptionRegistry(rdb, time.Minute, time.Hour, lg),
	}
	f.emitter = NewEmitter(f.store, f.log, f.broadcast, nil, lg)
	return f
}

// createTask seeds a fresh task in the submitted state.
func (f *fixture) createTask(t *testing.T, taskID string) *models.Task {
	t.Helper()
	task, err := f.store.Put(context.Background(), taskID, TaskDelta{})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// emitStatus emits one status event and fails the test on error.
func (f *fixture) emitStatus(t *testing.T, taskID string, state models.TaskState, final bool) *models.Event {
	t.Helper()
	ev, err := f.emitter.Emit(context.Background(), taskID, models.EventKindStatus, statusPayload(t, state), final)
	if err != nil {
		t.Fatalf("emit status %s: %v", state, err)
	}
	return ev
}

// emitArtifact emits one artifact event and fails the test on error.
func (f *fixture) emitArtifact(t *testing.T, taskID string, payload string) *models.Event {
	t.Helper()
	ev, err := f.emitter.Emit(context.Background(), taskID, models.EventKindArtifact, json.RawMessage(payload), false)
	if err != nil {
		t.Fatalf("emit artifact: %v", err)
	}
	return ev
}
