package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bssahu/a2a-streaming/internal/models"
)

func appendStatus(t *testing.T, log *EventLog, taskID string, state models.TaskState, final bool) *models.Event {
	t.Helper()
	payload, _ := json.Marshal(models.StatusPayload{State: state})
	ev, err := log.Append(context.Background(), taskID, models.EventKindStatus, state, payload, final)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return ev
}

func TestAppendAssignsContiguousSequences(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 100, time.Hour, testLogger())

	for want := int64(1); want <= 3; want++ {
		ev := appendStatus(t, log, "task-1", models.TaskStateWorking, false)
		if ev.Sequence != want {
			t.Errorf("Expected sequence %d, got %d", want, ev.Sequence)
		}
	}

	// A second task gets its own counter.
	ev := appendStatus(t, log, "task-2", models.TaskStateWorking, false)
	if ev.Sequence != 1 {
		t.Errorf("Expected sequence 1 for a fresh task, got %d", ev.Sequence)
	}
}

func TestReadFromReturnsEventsAfterCursor(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 100, time.Hour, testLogger())
	ctx := context.Background()

	appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	appendStatus(t, log, "task-1", models.TaskStateCompleted, true)

	events, err := log.ReadFrom(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events after sequence 1, got %d", len(events))
	}
	if events[0].Sequence != 2 || events[1].Sequence != 3 {
		t.Errorf("Expected sequences [2 3], got [%d %d]", events[0].Sequence, events[1].Sequence)
	}
	if !events[1].Final {
		t.Error("Last event should carry the final flag")
	}
	if events[1].State != models.TaskStateCompleted {
		t.Errorf("Expected state completed, got %s", events[1].State)
	}
}

func TestReadFromEmptyLog(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 100, time.Hour, testLogger())

	events, err := log.ReadFrom(context.Background(), "task-1", 0)
	if err != nil {
		t.Fatalf("ReadFrom() on empty log error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestTrimmedHistoryIsReportedAsTruncated(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 2, time.Hour, testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	}

	// Events 1 and 2 are trimmed away; replaying from the start must fail.
	_, err := log.ReadFrom(ctx, "task-1", 0)
	if !errors.Is(err, ErrTruncatedHistory) {
		t.Errorf("Expected ErrTruncatedHistory, got %v", err)
	}

	// Replaying from within the retained window still works.
	events, err := log.ReadFrom(ctx, "task-1", 2)
	if err != nil {
		t.Fatalf("ReadFrom() within window error = %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 {
		t.Errorf("Expected events [3 4], got %v", events)
	}
}

func TestExpiredLogWithLiveCounterIsTruncated(t *testing.T) {
	rdb := newTestRedis(t)
	log := NewEventLog(rdb, 100, time.Hour, testLogger())
	ctx := context.Background()

	appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	if err := rdb.Del(ctx, streamKey("task-1")).Err(); err != nil {
		t.Fatalf("del stream: %v", err)
	}

	_, err := log.ReadFrom(ctx, "task-1", 0)
	if !errors.Is(err, ErrTruncatedHistory) {
		t.Errorf("Expected ErrTruncatedHistory for an emptied stream, got %v", err)
	}
}

func TestTailSequence(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 100, time.Hour, testLogger())
	ctx := context.Background()

	tail, err := log.TailSequence(ctx, "task-1")
	if err != nil {
		t.Fatalf("TailSequence() error = %v", err)
	}
	if tail != 0 {
		t.Errorf("Expected tail 0 for an empty log, got %d", tail)
	}

	appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	appendStatus(t, log, "task-1", models.TaskStateWorking, false)

	tail, err = log.TailSequence(ctx, "task-1")
	if err != nil {
		t.Fatalf("TailSequence() error = %v", err)
	}
	if tail != 2 {
		t.Errorf("Expected tail 2, got %d", tail)
	}
}

func TestReadRetainedIgnoresTrimming(t *testing.T) {
	log := NewEventLog(newTestRedis(t), 2, time.Hour, testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendStatus(t, log, "task-1", models.TaskStateWorking, false)
	}

	events, err := log.ReadRetained(ctx, "task-1")
	if err != nil {
		t.Fatalf("ReadRetained() error = %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Errorf("Expected retained sequences [3 4], got %v", events)
	}
}
