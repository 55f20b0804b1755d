package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bssahu/a2a-streaming/internal/models"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := NewBroadcaster(newTestRedis(t), 16, testLogger())
	ctx := context.Background()

	feed, err := b.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer feed.Close()

	want := &models.Event{
		TaskID:   "task-1",
		Sequence: 7,
		Kind:     models.EventKindArtifact,
		State:    models.TaskStateWorking,
		Payload:  json.RawMessage(`{"chunk":"hello"}`),
	}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-feed.Events():
		if got.Sequence != want.Sequence {
			t.Errorf("Expected sequence %d, got %d", want.Sequence, got.Sequence)
		}
		if got.Kind != want.Kind {
			t.Errorf("Expected kind %s, got %s", want.Kind, got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast delivery")
	}
}

func TestSubscriberOnlySeesItsOwnTask(t *testing.T) {
	b := NewBroadcaster(newTestRedis(t), 16, testLogger())
	ctx := context.Background()

	feed, err := b.Subscribe(ctx, "task-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer feed.Close()

	other := &models.Event{TaskID: "task-2", Sequence: 1, Kind: models.EventKindStatus, State: models.TaskStateWorking}
	if err := b.Publish(ctx, other); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	mine := &models.Event{TaskID: "task-1", Sequence: 1, Kind: models.EventKindStatus, State: models.TaskStateWorking}
	if err := b.Publish(ctx, mine); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-feed.Events():
		if got.TaskID != "task-1" {
			t.Errorf("Received event for foreign task %s", got.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast delivery")
	}
}

func TestCloseEndsFeed(t *testing.T) {
	b := NewBroadcaster(newTestRedis(t), 16, testLogger())

	feed, err := b.Subscribe(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Double close must be safe.
	if err := feed.Close(); err != nil {
		t.Errorf("Second Close() error = %v", err)
	}

	select {
	case _, ok := <-feed.Events():
		if ok {
			t.Error("Expected the feed channel to close without more events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the feed channel to close")
	}
}
