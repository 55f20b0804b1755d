package stream

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAndWatchers(t *testing.T) {
	r := NewSubscriptionRegistry(newTestRedis(t), time.Minute, time.Hour, testLogger())
	ctx := context.Background()

	if err := r.Register(ctx, "task-1", "sub-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(ctx, "task-1", "sub-b"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	watchers, err := r.Watchers(ctx, "task-1")
	if err != nil {
		t.Fatalf("Watchers() error = %v", err)
	}
	if len(watchers) != 2 {
		t.Errorf("Expected 2 watchers, got %d: %v", len(watchers), watchers)
	}

	ok, err := r.HasWatchers(ctx, "task-1")
	if err != nil {
		t.Fatalf("HasWatchers() error = %v", err)
	}
	if !ok {
		t.Error("Expected HasWatchers to report true")
	}
}

func TestDeregisterRemovesWatcher(t *testing.T) {
	r := NewSubscriptionRegistry(newTestRedis(t), time.Minute, time.Hour, testLogger())
	ctx := context.Background()

	if err := r.Register(ctx, "task-1", "sub-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Deregister(ctx, "task-1", "sub-a"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}

	ok, err := r.HasWatchers(ctx, "task-1")
	if err != nil {
		t.Fatalf("HasWatchers() error = %v", err)
	}
	if ok {
		t.Error("Expected no watchers after deregister")
	}
}

func TestExpiredEntriesArePruned(t *testing.T) {
	// A negative entry TTL writes scores that are already in the past.
	r := NewSubscriptionRegistry(newTestRedis(t), -time.Second, time.Hour, testLogger())
	ctx := context.Background()

	if err := r.Register(ctx, "task-1", "sub-stale"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	watchers, err := r.Watchers(ctx, "task-1")
	if err != nil {
		t.Fatalf("Watchers() error = %v", err)
	}
	if len(watchers) != 0 {
		t.Errorf("Expected expired entry to be pruned, got %v", watchers)
	}
}

func TestHeartbeatKeepsWatcherAlive(t *testing.T) {
	r := NewSubscriptionRegistry(newTestRedis(t), time.Minute, time.Hour, testLogger())
	ctx := context.Background()

	if err := r.Register(ctx, "task-1", "sub-a"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Heartbeat(ctx, "task-1", "sub-a"); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}

	watchers, err := r.Watchers(ctx, "task-1")
	if err != nil {
		t.Fatalf("Watchers() error = %v", err)
	}
	if len(watchers) != 1 {
		t.Errorf("Expected 1 watcher after heartbeat, got %d", len(watchers))
	}
}
