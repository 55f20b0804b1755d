package archive

import (
	"context"
	"errors"
	"time"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// Janitor periodically moves finalized tasks out of the hot path. A task is
// eligible once it is final and has been quiet for longer than archiveAfter;
// the janitor copies its snapshot and retained events to the archive, then
// deletes the Redis keys ahead of their natural TTL expiry.
type Janitor struct {
	store        *stream.TaskStore
	log          *stream.EventLog
	archive      *Store
	archiveAfter time.Duration
	interval     time.Duration
	logger       *logger.Logger
}

// NewJanitor wires a sweep loop over the task store and event log.
func NewJanitor(store *stream.TaskStore, log *stream.EventLog, archive *Store, archiveAfter, interval time.Duration, lg *logger.Logger) *Janitor {
	return &Janitor{
		store:        store,
		log:          log,
		archive:      archive,
		archiveAfter: archiveAfter,
		interval:     interval,
		logger:       lg,
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep archives every eligible task. Per-task failures are logged and the
// sweep moves on; the task stays hot and the next sweep retries it.
func (j *Janitor) sweep(ctx context.Context) {
	ids, err := j.store.ListTaskIDs(ctx)
	if err != nil {
		j.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "redis_error"}).Error("Archive sweep failed to list tasks")
		return
	}

	archived := 0
	for _, id := range ids {
		ok, err := j.archiveTask(ctx, id)
		if err != nil {
			j.logger.WithTask(id).WithError(models.ErrorInfo{Message: err.Error(), Type: "archive_error"}).Error("Failed to archive task")
			continue
		}
		if ok {
			archived++
		}
	}
	if archived > 0 {
		j.logger.WithPayload(map[string]interface{}{"archived": archived}).Info("Archive sweep completed")
	}
}

// archiveTask moves one task if it is eligible. Returns true when the task
// was archived and removed.
func (j *Janitor) archiveTask(ctx context.Context, taskID string) (bool, error) {
	task, err := j.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, stream.ErrTaskNotFound) {
			// Expired between listing and loading.
			return false, nil
		}
		return false, err
	}
	if !task.Final || time.Since(task.UpdatedAt) < j.archiveAfter {
		return false, nil
	}

	events, err := j.log.ReadRetained(ctx, taskID)
	if err != nil {
		return false, err
	}
	if err := j.archive.Archive(ctx, task, events); err != nil {
		return false, err
	}
	// Delete only after the archive write landed; a failure in between
	// leaves the task hot and the next sweep re-archives idempotently.
	if err := j.store.Delete(ctx, taskID); err != nil {
		return false, err
	}
	return true, nil
}
