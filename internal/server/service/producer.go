package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/internal/stream"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// EchoProducer is the built-in reference producer. It marks the task as
// working, echoes the submitted message back as an artifact and completes.
// Real deployments plug their own Producer into the service.
type EchoProducer struct {
	// Delay spaces the emitted events out, making the streaming behavior
	// visible to interactive clients. Zero runs the task at full speed.
	Delay  time.Duration
	Logger *logger.Logger
}

// Run drives the task through working -> artifact -> completed.
func (p *EchoProducer) Run(ctx context.Context, emitter *stream.Emitter, task *models.Task, message json.RawMessage) {
	steps := []struct {
		kind    models.EventKind
		payload interface{}
		final   bool
	}{
		{models.EventKindStatus, models.StatusPayload{State: models.TaskStateWorking, Message: "processing"}, false},
		{models.EventKindArtifact, map[string]interface{}{"echo": message}, false},
		{models.EventKindStatus, models.StatusPayload{State: models.TaskStateCompleted, Message: "done"}, true},
	}

	for _, step := range steps {
		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.Delay):
			}
		}
		payload, err := json.Marshal(step.payload)
		if err != nil {
			p.Logger.WithTask(task.ID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to marshal producer payload")
			return
		}
		if _, err := emitter.Emit(ctx, task.ID, step.kind, payload, step.final); err != nil {
			// Cancellation finalizes the task out from under the producer.
			if errors.Is(err, stream.ErrTaskAlreadyFinal) || ctx.Err() != nil {
				return
			}
			p.Logger.WithTask(task.ID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Producer emit failed")
			p.fail(task.ID, emitter)
			return
		}
	}
}

// fail tries to finalize the task with a failed status after an emit error.
func (p *EchoProducer) fail(taskID string, emitter *stream.Emitter) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, _ := json.Marshal(models.StatusPayload{State: models.TaskStateFailed, Message: "producer error"})
	if _, err := emitter.Emit(ctx, taskID, models.EventKindStatus, payload, true); err != nil {
		p.Logger.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error()}).Error("Failed to finalize task after producer error")
	}
}
