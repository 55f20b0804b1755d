package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// SessionOptions tune observer session behavior.
type SessionOptions struct {
	// Buffer is the size of the session's outgoing event channel.
	Buffer int
	// SendTimeout bounds how long a delivery may stay blocked on a slow
	// observer before the session is torn down with ErrBackpressure.
	SendTimeout time.Duration
	// IdleTimeout closes a live session that has delivered nothing for this
	// long with ErrSessionIdle. Zero disables it.
	IdleTimeout time.Duration
}

// Coordinator runs the replay-then-live attach protocol. An observer that
// attaches (or reattaches) through it sees every event for a task exactly
// once, in sequence order, with no gap at the replay/live boundary.
//
// The protocol, per session:
//
//  1. open a live subscription on the broadcast channel
//  2. snapshot the log's tail sequence (the durability high-water mark as
//     of a moment at or after step 1)
//  3. replay the log up to the tail, delivering in order
//  4. switch to the live feed, discarding anything already delivered and
//     back-filling from the log when a sequence gap appears
//
// Because an event is durable in the log before it is broadcast, any live
// event racing the replay window is either deduplicated by sequence or
// recoverable from the log. Dedup state is per session; concurrent sessions
// never share a cursor.
type Coordinator struct {
	store     *TaskStore
	log       *EventLog
	broadcast *Broadcaster
	registry  *SubscriptionRegistry
	opts      SessionOptions
	logger    *logger.Logger
}

// NewCoordinator wires the attach protocol over the four components.
func NewCoordinator(store *TaskStore, log *EventLog, broadcast *Broadcaster, registry *SubscriptionRegistry, opts SessionOptions, lg *logger.Logger) *Coordinator {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Coordinator{store: store, log: log, broadcast: broadcast, registry: registry, opts: opts, logger: lg}
}

// Attach joins subscriberID to taskID's event stream, replaying history
// after fromSequence and then following the live tail. It fails fast with
// ErrTaskNotFound when the task is unknown or expired. The returned session
// ends when the observer sees a final event, the context is canceled, Close
// is called, or an error tears it down (see Session.Err).
func (c *Coordinator) Attach(ctx context.Context, taskID, subscriberID string, fromSequence int64) (*Session, error) {
	task, err := c.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	// ATTACH_LIVE before SNAPSHOT_TAIL: the live feed must already be open
	// when the high-water mark is read, or events between the two could be
	// neither replayed nor received.
	feed, err := c.broadcast.Subscribe(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tail, err := c.log.TailSequence(ctx, taskID)
	if err != nil {
		_ = feed.Close()
		return nil, err
	}

	if err := c.registry.Register(ctx, taskID, subscriberID); err != nil {
		// Advisory only; never blocks an attach.
		c.logger.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error(), Type: "registry_error"}).Warn("Failed to register subscriber")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		taskID:       taskID,
		subscriberID: subscriberID,
		task:         task,
		tail:         tail,
		next:         fromSequence,
		feed:         feed,
		log:          c.log,
		registry:     c.registry,
		opts:         c.opts,
		logger:       c.logger.WithTask(taskID),
		events:       make(chan models.Event, c.opts.Buffer),
		cancel:       cancel,
	}
	go s.run(runCtx)
	return s, nil
}

// Session is one observer's attachment to a task stream. Events arrive on
// Events() in strictly increasing sequence order with no duplicates; after
// the channel closes, Err reports why the session ended (nil for a clean
// close on a final event or observer disconnect).
type Session struct {
	taskID       string
	subscriberID string
	task         *models.Task
	tail         int64
	next         int64 // last sequence delivered to the observer
	feed         *LiveFeed
	log          *EventLog
	registry     *SubscriptionRegistry
	opts         SessionOptions
	logger       *logger.Logger

	events chan models.Event
	err    error // written only by run, read after events closes
	cancel context.CancelFunc
}

// Events returns the session's event stream. The channel closes when the
// session ends.
func (s *Session) Events() <-chan models.Event { return s.events }

// Err reports why the session ended. Only valid after Events() has closed.
func (s *Session) Err() error { return s.err }

// Close detaches the observer. Safe to call multiple times.
func (s *Session) Close() { s.cancel() }

// run drives the session state machine: REPLAY, then a unified MERGE/LIVE
// loop. Events buffered by the live feed during replay are deduplicated by
// sequence; the explicit merge step collapses into the loop's first drains.
func (s *Session) run(ctx context.Context) {
	defer func() {
		_ = s.feed.Close()
		detachCtx, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.registry.Deregister(detachCtx, s.taskID, s.subscriberID); err != nil {
			s.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "registry_error"}).Warn("Failed to deregister subscriber")
		}
		detachCancel()
		close(s.events)
	}()

	// REPLAY up to the snapshot tail.
	if s.next < s.tail {
		if !s.replay(ctx) {
			return
		}
	}

	// A terminal task with history fully delivered never goes live.
	if s.task.Final && s.next >= s.tail {
		return
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	if s.opts.IdleTimeout > 0 {
		idle = time.NewTimer(s.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.feed.Events():
			if !ok {
				s.err = fmt.Errorf("live feed for task %s closed unexpectedly", s.taskID)
				return
			}
			if ev.Sequence <= s.next {
				continue // already delivered via replay or an earlier fill
			}
			if ev.Sequence > s.next+1 {
				// A gap: a dropped broadcast or a publish we outran. The log
				// is durable ahead of the channel, so fill from it.
				if !s.replay(ctx) {
					return
				}
				if ev.Sequence <= s.next {
					continue
				}
			}
			if !s.deliver(ctx, ev) {
				return
			}
			if err := s.registry.Heartbeat(ctx, s.taskID, s.subscriberID); err != nil {
				s.logger.WithError(models.ErrorInfo{Message: err.Error(), Type: "registry_error"}).Debug("Heartbeat failed")
			}
			if ev.Final {
				return
			}
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(s.opts.IdleTimeout)
			}

		case <-idleC:
			s.err = fmt.Errorf("task %s: %w", s.taskID, ErrSessionIdle)
			return
		}
	}
}

// replay delivers retained history after the session cursor, oldest first.
// It serves both the initial replay and live gap fills; a failure during a
// fill, truncated history included, aborts the session rather than risk
// silent loss. Returns false when the session must end.
func (s *Session) replay(ctx context.Context) bool {
	evs, err := s.log.ReadFrom(ctx, s.taskID, s.next)
	if err != nil {
		s.err = err
		return false
	}
	for _, ev := range evs {
		if ev.Sequence <= s.next {
			continue
		}
		if !s.deliver(ctx, ev) {
			return false
		}
		if ev.Final {
			return false
		}
	}
	return true
}

// deliver hands one event to the observer, advancing the cursor. A delivery
// blocked past SendTimeout tears the session down with ErrBackpressure.
// Returns false when the session must end.
func (s *Session) deliver(ctx context.Context, ev models.Event) bool {
	if s.opts.SendTimeout > 0 {
		t := time.NewTimer(s.opts.SendTimeout)
		defer t.Stop()
		select {
		case s.events <- ev:
			s.next = ev.Sequence
			return true
		case <-ctx.Done():
			return false
		case <-t.C:
			s.err = fmt.Errorf("task %s subscriber %s: %w", s.taskID, s.subscriberID, ErrBackpressure)
			s.logger.WithPayload(map[string]interface{}{"subscriber_id": s.subscriberID}).Warn("Session torn down by backpressure")
			return false
		}
	}
	select {
	case s.events <- ev:
		s.next = ev.Sequence
		return true
	case <-ctx.Done():
		return false
	}
}
