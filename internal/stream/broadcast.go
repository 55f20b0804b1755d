package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// Broadcaster fans emitted events out to currently attached observers over
// the channel:task:{id} pub/sub channel. Delivery is at-least-once to
// attached subscribers only; durability is the EventLog's job, not the
// channel's.
type Broadcaster struct {
	rdb      *redis.Client
	chanSize int
	logger   *logger.Logger
}

// NewBroadcaster creates a Broadcaster whose live feeds buffer up to
// chanSize undelivered events per subscriber.
func NewBroadcaster(rdb *redis.Client, chanSize int, log *logger.Logger) *Broadcaster {
	return &Broadcaster{rdb: rdb, chanSize: chanSize, logger: log}
}

// Publish sends the event to every subscriber currently attached to its task.
func (b *Broadcaster) Publish(ctx context.Context, ev *models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d for task %s: %w", ev.Sequence, ev.TaskID, err)
	}
	if err := b.rdb.Publish(ctx, channelKey(ev.TaskID), data).Err(); err != nil {
		return fmt.Errorf("publish event %d for task %s: %w", ev.Sequence, ev.TaskID, err)
	}
	return nil
}

// Subscribe opens a live feed of subsequent events for taskID. The
// subscription round-trip is confirmed before Subscribe returns, so any
// event published afterwards is guaranteed to reach the feed. Per-feed
// delivery order matches publish order for the task.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID string) (*LiveFeed, error) {
	ps := b.rdb.Subscribe(ctx, channelKey(taskID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to task %s: %w", taskID, err)
	}

	feed := &LiveFeed{
		ps:     ps,
		events: make(chan models.Event, b.chanSize),
		done:   make(chan struct{}),
	}
	go feed.forward(ps.Channel(redis.WithChannelSize(b.chanSize)), b.logger.WithTask(taskID))
	return feed, nil
}

// LiveFeed is one observer's handle on a task's broadcast channel.
type LiveFeed struct {
	ps     *redis.PubSub
	events chan models.Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the live event feed. It is closed when the feed is closed
// or the underlying subscription is torn down.
func (f *LiveFeed) Events() <-chan models.Event { return f.events }

// Close releases the subscription. Safe to call multiple times.
func (f *LiveFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.ps.Close()
	})
	return err
}

// forward decodes pub/sub messages into events until the subscription closes.
func (f *LiveFeed) forward(msgs <-chan *redis.Message, log *logger.Logger) {
	defer close(f.events)
	for msg := range msgs {
		var ev models.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.WithError(models.ErrorInfo{Message: err.Error(), Type: "decode_error"}).Error("Dropping undecodable broadcast message")
			continue
		}
		select {
		case f.events <- ev:
		case <-f.done:
			return
		}
	}
}
