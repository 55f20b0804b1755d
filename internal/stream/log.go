package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// EventLog is the per-task ordered, bounded, durable append log, backed by a
// Redis stream at task:{id}:stream. Stream entry IDs are "<sequence>-0" so
// that a replay window maps directly onto an XRANGE. Only the Emitter
// appends; events are immutable once written.
type EventLog struct {
	rdb    *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-task append serialization
}

// NewEventLog creates an EventLog bounded to maxLen events per task and the
// given retention TTL.
func NewEventLog(rdb *redis.Client, maxLen int64, ttl time.Duration, log *logger.Logger) *EventLog {
	return &EventLog{
		rdb:    rdb,
		maxLen: maxLen,
		ttl:    ttl,
		logger: log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Append assigns the next sequence number for taskID, persists the event and
// trims the log to its bound. Appends for the same task are serialized so
// the INCR and the XADD stay consistent even when a producer emits from
// concurrent substeps.
func (l *EventLog) Append(ctx context.Context, taskID string, kind models.EventKind, state models.TaskState, payload json.RawMessage, final bool) (*models.Event, error) {
	lock := l.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := l.rdb.Incr(ctx, seqKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("next sequence for task %s: %w", taskID, err)
	}

	ev := &models.Event{
		TaskID:    taskID,
		Sequence:  seq,
		Kind:      kind,
		State:     state,
		Payload:   payload,
		Final:     final,
		Timestamp: time.Now().UTC(),
	}

	values := map[string]interface{}{
		"kind":      string(ev.Kind),
		"state":     string(ev.State),
		"payload":   string(ev.Payload),
		"final":     strconv.FormatBool(ev.Final),
		"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
	}
	err = l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(taskID),
		MaxLen: l.maxLen,
		ID:     entryID(seq),
		Values: values,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("append event %d for task %s: %w", seq, taskID, err)
	}

	// The log shares the task's retention window.
	pipe := l.rdb.Pipeline()
	pipe.Expire(ctx, streamKey(taskID), l.ttl)
	pipe.Expire(ctx, seqKey(taskID), l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error(), Type: "redis_error"}).Warn("Failed to refresh event log TTL")
	}

	return ev, nil
}

// ReadFrom returns all retained events with sequence > after, oldest first.
// If the oldest retained event no longer covers after+1 the caller has
// missed trimmed history and ErrTruncatedHistory is returned.
func (l *EventLog) ReadFrom(ctx context.Context, taskID string, after int64) ([]models.Event, error) {
	oldest, err := l.oldestSequence(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if oldest == 0 {
		// Empty stream: truncated only if events were ever assigned past after.
		tail, err := l.counter(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if tail > after {
			return nil, fmt.Errorf("replay task %s after %d: %w", taskID, after, ErrTruncatedHistory)
		}
		return nil, nil
	}
	if oldest > after+1 {
		return nil, fmt.Errorf("replay task %s after %d, oldest retained %d: %w", taskID, after, oldest, ErrTruncatedHistory)
	}

	msgs, err := l.rdb.XRange(ctx, streamKey(taskID), entryID(after+1), "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events for task %s: %w", taskID, err)
	}
	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeEntry(taskID, msg)
		if err != nil {
			l.logger.WithTask(taskID).WithError(models.ErrorInfo{Message: err.Error(), Type: "decode_error"}).Error("Skipping undecodable event log entry")
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// TailSequence returns the highest sequence currently durable for taskID,
// or 0 for an empty or absent log.
func (l *EventLog) TailSequence(ctx context.Context, taskID string) (int64, error) {
	msgs, err := l.rdb.XRevRangeN(ctx, streamKey(taskID), "+", "-", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("tail sequence for task %s: %w", taskID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return sequenceOf(msgs[0].ID)
}

// ReadRetained returns every event still held for taskID without the
// truncation check. Used by the archive janitor, which wants whatever is
// left regardless of trimming.
func (l *EventLog) ReadRetained(ctx context.Context, taskID string) ([]models.Event, error) {
	msgs, err := l.rdb.XRange(ctx, streamKey(taskID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read retained events for task %s: %w", taskID, err)
	}
	events := make([]models.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeEntry(taskID, msg)
		if err != nil {
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// oldestSequence returns the sequence of the oldest retained entry, 0 if none.
func (l *EventLog) oldestSequence(ctx context.Context, taskID string) (int64, error) {
	msgs, err := l.rdb.XRangeN(ctx, streamKey(taskID), "-", "+", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("oldest sequence for task %s: %w", taskID, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return sequenceOf(msgs[0].ID)
}

// counter reads the raw sequence counter, 0 if unset.
func (l *EventLog) counter(ctx context.Context, taskID string) (int64, error) {
	val, err := l.rdb.Get(ctx, seqKey(taskID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence counter for task %s: %w", taskID, err)
	}
	return val, nil
}

// taskLock returns the append mutex for taskID, creating it on first use.
func (l *EventLog) taskLock(taskID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[taskID] = lock
	}
	return lock
}

// ReleaseLock drops the append mutex for a finished task.
func (l *EventLog) ReleaseLock(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, taskID)
}

// entryID formats a sequence number as a stream entry ID.
func entryID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-0"
}

// sequenceOf parses the sequence number out of a stream entry ID.
func sequenceOf(id string) (int64, error) {
	dash := strings.IndexByte(id, '-')
	if dash < 0 {
		dash = len(id)
	}
	seq, err := strconv.ParseInt(id[:dash], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream entry ID %q: %w", id, err)
	}
	return seq, nil
}

// decodeEntry rebuilds an Event from its stream entry fields.
func decodeEntry(taskID string, msg redis.XMessage) (*models.Event, error) {
	seq, err := sequenceOf(msg.ID)
	if err != nil {
		return nil, err
	}
	ev := &models.Event{TaskID: taskID, Sequence: seq}

	if v, ok := msg.Values["kind"].(string); ok {
		ev.Kind = models.EventKind(v)
	}
	if v, ok := msg.Values["state"].(string); ok {
		ev.State = models.TaskState(v)
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		ev.Payload = json.RawMessage(v)
	}
	if v, ok := msg.Values["final"].(string); ok {
		ev.Final, _ = strconv.ParseBool(v)
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp in entry %s: %w", msg.ID, err)
		}
		ev.Timestamp = ts
	}
	if !ev.Kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q in entry %s", ev.Kind, msg.ID)
	}
	return ev, nil
}
