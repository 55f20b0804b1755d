package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bssahu/a2a-streaming/internal/models"
	"github.com/bssahu/a2a-streaming/pkg/logger"
)

// putRetries bounds optimistic-lock retries on a WATCH conflict.
const putRetries = 3

// TaskStore keeps the durable task snapshot at task:{id}. One producer owns
// each snapshot; any number of observers read it. Entries expire after the
// configured TTL of inactivity.
type TaskStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewTaskStore creates a TaskStore with the given retention TTL.
func NewTaskStore(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *TaskStore {
	return &TaskStore{rdb: rdb, ttl: ttl, logger: log}
}

// TaskDelta is a partial update merged into the stored snapshot.
// Zero values leave the corresponding field unchanged.
type TaskDelta struct {
	SessionID    string
	State        models.TaskState
	Final        bool
	LastSequence int64
	Metadata     map[string]interface{}
}

// isNoop reports whether applying the delta to cur would change nothing.
func (d TaskDelta) isNoop(cur *models.Task) bool {
	if d.State != "" && d.State != cur.State {
		return false
	}
	if d.LastSequence > cur.LastSequence {
		return false
	}
	if d.Final != cur.Final {
		return false
	}
	return true
}

// Put upserts the snapshot for taskID, merging the delta and bumping
// UpdatedAt. A missing snapshot is created in the submitted state. If the
// stored task is already final, any delta that is not a no-op is refused
// with ErrTaskAlreadyFinal. The read-merge-write is guarded by WATCH so a
// Put is atomic against concurrent readers.
func (s *TaskStore) Put(ctx context.Context, taskID string, delta TaskDelta) (*models.Task, error) {
	key := taskKey(taskID)
	var result *models.Task

	txn := func(tx *redis.Tx) error {
		cur, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if cur == nil {
			cur = &models.Task{
				ID:        taskID,
				State:     models.TaskStateSubmitted,
				CreatedAt: now,
			}
		} else if cur.Final {
			if delta.isNoop(cur) {
				result = cur
				return nil
			}
			return fmt.Errorf("put task %s: %w", taskID, ErrTaskAlreadyFinal)
		}

		if delta.SessionID != "" {
			cur.SessionID = delta.SessionID
		}
		if delta.State != "" {
			cur.State = delta.State
		}
		if delta.LastSequence > cur.LastSequence {
			cur.LastSequence = delta.LastSequence
		}
		if delta.Metadata != nil {
			cur.Metadata = delta.Metadata
		}
		cur.Final = delta.Final || cur.State.Terminal()
		cur.UpdatedAt = now

		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", taskID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = cur
		return nil
	}

	var err error
	for i := 0; i < putRetries; i++ {
		err = s.rdb.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get retrieves the snapshot for taskID, or ErrTaskNotFound if it is
// unknown or expired.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &t, nil
}

// ListTaskIDs scans for stored task IDs, skipping the :seq and :stream
// companion keys. Used by the archive janitor.
func (s *TaskStore) ListTaskIDs(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		ids    []string
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, taskKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan tasks: %w", err)
		}
		for _, key := range keys {
			id := key[len(taskKeyPrefix):]
			if len(id) == 0 {
				continue
			}
			if strings.HasSuffix(key, seqKeySuffix) || strings.HasSuffix(key, streamKeySuffix) {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// Delete removes the whole durable namespace of a task: snapshot, sequence
// counter, event log and subscriber set.
func (s *TaskStore) Delete(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx,
		taskKey(taskID),
		seqKey(taskID),
		streamKey(taskID),
		subscriptionsKey(taskID),
	).Err()
}

// load reads the current snapshot inside a transaction; nil means absent.
func (s *TaskStore) load(ctx context.Context, tx *redis.Tx, key string) (*models.Task, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}
