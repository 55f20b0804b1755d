package archive

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bssahu/a2a-streaming/internal/models"
)

const (
	tasksCollection  = "archived_tasks"
	eventsCollection = "archived_events"
)

// ErrNotArchived is returned when a task has no archived record.
var ErrNotArchived = errors.New("task not found in archive")

// Store persists finalized tasks and their retained events to MongoDB once
// their hot-path retention in Redis lapses. Archived records are read-only
// and outlive the stream TTLs.
type Store struct {
	tasks  *mongo.Collection
	events *mongo.Collection
}

// NewStore creates a Store over the given database.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		tasks:  db.Collection(tasksCollection),
		events: db.Collection(eventsCollection),
	}
}

// archivedEvent keys each event by "{taskID}:{sequence}" so re-running an
// archive pass never duplicates documents.
type archivedEvent struct {
	ID    string       `bson:"_id"`
	Event models.Event `bson:"event"`
}

// Archive writes the task snapshot and its events. Idempotent: re-archiving
// the same task replaces the snapshot and skips already stored events.
func (s *Store) Archive(ctx context.Context, task *models.Task, events []models.Event) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": task.ID}, task, opts); err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}

	if len(events) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(events))
	for _, ev := range events {
		docs = append(docs, archivedEvent{
			ID:    fmt.Sprintf("%s:%d", ev.TaskID, ev.Sequence),
			Event: ev,
		})
	}
	insertOpts := options.InsertMany().SetOrdered(false)
	if _, err := s.events.InsertMany(ctx, docs, insertOpts); err != nil {
		if !isDuplicateKey(err) {
			return fmt.Errorf("archive events for task %s: %w", task.ID, err)
		}
	}
	return nil
}

// GetTask retrieves an archived task snapshot.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&task)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotArchived)
		}
		return nil, fmt.Errorf("get archived task %s: %w", taskID, err)
	}
	return &task, nil
}

// GetEvents returns the archived events for a task with sequence > after,
// oldest first.
func (s *Store) GetEvents(ctx context.Context, taskID string, after int64) ([]models.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "event.sequence", Value: 1}})
	filter := bson.M{
		"event.task_id":  taskID,
		"event.sequence": bson.M{"$gt": after},
	}
	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("get archived events for task %s: %w", taskID, err)
	}
	defer cursor.Close(ctx)

	var docs []archivedEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode archived events for task %s: %w", taskID, err)
	}
	events := make([]models.Event, 0, len(docs))
	for _, doc := range docs {
		events = append(events, doc.Event)
	}
	return events, nil
}

// isDuplicateKey reports whether err is only about duplicate _id inserts,
// which Archive treats as already done.
func isDuplicateKey(err error) bool {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		for _, we := range bulkErr.WriteErrors {
			if we.Code != 11000 {
				return false
			}
		}
		return len(bulkErr.WriteErrors) > 0
	}
	return mongo.IsDuplicateKeyError(err)
}
