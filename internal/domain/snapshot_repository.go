package domain

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Defaults for paged history reads.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type appendCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

type snapshotCollection interface {
	appendCollection
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

type snapshotDocument struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty"`
	CurrentUserPattern string             `bson:"current_user_pattern"`
	RawContent         string             `bson:"raw_content"`
	CapturedAt         time.Time          `bson:"captured_at"`
}

func (d snapshotDocument) snapshot() Snapshot {
	s := Snapshot{
		CurrentUserPattern: d.CurrentUserPattern,
		RawContent:         d.RawContent,
		CapturedAt:         d.CapturedAt,
	}
	if !d.ID.IsZero() {
		s.ID = d.ID.Hex()
	}
	return s
}

var newestFirst = bson.D{{Key: "captured_at", Value: -1}, {Key: "_id", Value: -1}}

// SnapshotRepository is the append-only queue snapshot log.
type SnapshotRepository struct {
	collection snapshotCollection
}

// NewSnapshotRepository constructs a SnapshotRepository.
func NewSnapshotRepository(collection snapshotCollection) *SnapshotRepository {
	return &SnapshotRepository{collection: collection}
}

// Append stores one observation and returns its id.
func (r *SnapshotRepository) Append(ctx context.Context, pattern, rawContent string, at time.Time) (Snapshot, error) {
	if r == nil || r.collection == nil {
		return Snapshot{}, errors.New("snapshot repository is not initialized")
	}
	if ctx == nil {
		return Snapshot{}, errors.New("context is required")
	}

	doc := snapshotDocument{
		ID:                 primitive.NewObjectID(),
		CurrentUserPattern: pattern,
		RawContent:         rawContent,
		CapturedAt:         at.UTC().Truncate(time.Millisecond),
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return Snapshot{}, storageError("insert snapshot", err)
	}

	return doc.snapshot(), nil
}

// MostRecent returns the newest snapshot or ErrNotFound.
func (r *SnapshotRepository) MostRecent(ctx context.Context) (Snapshot, error) {
	if r == nil || r.collection == nil {
		return Snapshot{}, errors.New("snapshot repository is not initialized")
	}
	if ctx == nil {
		return Snapshot{}, errors.New("context is required")
	}

	result := r.collection.FindOne(ctx, bson.M{}, options.FindOne().SetSort(newestFirst))
	if result == nil {
		return Snapshot{}, storageError("find latest snapshot", errors.New("no result"))
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, storageError("find latest snapshot", err)
	}

	var doc snapshotDocument
	if err := result.Decode(&doc); err != nil {
		return Snapshot{}, storageError("decode snapshot", err)
	}

	return doc.snapshot(), nil
}

// History pages through snapshots newest first. Non-positive limits fall back
// to DefaultHistoryLimit; limits above MaxHistoryLimit are capped.
func (r *SnapshotRepository) History(ctx context.Context, limit, offset int) ([]Snapshot, error) {
	if r == nil || r.collection == nil {
		return nil, errors.New("snapshot repository is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	limit, offset = NormalizePage(limit, offset)

	cursor, err := r.collection.Find(ctx, bson.M{},
		options.Find().SetSort(newestFirst).SetLimit(int64(limit)).SetSkip(int64(offset)),
	)
	if err != nil {
		return nil, storageError("find snapshot history", err)
	}

	var docs []snapshotDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, storageError("decode snapshot history", err)
	}

	history := make([]Snapshot, 0, len(docs))
	for _, doc := range docs {
		history = append(history, doc.snapshot())
	}

	return history, nil
}

// NormalizePage applies the history paging defaults.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// NotificationLogRepository appends audit entries.
type NotificationLogRepository struct {
	collection appendCollection
}

// NewNotificationLogRepository constructs a NotificationLogRepository.
func NewNotificationLogRepository(collection appendCollection) *NotificationLogRepository {
	return &NotificationLogRepository{collection: collection}
}

// Append inserts one entry, defaulting the status to sent and the time to now.
func (r *NotificationLogRepository) Append(ctx context.Context, entry NotificationLog) error {
	if r == nil || r.collection == nil {
		return errors.New("notification log repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if entry.AccountID <= 0 {
		return errors.New("account_id is required")
	}
	if entry.EmailStatus == "" {
		entry.EmailStatus = EmailStatusSent
	}
	if entry.NotificationType == "" {
		entry.NotificationType = NotificationTypeForPosition(entry.Position)
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now()
	}
	entry.SentAt = entry.SentAt.UTC().Truncate(time.Millisecond)
	if entry.Channels == nil {
		entry.Channels = []string{}
	}

	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		return storageError("insert notification log", err)
	}

	return nil
}
