// Package store encapsulates MongoDB client management and collection helpers.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"queue_notifier/internal/config"
)

// Collection names used across the service.
const (
	CollectionAccounts         = "accounts"
	CollectionCounters         = "counters"
	CollectionQueueSnapshots   = "queue_snapshots"
	CollectionNotificationLogs = "notification_logs"
)

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns a MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager initializes the Mongo client using the supplied configuration and
// verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	return m.db
}

// Collection returns a collection handle for the given name.
func (m *Manager) Collection(name string) *mongo.Collection {
	return m.db.Collection(name)
}

// Accounts returns the registered accounts collection.
func (m *Manager) Accounts() *mongo.Collection {
	return m.Collection(CollectionAccounts)
}

// Counters returns the id sequence collection.
func (m *Manager) Counters() *mongo.Collection {
	return m.Collection(CollectionCounters)
}

// QueueSnapshots returns the append-only snapshot log.
func (m *Manager) QueueSnapshots() *mongo.Collection {
	return m.Collection(CollectionQueueSnapshots)
}

// NotificationLogs returns the notification audit collection.
func (m *Manager) NotificationLogs() *mongo.Collection {
	return m.Collection(CollectionNotificationLogs)
}

// Ping verifies the primary is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("store manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// EnsureBaseIndexes creates the indexes the repositories query on. Collections
// are created implicitly if they do not already exist.
func (m *Manager) EnsureBaseIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("store manager is not initialized")
	}

	accountIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}},
			Options: options.Index().SetName("account_id_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "username_key", Value: 1}},
			Options: options.Index().SetName("username_key_unique").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "pattern_key", Value: 1}, {Key: "is_active", Value: 1}},
			Options: options.Index().SetName("pattern_key_active"),
		},
		{
			Keys:    bson.D{{Key: "alternative_pattern_key", Value: 1}, {Key: "is_active", Value: 1}},
			Options: options.Index().SetName("alternative_pattern_key_active"),
		},
		{
			Keys:    bson.D{{Key: "email_key", Value: 1}},
			Options: options.Index().SetName("email_key"),
		},
		{
			Keys:    bson.D{{Key: "telegram_username_key", Value: 1}},
			Options: options.Index().SetName("telegram_username_key"),
		},
	}

	if _, err := createIndexes(ctx, m.Accounts(), accountIndexes); err != nil {
		return fmt.Errorf("create accounts indexes: %w", err)
	}

	snapshotIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "captured_at", Value: -1}},
			Options: options.Index().SetName("captured_at_desc"),
		},
	}

	if _, err := createIndexes(ctx, m.QueueSnapshots(), snapshotIndexes); err != nil {
		return fmt.Errorf("create queue snapshot indexes: %w", err)
	}

	logIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "sent_at", Value: -1}},
			Options: options.Index().SetName("account_sent_at"),
		},
		{
			Keys:    bson.D{{Key: "sent_at", Value: -1}},
			Options: options.Index().SetName("sent_at_desc"),
		},
	}

	if _, err := createIndexes(ctx, m.NotificationLogs(), logIndexes); err != nil {
		return fmt.Errorf("create notification log indexes: %w", err)
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
