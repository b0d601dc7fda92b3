package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type countCollection interface {
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type aggregateCollection interface {
	countCollection
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
}

// NotificationStats summarizes delivered notifications.
type NotificationStats struct {
	TotalNotificationsSent int64            `json:"totalNotificationsSent"`
	NotificationsToday     int64            `json:"notificationsToday"`
	NotificationsByMethod  map[string]int64 `json:"notificationsByMethod"`
}

// StatsProvider exposes helper methods to retrieve collection counts for basic
// diagnostics without leaking MongoDB internals to callers.
type StatsProvider struct {
	accounts countCollection
	logs     aggregateCollection
	now      func() time.Time
}

// NewStatsProvider constructs a StatsProvider backed by the accounts and
// notification log collections.
func NewStatsProvider(accounts countCollection, logs aggregateCollection) *StatsProvider {
	return &StatsProvider{
		accounts: accounts,
		logs:     logs,
		now:      time.Now,
	}
}

// CountAccounts returns the number of registered accounts.
func (p *StatsProvider) CountAccounts(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.accounts == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.accounts.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}

	return count, nil
}

// CountActiveAccounts returns the number of accounts that can be notified.
func (p *StatsProvider) CountActiveAccounts(ctx context.Context) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.accounts == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := p.accounts.CountDocuments(ctx, bson.M{"is_active": true})
	if err != nil {
		return 0, fmt.Errorf("count active accounts: %w", err)
	}

	return count, nil
}

// Notifications reports sent notifications overall, since midnight UTC, and
// per delivery channel.
func (p *StatsProvider) Notifications(ctx context.Context) (NotificationStats, error) {
	if ctx == nil {
		return NotificationStats{}, errors.New("context is required")
	}
	if p == nil || p.logs == nil {
		return NotificationStats{}, errors.New("stats provider is not initialized")
	}

	sent := bson.M{"email_status": "sent"}
	total, err := p.logs.CountDocuments(ctx, sent)
	if err != nil {
		return NotificationStats{}, fmt.Errorf("count notifications: %w", err)
	}

	now := p.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := p.logs.CountDocuments(ctx, bson.M{"email_status": "sent", "sent_at": bson.M{"$gte": midnight}})
	if err != nil {
		return NotificationStats{}, fmt.Errorf("count notifications today: %w", err)
	}

	cursor, err := p.logs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: sent}},
		{{Key: "$unwind", Value: "$channels"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$channels"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return NotificationStats{}, fmt.Errorf("aggregate notifications by channel: %w", err)
	}

	var rows []struct {
		Channel string `bson:"_id"`
		Count   int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return NotificationStats{}, fmt.Errorf("decode notifications by channel: %w", err)
	}

	byMethod := make(map[string]int64, len(rows))
	for _, row := range rows {
		byMethod[row.Channel] = row.Count
	}

	return NotificationStats{
		TotalNotificationsSent: total,
		NotificationsToday:     today,
		NotificationsByMethod:  byMethod,
	}, nil
}
