// Package report logs periodic notification statistics.
package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/logging"
	"queue_notifier/internal/store"
)

// DefaultSchedule runs the report hourly.
const DefaultSchedule = "@every 1h"

const runTimeout = 30 * time.Second

type statsSource interface {
	CountAccounts(ctx context.Context) (int64, error)
	CountActiveAccounts(ctx context.Context) (int64, error)
	Notifications(ctx context.Context) (store.NotificationStats, error)
}

type sequenceCounter interface {
	Len() int
}

// Report is one statistics snapshot.
type Report struct {
	Accounts        int64
	ActiveAccounts  int64
	Notifications   store.NotificationStats
	ActiveSequences int
}

// Reporter runs the statistics report on a cron schedule.
type Reporter struct {
	stats     statsSource
	sequences sequenceCounter
	logger    *logrus.Entry
	parser    cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

// NewReporter constructs a Reporter. sequences may be nil.
func NewReporter(stats statsSource, sequences sequenceCounter, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Reporter{
		stats:     stats,
		sequences: sequences,
		logger:    logger,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules the report. An invalid schedule is returned before anything runs.
func (r *Reporter) Start(schedule string) error {
	if r == nil || r.stats == nil {
		return errors.New("reporter is not initialized")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := r.parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse stats schedule %q: %w", schedule, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(schedule, r.runScheduled); err != nil {
		return fmt.Errorf("schedule stats report: %w", err)
	}
	c.Start()
	r.c = c

	r.logger.WithFields(logging.Fields{
		"event":    "stats_scheduler_started",
		"schedule": schedule,
	}).Info("stats report scheduled")

	return nil
}

// Stop halts the schedule and waits for a running report, or for ctx.
func (r *Reporter) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.WithField("event", "stats_report_failed").WithError(err).Warn("stats report failed")
	}
}

// RunOnce collects and logs one report.
func (r *Reporter) RunOnce(ctx context.Context) (Report, error) {
	if r == nil || r.stats == nil {
		return Report{}, errors.New("reporter is not initialized")
	}
	if ctx == nil {
		return Report{}, errors.New("context is required")
	}

	total, err := r.stats.CountAccounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count accounts: %w", err)
	}
	active, err := r.stats.CountActiveAccounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count active accounts: %w", err)
	}
	notifications, err := r.stats.Notifications(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("notification stats: %w", err)
	}

	rep := Report{
		Accounts:       total,
		ActiveAccounts: active,
		Notifications:  notifications,
	}
	if r.sequences != nil {
		rep.ActiveSequences = r.sequences.Len()
	}

	r.logger.WithFields(logging.Fields{
		"event":                    "stats_report",
		"accounts":                 rep.Accounts,
		"active_accounts":          rep.ActiveAccounts,
		"notifications_total":      notifications.TotalNotificationsSent,
		"notifications_today":      notifications.NotificationsToday,
		"notifications_by_channel": notifications.NotificationsByMethod,
		"active_sequences":         rep.ActiveSequences,
	}).Info("notification stats")

	return rep, nil
}
