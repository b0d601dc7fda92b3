// Package dispatch turns queue observations into notifications.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/channel"
	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
)

// DefaultCooldown is the minimum gap between two notifications to one account.
const DefaultCooldown = 30 * time.Minute

// DefaultTimeout bounds one dispatch once it is detached from its caller.
const DefaultTimeout = 2 * time.Minute

// Notification outcomes reported to the Recorder.
const (
	OutcomeSent         = "sent"
	OutcomeFailed       = "failed"
	OutcomeSkipped      = "skipped"
	OutcomeDeduplicated = "deduplicated"
)

// Dispatch results reported to the Recorder.
const (
	ResultOK             = "ok"
	ResultInvalid        = "invalid"
	ResultStorageFailure = "storage_error"
)

// Registry is the slice of the account repository the dispatcher mutates.
type Registry interface {
	ClearStaleNotifiedFlags(ctx context.Context, pattern string) (int64, error)
	FindEligibleForPattern(ctx context.Context, pattern string, cutoff time.Time) ([]domain.Account, error)
	MarkNotifiedIfEligible(ctx context.Context, accountID int64, at, cutoff time.Time) (bool, error)
}

// SnapshotAppender persists the observed queue front.
type SnapshotAppender interface {
	Append(ctx context.Context, pattern, rawContent string, at time.Time) (domain.Snapshot, error)
}

// LogAppender persists notification audit entries.
type LogAppender interface {
	Append(ctx context.Context, entry domain.NotificationLog) error
}

// Recorder receives dispatch metrics.
type Recorder interface {
	ObserveDispatch(result string, elapsed time.Duration)
	AccountsMatched(position, count int)
	NotificationOutcome(channel, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDispatch(string, time.Duration) {}
func (nopRecorder) AccountsMatched(int, int) {}
func (nopRecorder) NotificationOutcome(string, string) {}

// Summary describes one completed dispatch.
type Summary struct {
	DispatchID        string
	Pattern           string
	UsersFound        int
	NotificationsSent int
	EmailsSent        []string
	TelegramSent      int
	Timestamp         time.Time
}

// Dispatcher runs the observation state machine: persist the snapshot, re-arm
// accounts that left the front, then claim and notify every eligible account
// at every observed position.
type Dispatcher struct {
	validator *domain.Validator
	registry  Registry
	snapshots SnapshotAppender
	logs      LogAppender
	channels  []channel.Channel
	recorder  Recorder
	cooldown  time.Duration
	timeout   time.Duration
	logger    *logrus.Entry

	now   func() time.Time
	newID func() string
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		if cooldown > 0 {
			d.cooldown = cooldown
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// NewDispatcher wires the dispatcher. Channels are tried in the given order.
func NewDispatcher(registry Registry, snapshots SnapshotAppender, logs LogAppender, channels []channel.Channel, logger *logrus.Entry, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.Logger()
	}

	d := &Dispatcher{
		validator: domain.NewValidator(),
		registry:  registry,
		snapshots: snapshots,
		logs:      logs,
		channels:  channels,
		recorder:  nopRecorder{},
		cooldown:  DefaultCooldown,
		timeout:   DefaultTimeout,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one observation. Validation and storage failures are
// returned; channel failures are logged and never abort the batch. The run is
// detached from ctx cancellation: a claimed account is always notified and
// logged even when the caller goes away. Only the dispatch timeout stops it.
func (d *Dispatcher) Dispatch(ctx context.Context, obs domain.Observation) (Summary, error) {
	if d == nil || d.registry == nil || d.snapshots == nil || d.logs == nil {
		return Summary{}, errors.New("dispatcher is not initialized")
	}
	if ctx == nil {
		return Summary{}, errors.New("context is required")
	}

	started := d.now()
	if err := d.validator.Observation(obs); err != nil {
		d.recorder.ObserveDispatch(ResultInvalid, time.Since(started))
		return Summary{}, err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	summary, err := d.run(runCtx, obs, started)
	result := ResultOK
	if err != nil {
		result = ResultStorageFailure
	}
	d.recorder.ObserveDispatch(result, time.Since(started))

	return summary, err
}

type batch struct {
	id      string
	now     time.Time
	cutoff  time.Time
	seen    map[string]map[string]bool
	summary *Summary
	logger  *logrus.Entry
}

func (d *Dispatcher) run(ctx context.Context, obs domain.Observation, started time.Time) (Summary, error) {
	top := obs.TopPattern()
	now := started.UTC()

	summary := Summary{
		DispatchID: d.newID(),
		Pattern:    top,
		EmailsSent: []string{},
		Timestamp:  now,
	}
	logger := d.logger.WithFields(logging.Fields{
		"dispatch_id": summary.DispatchID,
		"pattern":     top,
	})

	if _, err := d.snapshots.Append(ctx, top, obs.RawContent, now); err != nil {
		return Summary{}, fmt.Errorf("append snapshot: %w", err)
	}

	cleared, err := d.registry.ClearStaleNotifiedFlags(ctx, top)
	if err != nil {
		return Summary{}, fmt.Errorf("clear stale notified flags: %w", err)
	}
	if cleared > 0 {
		logger.WithFields(logging.Fields{
			"event":   "notified_flags_cleared",
			"cleared": cleared,
		}).Debug("cleared notified flags for accounts off the front")
	}

	b := &batch{
		id:      summary.DispatchID,
		now:     now,
		cutoff:  now.Add(-d.cooldown),
		seen:    make(map[string]map[string]bool),
		summary: &summary,
		logger:  logger,
	}

	for _, target := range obs.Targets() {
		if err := d.dispatchTarget(ctx, b, target); err != nil {
			return summary, err
		}
	}

	logger.WithFields(logging.Fields{
		"event":              "dispatch_completed",
		"users_found":        summary.UsersFound,
		"notifications_sent": summary.NotificationsSent,
		"telegram_sent":      summary.TelegramSent,
	}).Info("queue observation dispatched")

	return summary, nil
}

func (d *Dispatcher) dispatchTarget(ctx context.Context, b *batch, target domain.RankedPattern) error {
	accounts, err := d.registry.FindEligibleForPattern(ctx, target.UserPattern, b.cutoff)
	if err != nil {
		return fmt.Errorf("find eligible accounts: %w", err)
	}

	d.recorder.AccountsMatched(target.Position, len(accounts))
	b.summary.UsersFound += len(accounts)

	for _, account := range accounts {
		entry := b.logger.WithFields(logging.Fields{
			"account_id": account.AccountID,
			"position":   target.Position,
		})

		claimed, err := d.registry.MarkNotifiedIfEligible(ctx, account.AccountID, b.now, b.cutoff)
		if err != nil {
			return fmt.Errorf("claim account %d: %w", account.AccountID, err)
		}
		if !claimed {
			entry.WithField("event", "claim_lost").Info("account already notified by another dispatch")
			continue
		}

		delivered := d.notifyAccount(ctx, b, account, target, entry)

		logEntry := domain.NotificationLog{
			AccountID:        account.AccountID,
			NotificationType: domain.NotificationTypeForPosition(target.Position),
			EmailStatus:      domain.EmailStatusSent,
			Channels:         delivered,
			Pattern:          target.UserPattern,
			Position:         target.Position,
			DispatchID:       b.id,
			SentAt:           b.now,
		}
		if err := d.logs.Append(ctx, logEntry); err != nil {
			return fmt.Errorf("append notification log: %w", err)
		}
	}

	return nil
}

// notifyAccount runs every channel for one claimed account and returns the
// names of the channels that delivered.
func (d *Dispatcher) notifyAccount(ctx context.Context, b *batch, account domain.Account, target domain.RankedPattern, entry *logrus.Entry) []string {
	delivered := []string{}

	for _, ch := range d.channels {
		name := ch.Name()
		chEntry := entry.WithField("channel", name)

		if ok, reason := ch.Accepts(account); !ok {
			chEntry.WithFields(logging.Fields{
				"event":  "channel_skipped",
				"reason": reason,
			}).Debug("channel skipped for account")
			d.recorder.NotificationOutcome(name, OutcomeSkipped)
			continue
		}

		key := ch.DedupKey(account)
		if key != "" && b.seen[name][key] {
			chEntry.WithField("event", "channel_deduplicated").Debug("delivery already made in this dispatch")
			d.recorder.NotificationOutcome(name, OutcomeDeduplicated)
			continue
		}

		err := ch.Notify(ctx, channel.Delivery{
			Account:    account,
			Pattern:    target.UserPattern,
			Position:   target.Position,
			DispatchID: b.id,
		})
		if err != nil {
			chEntry.WithField("event", "notification_failed").WithError(err).Warn("notification delivery failed")
			d.recorder.NotificationOutcome(name, OutcomeFailed)
			continue
		}

		d.recorder.NotificationOutcome(name, OutcomeSent)
		delivered = append(delivered, name)
		if key != "" {
			if b.seen[name] == nil {
				b.seen[name] = make(map[string]bool)
			}
			b.seen[name][key] = true
		}

		switch name {
		case channel.NameEmail:
			b.summary.EmailsSent = append(b.summary.EmailsSent, account.Email)
			b.summary.NotificationsSent++
		case channel.NameTelegram:
			b.summary.TelegramSent++
		}
	}

	return delivered
}
