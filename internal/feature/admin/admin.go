// Package admin holds the operator actions that mutate notification state
// outside of a dispatch.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
)

var (
	// ErrTelegramDisabled is returned when no bot token is configured.
	ErrTelegramDisabled = errors.New("telegram bot is not configured")
	// ErrTelegramNotLinked is returned when the account never sent /start.
	ErrTelegramNotLinked = errors.New("telegram chat is not initialized")
)

type accountStore interface {
	ResetAll(ctx context.Context) (int64, error)
	ResetCooldowns(ctx context.Context, accountIDs []int64) (int64, error)
	SetNotificationStatus(ctx context.Context, accountID int64, notified bool) (domain.Account, error)
	FindByTelegramUsername(ctx context.Context, telegramUsername string) (domain.Account, error)
}

// TelegramTester sends a single test alert to a linked account.
type TelegramTester interface {
	Enabled() bool
	SendTest(ctx context.Context, account domain.Account) error
}

// Service runs administrative resets and diagnostics.
type Service struct {
	accounts accountStore
	telegram TelegramTester
	logger   *logrus.Entry
}

// NewService constructs a Service. telegram may be nil.
func NewService(accounts accountStore, telegram TelegramTester, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Service{
		accounts: accounts,
		telegram: telegram,
		logger:   logger,
	}
}

// ResetNotifications clears notified and last_notified_at on every account.
func (s *Service) ResetNotifications(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	reset, err := s.accounts.ResetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset notifications: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":          "notifications_reset",
		"accounts_reset": reset,
	}).Info("reset notification state for all accounts")

	return reset, nil
}

// ResetCooldowns clears the cooldown of the given accounts, or of every
// account when ids is empty.
func (s *Service) ResetCooldowns(ctx context.Context, accountIDs []int64) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	reset, err := s.accounts.ResetCooldowns(ctx, accountIDs)
	if err != nil {
		return 0, fmt.Errorf("reset cooldowns: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":          "cooldowns_reset",
		"requested_ids":  len(accountIDs),
		"accounts_reset": reset,
	}).Info("reset notification cooldowns")

	return reset, nil
}

// SetNotificationStatus overrides the notified flag of one account.
func (s *Service) SetNotificationStatus(ctx context.Context, accountID int64, notified bool) (domain.Account, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Account{}, err
	}

	account, err := s.accounts.SetNotificationStatus(ctx, accountID, notified)
	if err != nil {
		return domain.Account{}, fmt.Errorf("set notification status: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":      "notification_status_set",
		"account_id": accountID,
		"notified":   notified,
	}).Info("updated notification status")

	return account, nil
}

// TestTelegram sends one test alert to the account registered with the
// Telegram username.
func (s *Service) TestTelegram(ctx context.Context, telegramUsername string) (domain.Account, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Account{}, err
	}
	if s.telegram == nil || !s.telegram.Enabled() {
		return domain.Account{}, ErrTelegramDisabled
	}

	username := domain.NormalizeTelegramUsername(telegramUsername)
	if username == "" {
		return domain.Account{}, domain.NewValidationError("Validation failed", "telegramUsername is required")
	}

	account, err := s.accounts.FindByTelegramUsername(ctx, username)
	if err != nil {
		return domain.Account{}, fmt.Errorf("find telegram account: %w", err)
	}
	if !account.HasTelegramChat() {
		return account, ErrTelegramNotLinked
	}

	if err := s.telegram.SendTest(ctx, account); err != nil {
		return account, fmt.Errorf("send telegram test: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":      "telegram_test_sent",
		"account_id": account.AccountID,
		"chat_id":    *account.TelegramChatID,
	}).Info("sent telegram test notification")

	return account, nil
}

func (s *Service) ready(ctx context.Context) error {
	if s == nil || s.accounts == nil {
		return errors.New("admin service is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
