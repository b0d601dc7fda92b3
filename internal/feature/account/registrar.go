// Package account registers queue watchers and sends their welcome messages.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
)

// Telegram linkage states reported after registration.
const (
	TelegramLinked              = "linked"
	TelegramNeedsInitialization = "needs_initialization"
	TelegramNotConfigured       = "not_configured"
)

type accountStore interface {
	RegistrationExists(ctx context.Context, username, email string) (bool, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	ChatIDForTelegramUsername(ctx context.Context, telegramUsername string) (int64, bool, error)
	Create(ctx context.Context, account domain.Account) (domain.Account, error)
}

// Welcomer sends a greeting for a freshly registered account.
type Welcomer interface {
	SendWelcome(ctx context.Context, account domain.Account) error
}

// InitLinker exposes the bot deep link users open to send /start.
type InitLinker interface {
	InitLink() string
}

// Result is the outcome of a registration.
type Result struct {
	Account             domain.Account
	TelegramStatus      string
	TelegramInitLink    string
	WelcomeEmailSent    bool
	TelegramWelcomeSent bool
}

// Registrar validates registrations, derives both patterns, inherits a known
// Telegram chat id and inserts the account.
type Registrar struct {
	accounts  accountStore
	validator *domain.Validator
	email     Welcomer
	telegram  Welcomer
	links     InitLinker
	logger    *logrus.Entry
}

// NewRegistrar constructs a Registrar. email, telegram and links may be nil.
func NewRegistrar(accounts accountStore, email, telegram Welcomer, links InitLinker, logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		accounts:  accounts,
		validator: domain.NewValidator(),
		email:     email,
		telegram:  telegram,
		links:     links,
		logger:    logger,
	}
}

// Register creates the account. Validation failures return a
// *domain.ValidationError; collisions return ErrDuplicateRegistration or
// ErrDuplicateUsername. Welcome failures are logged and never fail the call.
func (r *Registrar) Register(ctx context.Context, input domain.Registration) (Result, error) {
	if r == nil || r.accounts == nil {
		return Result{}, errors.New("account registrar is not initialized")
	}
	if ctx == nil {
		return Result{}, errors.New("context is required")
	}

	reg := input.Normalize()
	if err := r.validator.Registration(reg); err != nil {
		return Result{}, err
	}

	pattern, err := domain.CanonicalPattern(reg.Username)
	if err != nil {
		return Result{}, domain.NewValidationError("Validation failed", err.Error())
	}
	alternative, _ := domain.AlternativePattern(reg.Username)

	exists, err := r.accounts.RegistrationExists(ctx, reg.Username, reg.Email)
	if err != nil {
		return Result{}, fmt.Errorf("check registration: %w", err)
	}
	if exists {
		return Result{}, domain.ErrDuplicateRegistration
	}

	exists, err = r.accounts.UsernameExists(ctx, reg.Username)
	if err != nil {
		return Result{}, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return Result{}, domain.ErrDuplicateUsername
	}

	account := domain.Account{
		Username:           reg.Username,
		UsernamePattern:    pattern,
		AlternativePattern: alternative,
		Email:              reg.Email,
		TelegramUsername:   reg.TelegramUsername,
		IsActive:           true,
	}

	inherited := false
	if reg.TelegramUsername != "" {
		chatID, ok, err := r.accounts.ChatIDForTelegramUsername(ctx, reg.TelegramUsername)
		if err != nil {
			return Result{}, fmt.Errorf("lookup telegram chat: %w", err)
		}
		if ok {
			account.TelegramChatID = &chatID
			inherited = true
		}
	}

	created, err := r.accounts.Create(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("create account: %w", err)
	}

	entry := r.logger.WithFields(logging.Fields{
		"account_id": created.AccountID,
		"pattern":    created.UsernamePattern,
	})
	entry.WithFields(logging.Fields{
		"event":              "account_registered",
		"telegram_inherited": inherited,
	}).Info("registered account")

	result := Result{
		Account:        created,
		TelegramStatus: telegramStatus(created),
	}
	if result.TelegramStatus == TelegramNeedsInitialization && r.links != nil {
		result.TelegramInitLink = r.links.InitLink()
	}

	if inherited && r.telegram != nil {
		result.TelegramWelcomeSent = r.welcome(ctx, r.telegram, created, entry.WithField("channel", "telegram"))
	}
	if r.email != nil {
		result.WelcomeEmailSent = r.welcome(ctx, r.email, created, entry.WithField("channel", "email"))
	}

	return result, nil
}

func (r *Registrar) welcome(ctx context.Context, w Welcomer, account domain.Account, entry *logrus.Entry) bool {
	if err := w.SendWelcome(ctx, account); err != nil {
		entry.WithField("event", "welcome_failed").WithError(err).Warn("welcome message failed")
		return false
	}
	return true
}

func telegramStatus(account domain.Account) string {
	switch {
	case account.HasTelegramChat():
		return TelegramLinked
	case account.TelegramUsername != "":
		return TelegramNeedsInitialization
	default:
		return TelegramNotConfigured
	}
}
