// Package link binds Telegram chats to registered accounts.
package link

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
)

type chatStore interface {
	LinkTelegramChat(ctx context.Context, telegramUsername string, chatID int64) (int64, error)
}

// Linker records the chat id of a Telegram user on every account registered
// with that username that is not linked yet.
type Linker struct {
	accounts chatStore
	logger   *logrus.Entry
}

// NewLinker constructs a Linker for the provided account store.
func NewLinker(accounts chatStore, logger *logrus.Entry) *Linker {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Linker{
		accounts: accounts,
		logger:   logger,
	}
}

// LinkChat binds chatID and returns the number of accounts updated. Zero is
// not an error: the user may be linked already or not registered yet.
func (l *Linker) LinkChat(ctx context.Context, telegramUsername string, chatID int64) (int64, error) {
	if l == nil || l.accounts == nil {
		return 0, errors.New("chat linker is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if chatID == 0 {
		return 0, errors.New("chat id is required")
	}

	username := domain.NormalizeTelegramUsername(telegramUsername)
	if username == "" {
		return 0, errors.New("telegram username is required")
	}

	linked, err := l.accounts.LinkTelegramChat(ctx, username, chatID)
	if err != nil {
		return 0, fmt.Errorf("link telegram chat: %w", err)
	}

	entry := l.logger.WithFields(logging.Fields{
		"event":             "telegram_chat_linked",
		"telegram_username": username,
		"chat_id":           chatID,
		"linked_accounts":   linked,
	})
	if linked == 0 {
		entry.Debug("no unlinked accounts for telegram username")
	} else {
		entry.Info("linked telegram chat to accounts")
	}

	return linked, nil
}
