// Package telegram hosts the Telegram client, routing, and handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/config"
	"queue_notifier/internal/logging"
)

type botAPI interface {
	Start(ctx context.Context)
	GetMe(ctx context.Context) (*models.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// ChatLinker binds a Telegram chat to the accounts registered with a username.
type ChatLinker interface {
	LinkChat(ctx context.Context, telegramUsername string, chatID int64) (int64, error)
}

// Button is an inline URL button attached below a message.
type Button struct {
	Text string
	URL  string
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot      botAPI
	linker   ChatLinker
	queueURL string
	logger   *logrus.Entry

	mu          sync.RWMutex
	botUsername string
}

// NewClient initializes the Telegram bot with long polling and the /start
// linking handler.
func NewClient(cfg config.Config, linker ChatLinker, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	client := &Client{
		linker:   linker,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(client.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	client.bot = tgBot

	return client, nil
}

// Init fetches the bot identity used for the initialization link.
func (c *Client) Init(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get telegram bot identity: %w", err)
	}
	if me == nil || me.Username == "" {
		return errors.New("telegram bot has no username")
	}

	c.mu.Lock()
	c.botUsername = me.Username
	c.mu.Unlock()

	c.logger.WithFields(logging.Fields{
		"event":        "telegram_ready",
		"bot_username": me.Username,
	}).Info("telegram bot initialized")

	return nil
}

// BotUsername returns the bot's @username once Init has succeeded.
func (c *Client) BotUsername() string {
	if c == nil {
		return ""
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botUsername
}

// InitLink is the deep link users open to send /start to the bot.
func (c *Client) InitLink() string {
	username := c.BotUsername()
	if username == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=init"
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

// SendText sends an HTML message, optionally with one inline URL button.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, button *Button) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if chatID == 0 {
		return errors.New("chat_id is required")
	}

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if button != nil {
		params.ReplyMarkup = &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{{
				{Text: button.Text, URL: button.URL},
			}},
		}
	} else {
		disabled := true
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: &disabled}
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

type updateMeta struct {
	userID   int64
	chatID   int64
	username string
	text     string
}

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}

	meta := extractUpdateMeta(update)
	entry := c.logger.WithFields(logging.Fields{
		"event":   "telegram_update",
		"user_id": meta.userID,
		"chat_id": meta.chatID,
	})

	switch {
	case isStartCommand(meta.text):
		c.handleStart(ctx, meta, entry)
	case meta.text != "" && !strings.HasPrefix(meta.text, "/"):
		c.reply(ctx, meta.chatID, helpMessage(c.queueURL), entry)
	default:
		entry.WithField("text", meta.text).Debug("telegram update ignored")
	}
}

func (c *Client) handleStart(ctx context.Context, meta updateMeta, entry *logrus.Entry) {
	entry = entry.WithField("event", "telegram_start")

	if meta.username == "" {
		entry.Info("telegram /start without username")
		c.reply(ctx, meta.chatID, missingUsernameMessage(), entry)
		return
	}

	if c.linker != nil {
		linked, err := c.linker.LinkChat(ctx, meta.username, meta.chatID)
		if err != nil {
			entry.WithError(err).Error("link telegram chat failed")
			c.reply(ctx, meta.chatID, linkFailedMessage(meta.username), entry)
			return
		}
		entry.WithFields(logging.Fields{
			"telegram_username": meta.username,
			"linked_accounts":   linked,
		}).Info("telegram chat linked")
	}

	c.reply(ctx, meta.chatID, startWelcomeMessage(), entry)
}

func (c *Client) reply(ctx context.Context, chatID int64, text string, entry *logrus.Entry) {
	if err := c.SendText(ctx, chatID, text, nil); err != nil {
		entry.WithError(err).Warn("telegram reply failed")
	}
}

func isStartCommand(text string) bool {
	return text == "/start" || strings.HasPrefix(text, "/start ") || strings.HasPrefix(text, "/start@")
}

func extractUpdateMeta(update *models.Update) updateMeta {
	msg := update.Message
	meta := updateMeta{
		chatID: msg.Chat.ID,
		text:   strings.TrimSpace(msg.Text),
	}
	if msg.From != nil {
		meta.userID = msg.From.ID
		meta.username = msg.From.Username
	}
	return meta
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}
