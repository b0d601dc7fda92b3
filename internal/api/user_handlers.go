package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/feature/account"
	"queue_notifier/internal/logging"
)

// Registrar creates accounts.
type Registrar interface {
	Register(ctx context.Context, reg domain.Registration) (account.Result, error)
}

// AccountReader looks accounts up for the read endpoints.
type AccountReader interface {
	GetByID(ctx context.Context, accountID int64) (domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	FindByPattern(ctx context.Context, pattern string) ([]domain.Account, error)
	FindByEmail(ctx context.Context, email string) ([]domain.Account, error)
}

// AccountAdmin runs per-account operator actions.
type AccountAdmin interface {
	SetNotificationStatus(ctx context.Context, accountID int64, notified bool) (domain.Account, error)
	TestTelegram(ctx context.Context, telegramUsername string) (domain.Account, error)
}

// BotInfo describes the configured Telegram bot. A nil BotInfo means the bot
// is disabled.
type BotInfo interface {
	BotUsername() string
	InitLink() string
}

// UserHandler serves /api/users.
type UserHandler struct {
	registrar Registrar
	accounts  AccountReader
	admin     AccountAdmin
	bot       BotInfo
	logger    *logrus.Entry
}

// NewUserHandler constructs a UserHandler. bot may be nil.
func NewUserHandler(registrar Registrar, accounts AccountReader, admin AccountAdmin, bot BotInfo, logger *logrus.Entry) *UserHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return &UserHandler{
		registrar: registrar,
		accounts:  accounts,
		admin:     admin,
		bot:       bot,
		logger:    logger,
	}
}

// Register creates an account and reports its Telegram linkage.
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var reg domain.Registration
	if err := decodeJSON(w, r, &reg); err != nil {
		writeFailure(w, h.logger, "register user", err)
		return
	}

	result, err := h.registrar.Register(r.Context(), reg)
	if err != nil {
		writeFailure(w, h.logger, "register user", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":          true,
		"message":          "User registered successfully",
		"user":             result.Account,
		"telegram":         h.registrationTelegram(result),
		"telegramBot":      h.botStatus(),
		"welcomeEmailSent": result.WelcomeEmailSent,
	})
}

func (h *UserHandler) registrationTelegram(result account.Result) map[string]any {
	out := map[string]any{
		"chatIdFound": result.TelegramStatus == account.TelegramLinked,
		"status":      result.TelegramStatus,
	}

	switch result.TelegramStatus {
	case account.TelegramLinked:
		out["chatId"] = result.Account.TelegramChatID
		out["message"] = "Telegram account already linked! You'll receive notifications immediately."
		out["welcomeSent"] = result.TelegramWelcomeSent
	case account.TelegramNeedsInitialization:
		out["message"] = "Please message the bot to activate notifications"
		if h.bot != nil && h.bot.BotUsername() != "" {
			out["message"] = "Please message @" + h.bot.BotUsername() + " to activate notifications"
		}
		if result.TelegramInitLink != "" {
			out["initLink"] = result.TelegramInitLink
		}
	default:
		out["message"] = "No Telegram username provided"
	}
	return out
}

func (h *UserHandler) botStatus() map[string]any {
	if h.bot == nil {
		return map[string]any{
			"enabled": false,
			"message": "Telegram bot not configured",
		}
	}

	return map[string]any{
		"enabled":     true,
		"botUsername": h.bot.BotUsername(),
		"initLink":    h.bot.InitLink(),
		"ready":       h.bot.BotUsername() != "",
	}
}

// All lists every account, newest first.
func (h *UserHandler) All(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		writeFailure(w, h.logger, "fetch users", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": nonNil(accounts),
		"count": len(accounts),
	})
}

// Get returns one account by id.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	acc, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		writeFailure(w, h.logger, "fetch user", err)
		return
	}

	writeJSON(w, http.StatusOK, acc)
}

// ByPattern returns the active accounts whose canonical pattern matches.
func (h *UserHandler) ByPattern(w http.ResponseWriter, r *http.Request) {
	pattern := chi.URLParam(r, "pattern")

	accounts, err := h.accounts.FindByPattern(r.Context(), pattern)
	if err != nil {
		writeFailure(w, h.logger, "find users by pattern", err)
		return
	}
	if len(accounts) == 0 {
		writeError(w, http.StatusNotFound, "No active users found with this pattern")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pattern": pattern,
		"users":   accounts,
		"count":   len(accounts),
	})
}

// ByEmail returns every account registered with the address.
func (h *UserHandler) ByEmail(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	accounts, err := h.accounts.FindByEmail(r.Context(), email)
	if err != nil {
		writeFailure(w, h.logger, "find users by email", err)
		return
	}
	if len(accounts) == 0 {
		writeError(w, http.StatusNotFound, "No users found with this email address")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email": email,
		"users": accounts,
		"count": len(accounts),
	})
}

type notificationStatusRequest struct {
	Notified *bool `json:"notified"`
}

// SetNotificationStatus overrides the notified flag of one account.
func (h *UserHandler) SetNotificationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req notificationStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, h.logger, "update notification status", err)
		return
	}
	if req.Notified == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": []string{"notified is required"},
		})
		return
	}

	acc, err := h.admin.SetNotificationStatus(r.Context(), id, *req.Notified)
	if err != nil {
		writeFailure(w, h.logger, "update notification status", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Notification status updated",
		"user": map[string]any{
			"id":       acc.AccountID,
			"username": acc.Username,
			"notified": acc.Notified,
		},
	})
}

type testTelegramRequest struct {
	TelegramUsername string `json:"telegramUsername"`
}

// TestTelegram sends one test alert to a linked Telegram account.
func (h *UserHandler) TestTelegram(w http.ResponseWriter, r *http.Request) {
	var req testTelegramRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, h.logger, "test Telegram service", err)
		return
	}

	username := domain.NormalizeTelegramUsername(req.TelegramUsername)
	if username == "" {
		writeError(w, http.StatusBadRequest, "Telegram username is required for testing")
		return
	}
	if !domain.ValidTelegramUsername(username) {
		writeError(w, http.StatusBadRequest, "Invalid Telegram username format")
		return
	}

	acc, err := h.admin.TestTelegram(r.Context(), username)
	if err != nil {
		writeFailure(w, h.logger, "test Telegram service", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "Test Telegram message sent successfully!",
		"telegramUsername": username,
		"accountId":        acc.AccountID,
		"serviceStatus":    h.botStatus(),
	})
}

// TelegramStatus reports whether the bot is configured and ready.
func (h *UserHandler) TelegramStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"telegramBot": h.botStatus(),
	})
}

func accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func nonNil(accounts []domain.Account) []domain.Account {
	if accounts == nil {
		return []domain.Account{}
	}
	return accounts
}
