package channel

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
	"queue_notifier/internal/telegram"
)

// TelegramSender is the outbound half of the Telegram client.
type TelegramSender interface {
	SendText(ctx context.Context, chatID int64, text string, button *telegram.Button) error
}

// StageObserver is told about every staged message attempt.
type StageObserver interface {
	ObserveTelegramStage(stage int, err error)
}

// TelegramChannel sends the staged imminent-turn sequence for position 1 and a
// single position update for positions 2 and later.
type TelegramChannel struct {
	sender    TelegramSender
	sequencer *Sequencer
	limiter   *rate.Limiter
	queueURL  string
	observer  StageObserver
	logger    *logrus.Entry
	now       func() time.Time
}

// TelegramOption customizes a TelegramChannel.
type TelegramOption func(*TelegramChannel)

// WithLimiter throttles outbound sends.
func WithLimiter(limiter *rate.Limiter) TelegramOption {
	return func(c *TelegramChannel) {
		c.limiter = limiter
	}
}

// WithStageObserver reports staged message outcomes.
func WithStageObserver(observer StageObserver) TelegramOption {
	return func(c *TelegramChannel) {
		c.observer = observer
	}
}

// NewTelegramChannel constructs a TelegramChannel. A nil sender disables it.
func NewTelegramChannel(sender TelegramSender, sequencer *Sequencer, queueURL string, logger *logrus.Entry, opts ...TelegramOption) *TelegramChannel {
	if logger == nil {
		logger = logging.Logger()
	}

	c := &TelegramChannel{
		sender:    sender,
		sequencer: sequencer,
		queueURL:  queueURL,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a bot is configured.
func (c *TelegramChannel) Enabled() bool {
	return c != nil && c.sender != nil
}

// Name implements Channel.
func (c *TelegramChannel) Name() string {
	return NameTelegram
}

// Accepts implements Channel.
func (c *TelegramChannel) Accepts(account domain.Account) (bool, string) {
	if !c.Enabled() {
		return false, "telegram disabled"
	}
	if !account.HasTelegramChat() {
		if account.TelegramUsername != "" {
			return false, "telegram chat not initialized"
		}
		return false, "no telegram username"
	}
	return true, ""
}

// DedupKey implements Channel. Telegram deliveries are per account.
func (c *TelegramChannel) DedupKey(domain.Account) string {
	return ""
}

// Notify implements Channel.
func (c *TelegramChannel) Notify(ctx context.Context, delivery Delivery) error {
	if ok, reason := c.Accepts(delivery.Account); !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelDisabled, reason)
	}

	account := delivery.Account
	chatID := *account.TelegramChatID

	if delivery.Position > 1 {
		text := positionMessage(account, delivery.Pattern, delivery.Position, c.now())
		return c.send(ctx, chatID, text, &telegram.Button{Text: "👀 View Queue Status", URL: c.queueURL})
	}

	if c.sequencer == nil {
		return c.sendStage(ctx, chatID, account, delivery.Pattern, 1)
	}

	err := c.sequencer.Begin(ctx, account.AccountID, func(ctx context.Context, stage int) error {
		return c.sendStage(ctx, chatID, account, delivery.Pattern, stage)
	})
	if errors.Is(err, ErrSequenceRunning) {
		// The running sequence is already alerting this account.
		return nil
	}
	return err
}

// SendWelcome greets an account whose chat id was inherited at registration.
func (c *TelegramChannel) SendWelcome(ctx context.Context, account domain.Account) error {
	if ok, reason := c.Accepts(account); !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelDisabled, reason)
	}
	return c.send(ctx, *account.TelegramChatID, welcomeMessage(account, c.queueURL), nil)
}

// SendTest sends a single stage-1 message with a placeholder pattern.
func (c *TelegramChannel) SendTest(ctx context.Context, account domain.Account) error {
	if ok, reason := c.Accepts(account); !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelDisabled, reason)
	}
	return c.sendStage(ctx, *account.TelegramChatID, account, "test..123", 1)
}

// Cancel stops a running staged sequence for the account.
func (c *TelegramChannel) Cancel(accountID int64) bool {
	if c == nil {
		return false
	}
	return c.sequencer.Cancel(accountID)
}

func (c *TelegramChannel) sendStage(ctx context.Context, chatID int64, account domain.Account, pattern string, stage int) error {
	text := stageMessage(account, pattern, stage, c.queueURL, c.now())
	err := c.send(ctx, chatID, text, &telegram.Button{Text: "🚀 Join Queue NOW!", URL: c.queueURL})
	if c.observer != nil {
		c.observer.ObserveTelegramStage(stage, err)
	}
	return err
}

func (c *TelegramChannel) send(ctx context.Context, chatID int64, text string, button *telegram.Button) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit: %w", err)
		}
	}
	return c.sender.SendText(ctx, chatID, text, button)
}

type urgency struct {
	icon    string
	title   string
	message string
}

var urgencyLevels = [StageCount]urgency{
	{"🔔", "QUEUE NOTIFICATION", "Your turn is coming up!"},
	{"⚠️", "URGENT ALERT", "You are next in line!"},
	{"🚨", "CRITICAL ALERT", "IT IS YOUR TURN NOW!"},
	{"🔥", "FINAL WARNING", "JOIN IMMEDIATELY!"},
	{"💀", "LAST CHANCE", "DO NOT MISS YOUR TURN!"},
}

func urgencyFor(stage int) urgency {
	if stage < 1 {
		stage = 1
	}
	if stage > StageCount {
		stage = StageCount
	}
	return urgencyLevels[stage-1]
}

var positionIcons = []string{"🥇", "🥈", "🥉", "4️⃣", "5️⃣"}

// PositionIcon returns the badge for a queue position.
func PositionIcon(position int) string {
	if position < 1 || position > len(positionIcons) {
		return "🔢"
	}
	return positionIcons[position-1]
}

func telegramHandle(account domain.Account) string {
	name := account.TelegramUsername
	if name == "" {
		name = account.Username
	}
	return "@" + html.EscapeString(name)
}

func stageMessage(account domain.Account, pattern string, stage int, queueURL string, at time.Time) string {
	level := urgencyFor(stage)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s #%d</b>\n\n", level.icon, level.title, stage)
	fmt.Fprintf(&b, "%s\n\n", level.message)
	fmt.Fprintf(&b, "👤 <b>Username:</b> %s\n", html.EscapeString(account.Username))
	fmt.Fprintf(&b, "🎯 <b>Pattern:</b> <code>%s</code>\n", html.EscapeString(pattern))
	fmt.Fprintf(&b, "📱 <b>Telegram:</b> %s\n\n", telegramHandle(account))
	fmt.Fprintf(&b, "⏰ <b>Time:</b> %s\n\n", at.UTC().Format("15:04:05 UTC"))
	fmt.Fprintf(&b, "🔗 <b>Join now:</b> %s\n\n", html.EscapeString(queueURL))
	fmt.Fprintf(&b, "<i>This is notification %d of %d</i>", stage, StageCount)
	return b.String()
}

func positionMessage(account domain.Account, pattern string, position int, at time.Time) string {
	ordinal := Ordinal(position)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>QUEUE POSITION UPDATE</b>\n\n", PositionIcon(position))
	fmt.Fprintf(&b, "🏁 You are <b>%s</b> in the queue!\n\n", ordinal)
	fmt.Fprintf(&b, "👤 <b>Username:</b> %s\n", html.EscapeString(account.Username))
	fmt.Fprintf(&b, "🎯 <b>Pattern:</b> <code>%s</code>\n", html.EscapeString(pattern))
	fmt.Fprintf(&b, "📱 <b>Telegram:</b> %s\n", telegramHandle(account))
	fmt.Fprintf(&b, "📍 <b>Position:</b> %s\n\n", ordinal)
	fmt.Fprintf(&b, "⏰ <b>Time:</b> %s\n\n", at.UTC().Format("15:04:05 UTC"))
	if position <= 3 {
		b.WriteString("🔥 <b>You're getting close! Stay ready!</b>")
	} else {
		b.WriteString("ℹ️ Keep an eye on your position - you'll get urgent alerts when it's your turn.")
	}
	return b.String()
}

func welcomeMessage(account domain.Account, queueURL string) string {
	username := account.Username
	if username == "" {
		username = "User"
	}

	return "🎯 <b>Welcome back to PrismaX AI Queue Notifications!</b>\n\n" +
		"✅ Your account is successfully linked!\n\n" +
		"👤 <b>Username:</b> " + html.EscapeString(username) + "\n" +
		"📱 <b>Telegram:</b> " + telegramHandle(account) + "\n\n" +
		"🚨 You'll receive <b>5 urgent alerts</b> when it's your turn in the robotic arm queue.\n\n" +
		"🤖 Keep this chat active for instant notifications!\n\n" +
		"🔗 PrismaX AI: " + html.EscapeString(queueURL)
}
