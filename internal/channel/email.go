package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
)

// EmailSender is the subset of the Resend emails service the channel uses.
type EmailSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// NewResendSender builds the production EmailSender.
func NewResendSender(apiKey string) EmailSender {
	return resend.NewClient(apiKey).Emails
}

// EmailChannel sends queue and welcome emails through Resend.
type EmailChannel struct {
	sender   EmailSender
	from     string
	queueURL string
	logger   *logrus.Entry
	now      func() time.Time
}

// NewEmailChannel constructs an EmailChannel. A nil sender disables it.
func NewEmailChannel(sender EmailSender, from, queueURL string, logger *logrus.Entry) *EmailChannel {
	if logger == nil {
		logger = logging.Logger()
	}

	return &EmailChannel{
		sender:   sender,
		from:     from,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Name implements Channel.
func (c *EmailChannel) Name() string {
	return NameEmail
}

// Accepts implements Channel.
func (c *EmailChannel) Accepts(account domain.Account) (bool, string) {
	if c == nil || c.sender == nil {
		return false, "email disabled"
	}
	if strings.TrimSpace(account.Email) == "" {
		return false, "no email address"
	}
	return true, ""
}

// DedupKey implements Channel: one email per address per dispatch.
func (c *EmailChannel) DedupKey(account domain.Account) string {
	return strings.ToLower(strings.TrimSpace(account.Email))
}

// Notify sends the turn email for position 1 and a position update otherwise.
func (c *EmailChannel) Notify(ctx context.Context, delivery Delivery) error {
	if ok, reason := c.Accepts(delivery.Account); !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelDisabled, reason)
	}

	data := c.templateData(delivery.Account, delivery.Pattern, delivery.Position)

	subject := "🎯 Your Turn at PrismaX AI - Robotic Arm Ready!"
	tmpl := turnEmail
	if delivery.Position > 1 {
		subject = fmt.Sprintf("📍 You are %s in the PrismaX AI queue", data.Ordinal)
		tmpl = positionEmail
	}

	return c.send(ctx, delivery.Account.Email, subject, tmpl, data, domain.NotificationTypeForPosition(delivery.Position))
}

// SendWelcome sends the registration confirmation email.
func (c *EmailChannel) SendWelcome(ctx context.Context, account domain.Account) error {
	if ok, reason := c.Accepts(account); !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelDisabled, reason)
	}

	data := c.templateData(account, account.UsernamePattern, 0)
	return c.send(ctx, account.Email, "✅ Welcome to PrismaX AI Reminder Service", welcomeEmail, data, "welcome")
}

func (c *EmailChannel) send(ctx context.Context, to, subject string, tmpl emailTemplate, data emailData, category string) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	htmlBody, textBody, err := tmpl.render(data)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	resp, err := c.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    c.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
		Text:    textBody,
		Tags:    []resend.Tag{{Name: "category", Value: category}},
	})
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	fields := logging.Fields{
		"event":    "email_sent",
		"category": category,
	}
	if resp != nil && resp.Id != "" {
		fields["email_id"] = resp.Id
	}
	c.logger.WithFields(fields).Debug("email sent")

	return nil
}

type emailData struct {
	Username string
	Pattern  string
	Email    string
	Ordinal  string
	Position int
	Time     string
	QueueURL string
}

func (c *EmailChannel) templateData(account domain.Account, pattern string, position int) emailData {
	return emailData{
		Username: account.Username,
		Pattern:  pattern,
		Email:    account.Email,
		Ordinal:  Ordinal(position),
		Position: position,
		Time:     c.now().UTC().Format("2006-01-02 15:04:05 UTC"),
		QueueURL: c.queueURL,
	}
}

type emailTemplate struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func (t emailTemplate) render(data emailData) (string, string, error) {
	var htmlBuf, textBuf bytes.Buffer
	if err := t.html.Execute(&htmlBuf, data); err != nil {
		return "", "", err
	}
	if err := t.text.Execute(&textBuf, data); err != nil {
		return "", "", err
	}
	return htmlBuf.String(), strings.TrimSpace(textBuf.String()), nil
}

func mustEmailTemplate(name, html, text string) emailTemplate {
	return emailTemplate{
		html: htmltemplate.Must(htmltemplate.New(name + ".html").Parse(html)),
		text: texttemplate.Must(texttemplate.New(name + ".txt").Parse(text)),
	}
}

var turnEmail = mustEmailTemplate("turn", `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #2563eb;">🎯 It's Your Turn!</h2>
  <p>Hello <strong>{{.Username}}</strong>,</p>
  <p>Great news! It's now your turn to teleoperate the robotic arm on PrismaX AI.</p>
  <div style="background-color: #f3f4f6; padding: 20px; border-radius: 8px; margin: 20px 0;">
    <h3 style="margin-top: 0; color: #1f2937;">📋 Details:</h3>
    <ul style="margin: 0;">
      <li><strong>Username:</strong> {{.Username}}</li>
      <li><strong>Queue ID:</strong> {{.Pattern}}</li>
      <li><strong>Time:</strong> {{.Time}}</li>
    </ul>
  </div>
  <p><strong>⚡ Quick Action Required:</strong></p>
  <p>Please return to the PrismaX AI platform immediately to begin your session. The system is waiting for you!</p>
  <div style="text-align: center; margin: 30px 0;">
    <a href="{{.QueueURL}}" style="background-color: #2563eb; color: white; padding: 12px 30px; text-decoration: none; border-radius: 6px; display: inline-block;">🚀 Go to PrismaX AI</a>
  </div>
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 30px 0;">
  <p style="color: #6b7280; font-size: 14px;">This notification was sent because you registered for queue notifications on PrismaX AI Reminder Service.</p>
</div>`, `
Hello {{.Username}},

It's your turn to teleoperate the robotic arm on PrismaX AI!

Details:
- Username: {{.Username}}
- Queue ID: {{.Pattern}}
- Time: {{.Time}}

Please return to the PrismaX AI platform immediately to begin your session.

Visit: {{.QueueURL}}

This notification was sent because you registered for queue notifications on PrismaX AI Reminder Service.
`)

var positionEmail = mustEmailTemplate("position", `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #d97706;">📍 You are {{.Ordinal}} in the queue</h2>
  <p>Hello <strong>{{.Username}}</strong>,</p>
  <p>Your pattern <strong>{{.Pattern}}</strong> was just seen at position {{.Position}} of the PrismaX AI queue.</p>
  <p>{{if le .Position 3}}You're getting close! Stay ready.{{else}}Keep an eye on your position. You'll be alerted again when it's your turn.{{end}}</p>
  <div style="text-align: center; margin: 30px 0;">
    <a href="{{.QueueURL}}" style="background-color: #d97706; color: white; padding: 12px 30px; text-decoration: none; border-radius: 6px; display: inline-block;">👀 View Queue Status</a>
  </div>
  <p style="color: #6b7280; font-size: 14px;">Seen at {{.Time}}.</p>
</div>`, `
Hello {{.Username}},

You are {{.Ordinal}} in the PrismaX AI queue.

- Username: {{.Username}}
- Queue ID: {{.Pattern}}
- Time: {{.Time}}

{{if le .Position 3}}You're getting close! Stay ready.{{else}}Keep an eye on your position. You'll be alerted again when it's your turn.{{end}}

View queue: {{.QueueURL}}
`)

var welcomeEmail = mustEmailTemplate("welcome", `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #059669;">✅ Registration Successful!</h2>
  <p>Hello <strong>{{.Username}}</strong>,</p>
  <p>Welcome to the PrismaX AI Reminder Service! You've successfully registered for queue notifications.</p>
  <div style="background-color: #f0fdf4; padding: 20px; border-radius: 8px; margin: 20px 0; border-left: 4px solid #059669;">
    <h3 style="margin-top: 0; color: #065f46;">📋 Your Registration Details:</h3>
    <ul style="margin: 0;">
      <li><strong>Username:</strong> {{.Username}}</li>
      <li><strong>Queue Pattern:</strong> {{.Pattern}}</li>
      <li><strong>Email:</strong> {{.Email}}</li>
      <li><strong>Registered:</strong> {{.Time}}</li>
    </ul>
  </div>
  <p><strong>🔔 How it works:</strong></p>
  <ul>
    <li>We monitor the PrismaX AI queue in real-time</li>
    <li>When your username pattern ({{.Pattern}}) appears as next in queue, you'll get notified</li>
    <li>You'll receive an email immediately when it's your turn</li>
  </ul>
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 30px 0;">
  <p style="color: #6b7280; font-size: 14px;">Thank you for using PrismaX AI Reminder Service!</p>
</div>`, `
Welcome to PrismaX AI Reminder Service!

Hello {{.Username}},

You've successfully registered for queue notifications.

Your Details:
- Username: {{.Username}}
- Queue Pattern: {{.Pattern}}
- Email: {{.Email}}
- Registered: {{.Time}}

How it works:
- We monitor the PrismaX AI queue in real-time
- When your username pattern ({{.Pattern}}) appears as next in queue, you'll get notified
- You'll receive an email immediately when it's your turn

Thank you for using PrismaX AI Reminder Service!
`)
