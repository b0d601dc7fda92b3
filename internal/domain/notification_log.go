package domain

import "time"

// Notification types recorded in the audit log.
const (
	NotificationTypeQueue    = "queue_notification"
	NotificationTypePosition = "position_notification"
)

// Delivery statuses. Attempts are recorded optimistically as sent.
const (
	EmailStatusSent   = "sent"
	EmailStatusFailed = "failed"
)

// NotificationLog is one audit entry per notified account per dispatch.
type NotificationLog struct {
	AccountID        int64     `bson:"account_id" json:"accountId"`
	NotificationType string    `bson:"notification_type" json:"notificationType"`
	EmailStatus      string    `bson:"email_status" json:"emailStatus"`
	Channels         []string  `bson:"channels" json:"channels"`
	Pattern          string    `bson:"pattern" json:"pattern"`
	Position         int       `bson:"position" json:"position"`
	DispatchID       string    `bson:"dispatch_id" json:"dispatchId"`
	SentAt           time.Time `bson:"sent_at" json:"sentAt"`
}

// NotificationTypeForPosition picks the log tag for a queue position.
func NotificationTypeForPosition(position int) string {
	if position <= 1 {
		return NotificationTypeQueue
	}
	return NotificationTypePosition
}
