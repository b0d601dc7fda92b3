// Package channel delivers queue notifications over email and Telegram.
package channel

import (
	"context"
	"strconv"

	"queue_notifier/internal/domain"
)

// Channel names recorded in notification logs and metrics.
const (
	NameEmail    = "email"
	NameTelegram = "telegram"
)

// Delivery is one notification for one account.
type Delivery struct {
	Account    domain.Account
	Pattern    string
	Position   int
	DispatchID string
}

// Channel is a notification transport. DedupKey returns "" when the channel
// never deduplicates; otherwise deliveries sharing a key within one dispatch
// are sent once.
type Channel interface {
	Name() string
	Accepts(account domain.Account) (bool, string)
	DedupKey(account domain.Account) string
	Notify(ctx context.Context, delivery Delivery) error
}

// Ordinal renders 1 as "1st", 2 as "2nd", 11 as "11th" and so on.
func Ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
