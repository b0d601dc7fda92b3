package domain

import "time"

// Account is a registered queue watcher and its per-account notification state.
type Account struct {
	AccountID             int64      `bson:"account_id" json:"id"`
	Username              string     `bson:"username" json:"username"`
	UsernameKey           string     `bson:"username_key" json:"-"`
	UsernamePattern       string     `bson:"username_pattern" json:"usernamePattern"`
	PatternKey            string     `bson:"pattern_key" json:"-"`
	AlternativePattern    string     `bson:"alternative_pattern,omitempty" json:"alternativePattern,omitempty"`
	AlternativePatternKey string     `bson:"alternative_pattern_key,omitempty" json:"-"`
	Email                 string     `bson:"email" json:"email"`
	EmailKey              string     `bson:"email_key" json:"-"`
	TelegramUsername      string     `bson:"telegram_username,omitempty" json:"telegramUsername,omitempty"`
	TelegramUsernameKey   string     `bson:"telegram_username_key,omitempty" json:"-"`
	TelegramChatID        *int64     `bson:"telegram_chat_id" json:"telegramChatId,omitempty"`
	IsActive              bool       `bson:"is_active" json:"isActive"`
	Notified              bool       `bson:"notified" json:"notified"`
	LastNotifiedAt        *time.Time `bson:"last_notified_at" json:"lastNotifiedAt,omitempty"`
	CreatedAt             time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt             time.Time  `bson:"updated_at" json:"updatedAt"`
}

// HasTelegramChat reports whether the account can receive Telegram messages.
func (a Account) HasTelegramChat() bool {
	return a.TelegramChatID != nil && *a.TelegramChatID != 0
}

// MatchesPattern compares the observed pattern against both stored patterns,
// ignoring case.
func (a Account) MatchesPattern(pattern string) bool {
	key := PatternKey(pattern)
	if key == "" {
		return false
	}
	return a.PatternKey == key || (a.AlternativePatternKey != "" && a.AlternativePatternKey == key)
}
