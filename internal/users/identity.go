package users

import (
	"strings"
	"time"
)

// Account is the authoritative record of a user's current public handle.
type Account struct {
	ID                   uint       `gorm:"column:id;primaryKey;autoIncrement"`
	Username             string     `gorm:"column:username;size:190;not null;uniqueIndex:idx_accounts_username"`
	UsernameChangeCount  int        `gorm:"column:username_change_count;not null;default:0"`
	LastUsernameChangeAt *time.Time `gorm:"column:last_username_change_at"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// Identity captures the mapping between a provider-specific login and an account.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID  uint      `gorm:"column:account_id;not null;index"`
	Email      string    `gorm:"column:user_email;size:320"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
