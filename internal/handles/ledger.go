package handles

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// HistoryEntry records a handle vacated by a user. Entries are append-only.
type HistoryEntry struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID      uint      `gorm:"column:user_id;not null;index:idx_history_user_time,priority:1"`
	OldUsername string    `gorm:"column:old_username;size:190;not null;index:idx_history_username_time,priority:1"`
	ChangedAt   time.Time `gorm:"column:changed_at;not null;index:idx_history_user_time,priority:2;index:idx_history_username_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "username_history"
}

// Ledger is the append-only username history. A Ledger built from a
// transaction participates in it.
type Ledger struct {
	db  *gorm.DB
	ids IDProvider
}

// NewLedger wraps db. ids may be nil for read-only use.
func NewLedger(db *gorm.DB, ids IDProvider) *Ledger {
	return &Ledger{db: db, ids: ids}
}

// Append records that userID vacated oldUsername at changedAt.
func (l *Ledger) Append(ctx context.Context, userID uint, oldUsername string, changedAt time.Time) (HistoryEntry, error) {
	if l.ids == nil {
		return HistoryEntry{}, errMissingIDProvider
	}
	id, err := l.ids.NewID()
	if err != nil {
		return HistoryEntry{}, err
	}
	entry := HistoryEntry{
		ID:          id,
		UserID:      userID,
		OldUsername: oldUsername,
		ChangedAt:   changedAt.UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

// ListFor returns the user's lineage, most recent first.
func (l *Ledger) ListFor(ctx context.Context, userID uint) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("changed_at DESC").
		Order("id DESC").
		Find(&entries).Error
	return entries, err
}

// FindActiveOwnerOf returns the most recent entry for the literal handle.
func (l *Ledger) FindActiveOwnerOf(ctx context.Context, oldUsername string) (HistoryEntry, bool, error) {
	var entry HistoryEntry
	err := l.db.WithContext(ctx).
		Where("old_username = ?", oldUsername).
		Order("changed_at DESC").
		Order("id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return HistoryEntry{}, false, nil
	}
	if err != nil {
		return HistoryEntry{}, false, err
	}
	return entry, true, nil
}

// All returns every entry oldest first.
func (l *Ledger) All(ctx context.Context) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := l.db.WithContext(ctx).
		Order("changed_at ASC").
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// DeleteFor drops the user's lineage. Only account deletion calls this.
func (l *Ledger) DeleteFor(ctx context.Context, userID uint) error {
	return l.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&HistoryEntry{}).Error
}
