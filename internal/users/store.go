package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAccountNotFound indicates that no account exists for the identifier.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrUsernameTaken indicates a unique constraint violation on accounts.username.
	ErrUsernameTaken = errors.New("users: username taken")
)

// Store reads and writes accounts through the supplied gorm handle. A Store
// built from a transaction participates in that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetUser loads the account for id.
func (s *Store) GetUser(ctx context.Context, id uint) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// GetUserForUpdate loads the account and locks its row for the surrounding transaction.
func (s *Store) GetUserForUpdate(ctx context.Context, id uint) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// GetUserByUsername returns the id of the account currently holding username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (uint, bool, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Select("id").
		Where("username = ?", username).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return account.ID, true, nil
}

// SetUsername stores the new handle together with the change bookkeeping.
func (s *Store) SetUsername(ctx context.Context, id uint, username string, changeCount int, changedAt time.Time) error {
	changedAtUTC := changedAt.UTC()
	result := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"username":                username,
			"username_change_count":   changeCount,
			"last_username_change_at": &changedAtUTC,
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Create inserts a new account holding username.
func (s *Store) Create(ctx context.Context, username string) (Account, error) {
	account := Account{Username: username}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		if isUniqueViolation(err) {
			return Account{}, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return Account{}, err
	}
	return account, nil
}

// Delete removes the account and every login linked to it.
func (s *Store) Delete(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).Where("account_id = ?", id).Delete(&Identity{}).Error; err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Account{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ActiveUsernames returns every live handle keyed by account id.
func (s *Store) ActiveUsernames(ctx context.Context) (map[uint]string, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Select("id", "username").Find(&accounts).Error; err != nil {
		return nil, err
	}
	active := make(map[uint]string, len(accounts))
	for _, account := range accounts {
		active[account.ID] = account.Username
	}
	return active, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
