package handles

import (
	"context"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"gorm.io/gorm"
)

// storeDirectory serves Directory and Source from the database.
type storeDirectory struct {
	accounts *users.Store
	ledger   *Ledger
}

func newStoreDirectory(db *gorm.DB, ids IDProvider) storeDirectory {
	return storeDirectory{
		accounts: users.NewStore(db),
		ledger:   NewLedger(db, ids),
	}
}

// NewStoreSource returns the database backed Source used for cache rebuilds.
func NewStoreSource(db *gorm.DB) Source {
	return newStoreDirectory(db, nil)
}

func (d storeDirectory) GetUser(ctx context.Context, userID uint) (users.Account, error) {
	return d.accounts.GetUser(ctx, userID)
}

func (d storeDirectory) GetUserByUsername(ctx context.Context, username string) (uint, bool, error) {
	return d.accounts.GetUserByUsername(ctx, username)
}

func (d storeDirectory) FindActiveOwnerOf(ctx context.Context, username string) (HistoryEntry, bool, error) {
	return d.ledger.FindActiveOwnerOf(ctx, username)
}

func (d storeDirectory) ActiveUsernames(ctx context.Context) (map[uint]string, error) {
	return d.accounts.ActiveUsernames(ctx)
}

func (d storeDirectory) History(ctx context.Context) ([]HistoryEntry, error) {
	return d.ledger.All(ctx)
}
