package handles

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// FAKE DIRECTORY / SOURCE
// =============================================================================

type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[uint]users.Account
	history  []HistoryEntry
	err      error
	calls    int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{accounts: make(map[uint]users.Account)}
}

func (f *fakeDirectory) addAccount(id uint, username string, lastChange *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[id] = users.Account{ID: id, Username: username, LastUsernameChangeAt: lastChange}
}

func (f *fakeDirectory) addHistory(userID uint, oldUsername string, changedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, HistoryEntry{
		ID:          fmt.Sprintf("entry-%d", len(f.history)+1),
		UserID:      userID,
		OldUsername: oldUsername,
		ChangedAt:   changedAt,
	})
}

func (f *fakeDirectory) GetUser(_ context.Context, userID uint) (users.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return users.Account{}, f.err
	}
	account, ok := f.accounts[userID]
	if !ok {
		return users.Account{}, users.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeDirectory) GetUserByUsername(_ context.Context, username string) (uint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, false, f.err
	}
	for id, account := range f.accounts {
		if account.Username == username {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeDirectory) FindActiveOwnerOf(_ context.Context, username string) (HistoryEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return HistoryEntry{}, false, f.err
	}
	var latest HistoryEntry
	found := false
	for _, entry := range f.history {
		if entry.OldUsername != username {
			continue
		}
		if !found || !entry.ChangedAt.Before(latest.ChangedAt) {
			latest = entry
			found = true
		}
	}
	return latest, found, nil
}

func (f *fakeDirectory) ActiveUsernames(context.Context) (map[uint]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	active := make(map[uint]string, len(f.accounts))
	for id, account := range f.accounts {
		active[id] = account.Username
	}
	return active, nil
}

func (f *fakeDirectory) History(context.Context) ([]HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]HistoryEntry(nil), f.history...), nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func daysBefore(days float64) *time.Time {
	at := baseTime.Add(-time.Duration(days * float64(24*time.Hour)))
	return &at
}

// =============================================================================
// DATABASE HARNESS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db      *gorm.DB
	clock   *testClock
	cache   *RedirectCache
	service *Service
	pages   *pages.Store
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&users.Account{}, &users.Identity{}, &HistoryEntry{}, &pages.Page{}, &pages.ShortLink{}))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := openTestDatabase(t)
	clock := &testClock{now: baseTime}
	cache, err := NewRedirectCache(CacheConfig{Source: NewStoreSource(db), Clock: clock.Now})
	require.NoError(t, err)
	pageStore := pages.NewStore(db, "pagelink.example")
	service, err := NewService(ServiceConfig{
		Database:   db,
		Cache:      cache,
		Pages:      pageStore,
		Clock:      clock.Now,
		IDProvider: NewUUIDProvider(),
	})
	require.NoError(t, err)
	return &harness{db: db, clock: clock, cache: cache, service: service, pages: pageStore}
}

func (h *harness) register(t *testing.T, username string) users.Account {
	t.Helper()
	account, err := h.service.RegisterAccount(context.Background(), username, nil)
	require.NoError(t, err)
	return account
}

func (h *harness) change(t *testing.T, userID uint, username string) ChangeResult {
	t.Helper()
	result, err := h.service.ChangeUsername(context.Background(), userID, username)
	require.NoError(t, err)
	return result
}

// afterCooldown moves the clock past the change cooldown.
func (h *harness) afterCooldown() {
	h.clock.Advance((CooldownDays + 1) * 24 * time.Hour)
}
