package handles

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the username orchestrator.
type ServiceConfig struct {
	Database   *gorm.DB
	Cache      *RedirectCache
	Pages      *pages.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// ChangeResult describes a committed username change.
type ChangeResult struct {
	UserID         uint
	Previous       string
	Current        string
	ChangeCount    int
	ChangedAt      time.Time
	RewrittenLinks int
}

// AccountLinker attaches the new account to the caller's login inside the
// registration transaction.
type AccountLinker func(tx *gorm.DB, accountID uint) error

// Service is the single writer of usernames. writeMu serializes writers so the
// cache patch lands before the next change can observe the store.
type Service struct {
	db     *gorm.DB
	cache  *RedirectCache
	pages  *pages.Store
	policy Policy
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger

	writeMu sync.Mutex
}

// NewService validates dependencies and builds the orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cache == nil {
		return nil, newServiceError(opServiceNew, "missing_cache", errMissingCache)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	pageStore := cfg.Pages
	if pageStore == nil {
		pageStore = pages.NewStore(cfg.Database)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		cache:  cfg.Cache,
		pages:  pageStore,
		policy: NewPolicy(clock),
		clock:  clock,
		ids:    cfg.IDProvider,
		logger: logger,
	}, nil
}

// ChangeUsername moves userID to requested. Policy refusals come back as
// *Rejection; storage failures as *ServiceError after a full rollback.
func (s *Service) ChangeUsername(ctx context.Context, userID uint, requested string) (ChangeResult, error) {
	requested = NormalizeCandidate(requested)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result ChangeResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dir := newStoreDirectory(tx, s.ids)
		account, err := dir.accounts.GetUserForUpdate(ctx, userID)
		if errors.Is(err, users.ErrAccountNotFound) {
			return reject(ReasonAccountNotFound)
		}
		if err != nil {
			return newServiceError(opChangeUsername, "account_select_failed", err)
		}

		if err := s.policy.EvaluateChange(ctx, dir, userID, requested); err != nil {
			var rejection *Rejection
			if errors.As(err, &rejection) {
				return rejection
			}
			return newServiceError(opChangeUsername, "policy_lookup_failed", err)
		}

		pageStore := s.pages.WithTx(tx)
		inUse, err := pageStore.HasPage(ctx, userID, requested)
		if err != nil {
			return newServiceError(opChangeUsername, "page_lookup_failed", err)
		}
		if inUse {
			return reject(ReasonPageSlugInUse)
		}

		changedAt := s.clock().UTC()
		if _, err := dir.ledger.Append(ctx, userID, account.Username, changedAt); err != nil {
			return newServiceError(opChangeUsername, "history_append_failed", err)
		}

		changeCount := account.UsernameChangeCount + 1
		if err := dir.accounts.SetUsername(ctx, userID, requested, changeCount, changedAt); err != nil {
			if errors.Is(err, users.ErrUsernameTaken) {
				return reject(ReasonTaken)
			}
			return newServiceError(opChangeUsername, "account_update_failed", err)
		}

		if err := pageStore.RenameDefaultPageSlug(ctx, userID, account.Username, requested); err != nil {
			return newServiceError(opChangeUsername, "page_rename_failed", err)
		}
		rewritten, err := pageStore.RewriteShortLinkTargets(ctx, userID, account.Username, requested)
		if err != nil {
			return newServiceError(opChangeUsername, "link_rewrite_failed", err)
		}

		result = ChangeResult{
			UserID:         userID,
			Previous:       account.Username,
			Current:        requested,
			ChangeCount:    changeCount,
			ChangedAt:      changedAt,
			RewrittenLinks: rewritten,
		}
		return nil
	})
	if txErr != nil {
		return ChangeResult{}, s.failure(opChangeUsername, txErr, zap.Uint("user_id", userID), zap.String("requested", requested))
	}

	s.cache.Patch(result.Previous, result.Current)
	metrics.UsernameChanges.WithLabelValues(metrics.OutcomeSuccess, "").Inc()
	s.logger.Info("username changed",
		zap.Uint("user_id", userID),
		zap.String("previous", result.Previous),
		zap.String("current", result.Current),
		zap.Int("rewritten_links", result.RewrittenLinks))
	return result, nil
}

// RegisterAccount creates an account holding username together with its
// default page. link, when set, runs in the same transaction.
func (s *Service) RegisterAccount(ctx context.Context, username string, link AccountLinker) (users.Account, error) {
	username = NormalizeCandidate(username)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var account users.Account
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dir := newStoreDirectory(tx, s.ids)
		if err := s.policy.EvaluateRegistration(ctx, dir, username); err != nil {
			var rejection *Rejection
			if errors.As(err, &rejection) {
				return rejection
			}
			return newServiceError(opRegisterAccount, "policy_lookup_failed", err)
		}

		created, err := dir.accounts.Create(ctx, username)
		if errors.Is(err, users.ErrUsernameTaken) {
			return reject(ReasonTaken)
		}
		if err != nil {
			return newServiceError(opRegisterAccount, "account_insert_failed", err)
		}
		if err := s.pages.WithTx(tx).CreatePage(ctx, &pages.Page{UserID: created.ID, Slug: username, Title: username}); err != nil {
			return newServiceError(opRegisterAccount, "page_insert_failed", err)
		}
		if link != nil {
			if err := link(tx, created.ID); err != nil {
				return newServiceError(opRegisterAccount, "identity_link_failed", err)
			}
		}
		account = created
		return nil
	})
	if txErr != nil {
		return users.Account{}, s.failure(opRegisterAccount, txErr, zap.String("username", username))
	}

	s.cache.Claim(account.Username)
	s.logger.Info("account registered", zap.Uint("user_id", account.ID), zap.String("username", account.Username))
	return account, nil
}

// DeleteAccount removes the account with its lineage, pages and links.
func (s *Service) DeleteAccount(ctx context.Context, userID uint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var username string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dir := newStoreDirectory(tx, s.ids)
		account, err := dir.accounts.GetUserForUpdate(ctx, userID)
		if errors.Is(err, users.ErrAccountNotFound) {
			return reject(ReasonAccountNotFound)
		}
		if err != nil {
			return newServiceError(opDeleteAccount, "account_select_failed", err)
		}
		if err := dir.ledger.DeleteFor(ctx, userID); err != nil {
			return newServiceError(opDeleteAccount, "history_delete_failed", err)
		}
		if err := s.pages.WithTx(tx).DeleteFor(ctx, userID); err != nil {
			return newServiceError(opDeleteAccount, "pages_delete_failed", err)
		}
		if err := dir.accounts.Delete(ctx, userID); err != nil {
			return newServiceError(opDeleteAccount, "account_delete_failed", err)
		}
		username = account.Username
		return nil
	})
	if txErr != nil {
		return s.failure(opDeleteAccount, txErr, zap.Uint("user_id", userID))
	}

	s.cache.Evict(username)
	s.logger.Info("account deleted", zap.Uint("user_id", userID), zap.String("username", username))
	return nil
}

// CheckAvailability reports whether username could be claimed by
// requestingUserID (zero for anonymous visitors).
func (s *Service) CheckAvailability(ctx context.Context, username string, requestingUserID uint) (Availability, error) {
	username = NormalizeCandidate(username)
	availability, err := s.policy.CheckAvailability(ctx, newStoreDirectory(s.db, nil), username, requestingUserID)
	if err != nil {
		s.logError(opCheckAvailability, "lookup_failed", err, zap.String("username", username))
		return Availability{}, newServiceError(opCheckAvailability, "lookup_failed", err)
	}
	return availability, nil
}

// History returns the handles userID has vacated, most recent first.
func (s *Service) History(ctx context.Context, userID uint) ([]HistoryEntry, error) {
	dir := newStoreDirectory(s.db, nil)
	if _, err := dir.accounts.GetUser(ctx, userID); err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			return nil, reject(ReasonAccountNotFound)
		}
		s.logError(opHistory, "account_select_failed", err, zap.Uint("user_id", userID))
		return nil, newServiceError(opHistory, "account_select_failed", err)
	}
	entries, err := dir.ledger.ListFor(ctx, userID)
	if err != nil {
		s.logError(opHistory, "query_failed", err, zap.Uint("user_id", userID))
		return nil, newServiceError(opHistory, "query_failed", err)
	}
	return entries, nil
}

// failure classifies a transaction error for logging and metrics.
func (s *Service) failure(operation string, err error, fields ...zap.Field) error {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		if operation == opChangeUsername {
			metrics.UsernameChanges.WithLabelValues(metrics.OutcomeRejected, string(rejection.Reason)).Inc()
		}
		s.loggerOrDefault().Info("username request rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("reason", string(rejection.Reason))}, fields...)...)
		return rejection
	}

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		err = newServiceError(operation, "transaction_failed", err)
		errors.As(err, &serviceErr)
	}
	if operation == opChangeUsername {
		metrics.UsernameChanges.WithLabelValues(metrics.OutcomeFailed, serviceErr.Code()).Inc()
	}
	s.logError(operation, serviceErr.Code(), serviceErr.Unwrap(), fields...)
	return serviceErr
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("handles service error", attrs...)
}
