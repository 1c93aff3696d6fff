package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrIdentityLinked indicates the login already belongs to an account.
	ErrIdentityLinked = errors.New("users: identity already linked")
)

// ServiceConfig describes the dependencies required for login resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps session logins onto accounts.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// ResolveAccountID returns the account linked to the session login. The
// boolean is false when the login has not signed up yet.
func (s *Service) ResolveAccountID(claims auth.SessionClaims) (uint, bool, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return 0, false, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if accountID, ok := cachedIdentifier.(uint); ok {
			return accountID, true, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	_ = s.db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Update("last_seen_at", s.now()).
		Error

	s.cache.Store(cacheKey, identity.AccountID)
	return identity.AccountID, true, nil
}

// Link binds the session login to accountID using the supplied handle so the
// insert can share a transaction with account creation.
func (s *Service) Link(db *gorm.DB, claims auth.SessionClaims, accountID uint) error {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return ErrInvalidIdentity
	}
	if db == nil {
		db = s.db
	}
	var existing Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).Take(&existing).Error
	if err == nil {
		return ErrIdentityLinked
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	identity := Identity{
		Provider:   provider,
		Subject:    subject,
		AccountID:  accountID,
		Email:      normalize(claims.UserEmail),
		LastSeenAt: s.now(),
	}
	return db.Create(&identity).Error
}

// Forget drops cached logins for the account after it is deleted.
func (s *Service) Forget(accountID uint) {
	s.cache.Range(func(key, value any) bool {
		if cached, ok := value.(uint); ok && cached == accountID {
			s.cache.Delete(key)
		}
		return true
	})
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
