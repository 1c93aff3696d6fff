package pages

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrPageNotFound indicates the page lookup matched nothing.
	ErrPageNotFound = errors.New("pages: page not found")
	// ErrLinkNotFound indicates the short link lookup matched nothing.
	ErrLinkNotFound = errors.New("pages: short link not found")
	// ErrInvalidTarget indicates a short link target that cannot be parsed.
	ErrInvalidTarget = errors.New("pages: invalid short link target")
)

// Store persists pages and short links through the supplied gorm handle.
type Store struct {
	db        *gorm.DB
	siteHosts map[string]struct{}
}

// NewStore wraps db. Absolute short link targets are only rewritten when their
// host is one of siteHosts.
func NewStore(db *gorm.DB, siteHosts ...string) *Store {
	hosts := make(map[string]struct{}, len(siteHosts))
	for _, host := range siteHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			hosts[host] = struct{}{}
		}
	}
	return &Store{db: db, siteHosts: hosts}
}

// WithTx returns a store bound to tx sharing the host configuration.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, siteHosts: s.siteHosts}
}

// CreatePage inserts page.
func (s *Store) CreatePage(ctx context.Context, page *Page) error {
	return s.db.WithContext(ctx).Create(page).Error
}

// CreateShortLink inserts link after checking the target parses.
func (s *Store) CreateShortLink(ctx context.Context, link *ShortLink) error {
	if _, err := url.Parse(link.TargetURL); err != nil || strings.TrimSpace(link.TargetURL) == "" {
		return ErrInvalidTarget
	}
	return s.db.WithContext(ctx).Create(link).Error
}

// PageBySlug returns the page owned by userID with slug.
func (s *Store) PageBySlug(ctx context.Context, userID uint, slug string) (Page, error) {
	var page Page
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND slug = ?", userID, slug).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	return page, err
}

// HasPage reports whether userID owns a page with slug.
func (s *Store) HasPage(ctx context.Context, userID uint, slug string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Page{}).
		Where("user_id = ? AND slug = ?", userID, slug).
		Count(&count).Error
	return count > 0, err
}

// ShortLink returns the link registered under code.
func (s *Store) ShortLink(ctx context.Context, code string) (ShortLink, error) {
	var link ShortLink
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ShortLink{}, ErrLinkNotFound
	}
	return link, err
}

// RenameDefaultPageSlug moves the owner's page at oldSlug to newSlug.
func (s *Store) RenameDefaultPageSlug(ctx context.Context, userID uint, oldSlug, newSlug string) error {
	return s.db.WithContext(ctx).
		Model(&Page{}).
		Where("user_id = ? AND slug = ?", userID, oldSlug).
		Update("slug", newSlug).Error
}

// RewriteShortLinkTargets replaces oldSegment with newSegment in the leading
// path segment of every target owned by userID. Other positions are left alone.
func (s *Store) RewriteShortLinkTargets(ctx context.Context, userID uint, oldSegment, newSegment string) (int, error) {
	var links []ShortLink
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&links).Error; err != nil {
		return 0, err
	}
	rewritten := 0
	for _, link := range links {
		target, ok := s.rewriteTarget(link.TargetURL, oldSegment, newSegment)
		if !ok {
			continue
		}
		if err := s.db.WithContext(ctx).
			Model(&ShortLink{}).
			Where("code = ? AND user_id = ?", link.Code, userID).
			Update("target_url", target).Error; err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}

// DeleteFor removes every page and short link owned by userID.
func (s *Store) DeleteFor(ctx context.Context, userID uint) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&ShortLink{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Page{}).Error
}

func (s *Store) rewriteTarget(raw, oldSegment, newSegment string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if parsed.IsAbs() || parsed.Host != "" {
		if _, ok := s.siteHosts[strings.ToLower(parsed.Hostname())]; !ok {
			return "", false
		}
	} else if !strings.HasPrefix(parsed.Path, "/") {
		return "", false
	}

	rest := strings.TrimPrefix(parsed.Path, "/")
	first, remainder, hasRemainder := strings.Cut(rest, "/")
	if first != oldSegment {
		return "", false
	}
	path := "/" + newSegment
	if hasRemainder {
		path += "/" + remainder
	}
	parsed.Path = path
	parsed.RawPath = ""
	return parsed.String(), true
}
