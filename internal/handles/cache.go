package handles

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRetryInterval = 5 * time.Second
	rebuildFlightKey     = "rebuild"
)

// Source supplies the full state a rebuild is derived from.
type Source interface {
	ActiveUsernames(ctx context.Context) (map[uint]string, error)
	History(ctx context.Context) ([]HistoryEntry, error)
}

// CacheConfig wires a RedirectCache.
type CacheConfig struct {
	Source        Source
	Logger        *zap.Logger
	Clock         func() time.Time
	RetryInterval time.Duration
}

type cacheOpKind int

const (
	cacheOpPatch cacheOpKind = iota
	cacheOpClaim
	cacheOpEvict
)

type cacheOp struct {
	kind     cacheOpKind
	username string
	target   string
}

// RedirectCache maps vacated handles to the current handle of their former
// owner. No key is ever a live handle and every value is one.
type RedirectCache struct {
	source        Source
	logger        *zap.Logger
	clock         func() time.Time
	retryInterval time.Duration
	flight        singleflight.Group

	mu          sync.RWMutex
	aliases     map[string]string
	reverse     map[string]map[string]struct{}
	initialized bool
	rebuilding  bool
	journal     []cacheOp
	lastFailure time.Time
}

// NewRedirectCache constructs an empty cache. The first Resolve builds it.
func NewRedirectCache(cfg CacheConfig) (*RedirectCache, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &RedirectCache{
		source:        cfg.Source,
		logger:        logger,
		clock:         clock,
		retryInterval: retry,
		aliases:       make(map[string]string),
		reverse:       make(map[string]map[string]struct{}),
	}, nil
}

// Resolve returns the live handle oldUsername redirects to. A cold cache is
// built first; callers arriving during that build wait for the same build.
// Build failures degrade to "no redirect".
func (c *RedirectCache) Resolve(ctx context.Context, oldUsername string) (string, bool) {
	c.mu.RLock()
	if c.initialized {
		target, ok := c.aliases[oldUsername]
		c.mu.RUnlock()
		return target, ok && target != oldUsername
	}
	lastFailure := c.lastFailure
	c.mu.RUnlock()

	if lastFailure.IsZero() || c.clock().Sub(lastFailure) >= c.retryInterval {
		_ = c.ensureInitialized(ctx)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	target, ok := c.aliases[oldUsername]
	return target, ok && target != oldUsername
}

// RebuildAll recomputes the cache from the source. Concurrent calls share one build.
func (c *RedirectCache) RebuildAll(ctx context.Context) error {
	_, err, _ := c.flight.Do(rebuildFlightKey, func() (interface{}, error) {
		return nil, c.rebuild(context.WithoutCancel(ctx))
	})
	return err
}

// ForceReinitialize clears the cache and rebuilds it synchronously.
func (c *RedirectCache) ForceReinitialize(ctx context.Context) error {
	c.mu.Lock()
	c.aliases = make(map[string]string)
	c.reverse = make(map[string]map[string]struct{})
	c.initialized = false
	c.lastFailure = time.Time{}
	c.mu.Unlock()
	metrics.CacheEntries.Set(0)
	return c.RebuildAll(ctx)
}

// Patch records that oldUsername now belongs to newUsername's owner. Aliases
// that pointed at oldUsername follow it so chains stay one hop long.
func (c *RedirectCache) Patch(oldUsername, newUsername string) {
	c.apply(cacheOp{kind: cacheOpPatch, username: oldUsername, target: newUsername})
}

// Claim marks username as live so it stops redirecting.
func (c *RedirectCache) Claim(username string) {
	c.apply(cacheOp{kind: cacheOpClaim, username: username})
}

// Evict removes username and every alias pointing at it.
func (c *RedirectCache) Evict(username string) {
	c.apply(cacheOp{kind: cacheOpEvict, username: username})
}

// Len reports the number of aliases.
func (c *RedirectCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.aliases)
}

// Snapshot copies the alias table.
func (c *RedirectCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]string, len(c.aliases))
	for old, current := range c.aliases {
		snapshot[old] = current
	}
	return snapshot
}

// Initialized reports whether a build has completed.
func (c *RedirectCache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *RedirectCache) ensureInitialized(ctx context.Context) error {
	_, err, _ := c.flight.Do(rebuildFlightKey, func() (interface{}, error) {
		if c.Initialized() {
			return nil, nil
		}
		return nil, c.rebuild(context.WithoutCancel(ctx))
	})
	return err
}

func (c *RedirectCache) apply(op cacheOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op.applyTo(c.aliases, c.reverse)
	if c.rebuilding {
		c.journal = append(c.journal, op)
	}
	metrics.CacheEntries.Set(float64(len(c.aliases)))
}

func (c *RedirectCache) rebuild(ctx context.Context) error {
	started := time.Now()
	c.mu.Lock()
	c.rebuilding = true
	c.journal = nil
	c.mu.Unlock()

	aliases, reverse, err := c.load(ctx)
	if err != nil {
		c.mu.Lock()
		c.rebuilding = false
		c.journal = nil
		c.lastFailure = c.clock()
		c.mu.Unlock()
		metrics.CacheRebuilds.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.logger.Warn("redirect cache rebuild failed", zap.Error(err))
		return err
	}

	c.mu.Lock()
	for _, op := range c.journal {
		op.applyTo(aliases, reverse)
	}
	c.aliases = aliases
	c.reverse = reverse
	c.initialized = true
	c.rebuilding = false
	c.journal = nil
	c.lastFailure = time.Time{}
	size := len(aliases)
	c.mu.Unlock()

	metrics.CacheRebuilds.WithLabelValues(metrics.OutcomeSuccess).Inc()
	metrics.CacheRebuildDuration.Observe(time.Since(started).Seconds())
	metrics.CacheEntries.Set(float64(size))
	c.logger.Info("redirect cache rebuilt", zap.Int("aliases", size), zap.Duration("elapsed", time.Since(started)))
	return nil
}

// load derives the alias table: an entry survives only when the vacated handle
// is not live and its former owner still has a live handle. Entries arrive
// oldest first, so the latest holder of a handle wins.
func (c *RedirectCache) load(ctx context.Context) (map[string]string, map[string]map[string]struct{}, error) {
	active, err := c.source.ActiveUsernames(ctx)
	if err != nil {
		return nil, nil, err
	}
	history, err := c.source.History(ctx)
	if err != nil {
		return nil, nil, err
	}

	live := make(map[string]struct{}, len(active))
	for _, username := range active {
		live[username] = struct{}{}
	}

	aliases := make(map[string]string)
	reverse := make(map[string]map[string]struct{})
	for _, entry := range history {
		current, ok := active[entry.UserID]
		if !ok {
			continue
		}
		if _, isLive := live[entry.OldUsername]; isLive {
			continue
		}
		setAlias(aliases, reverse, entry.OldUsername, current)
	}
	return aliases, reverse, nil
}

func (op cacheOp) applyTo(aliases map[string]string, reverse map[string]map[string]struct{}) {
	switch op.kind {
	case cacheOpPatch:
		if op.username == op.target {
			return
		}
		removeSource(aliases, reverse, op.target)
		for source := range reverse[op.username] {
			setAlias(aliases, reverse, source, op.target)
		}
		delete(reverse, op.username)
		setAlias(aliases, reverse, op.username, op.target)
	case cacheOpClaim:
		removeSource(aliases, reverse, op.username)
	case cacheOpEvict:
		for source := range reverse[op.username] {
			delete(aliases, source)
		}
		delete(reverse, op.username)
		removeSource(aliases, reverse, op.username)
	}
}

func setAlias(aliases map[string]string, reverse map[string]map[string]struct{}, source, target string) {
	removeSource(aliases, reverse, source)
	aliases[source] = target
	sources, ok := reverse[target]
	if !ok {
		sources = make(map[string]struct{})
		reverse[target] = sources
	}
	sources[source] = struct{}{}
}

func removeSource(aliases map[string]string, reverse map[string]map[string]struct{}, source string) {
	target, ok := aliases[source]
	if !ok {
		return
	}
	delete(aliases, source)
	if sources := reverse[target]; sources != nil {
		delete(sources, source)
		if len(sources) == 0 {
			delete(reverse, target)
		}
	}
}
