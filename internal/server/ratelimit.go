package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultLimiterTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	lastHit time.Time
}

// NewRateLimiter allows perMinute requests per client with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		ttl:      defaultLimiterTTL,
		clock:    time.Now,
	}
}

// Allow consumes a token for key. Idle clients are swept at most once per ttl.
func (l *RateLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}

	client, ok := l.limiters[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = client
	}
	client.lastHit = now
	return client.limiter.AllowN(now, 1)
}

func (l *RateLimiter) sweep(now time.Time) {
	for candidate, client := range l.limiters {
		if now.Sub(client.lastHit) > l.ttl {
			delete(l.limiters, candidate)
		}
	}
	l.lastSweep = now
}

func (h *httpHandler) rateLimited(c *gin.Context) {
	if h.limiter == nil {
		c.Next()
		return
	}
	clientIP := c.ClientIP()
	if !h.limiter.Allow(clientIP) {
		h.logger.Info("request rate limited", zap.String("client_ip", clientIP), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}
