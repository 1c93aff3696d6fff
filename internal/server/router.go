package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/handles"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "pagelink_session_claims"
	accountIDContextKey = "pagelink_account_id"
	usernameContextKey  = "pagelink_username"
)

var (
	errMissingHandleService    = errors.New("handle service dependency required")
	errMissingRedirectCache    = errors.New("redirect cache dependency required")
	errMissingResolver         = errors.New("resolver dependency required")
	errMissingUserService      = errors.New("user service dependency required")
	errMissingAccountStore     = errors.New("account store dependency required")
	errMissingPageStore        = errors.New("page store dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	HandleService    *handles.Service
	RedirectCache    *handles.RedirectCache
	Resolver         *handles.Resolver
	UserService      *users.Service
	AccountStore     *users.Store
	PageStore        *pages.Store
	SessionValidator *auth.SessionValidator
	RateLimiter      *RateLimiter
	AdminToken       string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the API and public pages.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.HandleService == nil {
		return nil, errMissingHandleService
	}
	if deps.RedirectCache == nil {
		return nil, errMissingRedirectCache
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.UserService == nil {
		return nil, errMissingUserService
	}
	if deps.AccountStore == nil {
		return nil, errMissingAccountStore
	}
	if deps.PageStore == nil {
		return nil, errMissingPageStore
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		handles:    deps.HandleService,
		cache:      deps.RedirectCache,
		resolver:   deps.Resolver,
		users:      deps.UserService,
		accounts:   deps.AccountStore,
		pages:      deps.PageStore,
		sessions:   deps.SessionValidator,
		limiter:    deps.RateLimiter,
		adminToken: deps.AdminToken,
		logger:     logger,
	}

	router.Use(handler.redirectVacatedHandles)

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/s/:code", handler.handleShortLink)

	api := router.Group("/api")
	api.GET("/usernames/availability", handler.rateLimited, handler.handleAvailability)
	api.POST("/accounts", handler.requireSession, handler.handleSignup)

	member := api.Group("/")
	member.Use(handler.requireSession, handler.requireAccount)
	member.POST("/usernames", handler.rateLimited, handler.handleChangeUsername)
	member.GET("/usernames/history", handler.handleHistory)
	member.DELETE("/accounts/me", handler.handleDeleteAccount)
	member.POST("/pages", handler.handleCreatePage)
	member.POST("/links", handler.handleCreateLink)

	admin := router.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/redirects/rebuild", handler.handleRebuildRedirects)

	router.GET("/:username", handler.handlePage)
	router.GET("/:username/:slug", handler.handlePage)

	return router, nil
}

type httpHandler struct {
	handles    *handles.Service
	cache      *handles.RedirectCache
	resolver   *handles.Resolver
	users      *users.Service
	accounts   *users.Store
	pages      *pages.Store
	sessions   *auth.SessionValidator
	limiter    *RateLimiter
	adminToken string
	logger     *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "redirect_cache_ready": h.cache.Initialized()})
}

// redirectVacatedHandles applies the resolver decision ahead of routing so a
// vacated handle never reaches the page handlers.
func (h *httpHandler) redirectVacatedHandles(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Next()
		return
	}
	decision := h.resolver.Resolve(c.Request.Context(), c.Request.URL.EscapedPath(), c.Request.URL.RawQuery)
	switch decision.Kind {
	case handles.DecisionRedirect:
		c.Redirect(http.StatusMovedPermanently, decision.Location)
		c.Abort()
	case handles.DecisionNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case handles.DecisionPassThrough:
		c.Set(usernameContextKey, decision.Username)
		c.Next()
	default:
		c.Next()
	}
}

func (h *httpHandler) requireSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAccount(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	accountID, found, err := h.users.ResolveAccountID(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("account resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account_required"})
		return
	}
	c.Set(accountIDContextKey, accountID)
	c.Next()
}

// optionalAccountID returns the caller's account when a valid session is
// present and zero otherwise.
func (h *httpHandler) optionalAccountID(c *gin.Context) uint {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		return 0
	}
	accountID, found, err := h.users.ResolveAccountID(claims)
	if err != nil || !found {
		return 0
	}
	return accountID
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !auth.AdminTokenMatches(c.Request, h.adminToken) {
		h.logger.Warn("admin authorization failed", zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleRebuildRedirects(c *gin.Context) {
	if err := h.cache.ForceReinitialize(c.Request.Context()); err != nil {
		h.logger.Error("redirect cache rebuild failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": h.cache.Len()})
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func accountID(c *gin.Context) uint {
	value, ok := c.Get(accountIDContextKey)
	if !ok {
		return 0
	}
	id, _ := value.(uint)
	return id
}
