package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/handles"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pageRequestPayload struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type pageResponsePayload struct {
	Username    string `json:"username"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type linkRequestPayload struct {
	Code      string `json:"code"`
	TargetURL string `json:"target_url"`
}

type linkResponsePayload struct {
	Code      string `json:"code"`
	TargetURL string `json:"target_url"`
}

func (h *httpHandler) handleCreatePage(c *gin.Context) {
	var request pageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	slug := strings.TrimSpace(request.Slug)
	if !handles.ValidFormat(slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_slug"})
		return
	}

	page := pages.Page{
		UserID:      accountID(c),
		Slug:        slug,
		Title:       strings.TrimSpace(request.Title),
		Description: request.Description,
	}
	if err := h.pages.CreatePage(c.Request.Context(), &page); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "page_exists"})
			return
		}
		h.logger.Error("page creation failed", zap.Error(err), zap.Uint("user_id", page.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "page_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, pageResponsePayload{Slug: page.Slug, Title: page.Title, Description: page.Description})
}

func (h *httpHandler) handleCreateLink(c *gin.Context) {
	var request linkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	link := pages.ShortLink{
		Code:      strings.TrimSpace(request.Code),
		UserID:    accountID(c),
		TargetURL: strings.TrimSpace(request.TargetURL),
	}
	if err := h.pages.CreateShortLink(c.Request.Context(), &link); err != nil {
		switch {
		case errors.Is(err, pages.ErrInvalidTarget):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		case errors.Is(err, gorm.ErrDuplicatedKey):
			c.JSON(http.StatusConflict, gin.H{"error": "code_taken"})
		default:
			h.logger.Error("short link creation failed", zap.Error(err), zap.Uint("user_id", link.UserID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "link_create_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, linkResponsePayload{Code: link.Code, TargetURL: link.TargetURL})
}

func (h *httpHandler) handleShortLink(c *gin.Context) {
	link, err := h.pages.ShortLink(c.Request.Context(), c.Param("code"))
	if errors.Is(err, pages.ErrLinkNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("short link lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.Redirect(http.StatusFound, link.TargetURL)
}

// handlePage serves a live user's page. The redirect middleware has already
// answered for vacated and unknown handles.
func (h *httpHandler) handlePage(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	if username == "" {
		username = strings.ToLower(c.Param("username"))
	}
	ownerID, found, err := h.accounts.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		h.logger.Error("page owner lookup failed", zap.Error(err), zap.String("username", username))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	slug := c.Param("slug")
	if slug == "" {
		slug = username
	}
	page, err := h.pages.PageBySlug(c.Request.Context(), ownerID, slug)
	if errors.Is(err, pages.ErrPageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("page lookup failed", zap.Error(err), zap.String("username", username))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, pageResponsePayload{
		Username:    username,
		Slug:        page.Slug,
		Title:       page.Title,
		Description: page.Description,
	})
}
