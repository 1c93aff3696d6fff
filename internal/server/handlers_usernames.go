package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/handles"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type usernameRequestPayload struct {
	Username string `json:"username"`
}

type availabilityResponsePayload struct {
	Username         string `json:"username"`
	Available        bool   `json:"available"`
	Reason           string `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	IsOwnOldUsername bool   `json:"is_own_old_username"`
	MonthsRemaining  int    `json:"months_remaining,omitempty"`
}

type accountResponsePayload struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

type changeResponsePayload struct {
	Username         string `json:"username"`
	PreviousUsername string `json:"previous_username"`
	ChangeCount      int    `json:"change_count"`
	ChangedAtSeconds int64  `json:"changed_at_s"`
	RewrittenLinks   int    `json:"rewritten_links"`
}

type historyResponsePayload struct {
	History []historyEntryPayload `json:"history"`
}

type historyEntryPayload struct {
	OldUsername      string `json:"old_username"`
	ChangedAtSeconds int64  `json:"changed_at_s"`
}

func (h *httpHandler) handleAvailability(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	availability, err := h.handles.CheckAvailability(c.Request.Context(), username, h.optionalAccountID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "availability_failed"})
		return
	}

	c.JSON(http.StatusOK, availabilityResponsePayload{
		Username:         availability.Username,
		Available:        availability.Available,
		Reason:           string(availability.Reason),
		Message:          availability.Message,
		IsOwnOldUsername: availability.IsOwnOldUsername,
		MonthsRemaining:  availability.MonthsRemaining,
	})
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request usernameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	_, linked, err := h.users.ResolveAccountID(claims)
	if err != nil {
		h.logger.Error("account resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup_failed"})
		return
	}
	if linked {
		c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
		return
	}

	account, err := h.handles.RegisterAccount(c.Request.Context(), request.Username, func(tx *gorm.DB, accountID uint) error {
		return h.users.Link(tx, claims, accountID)
	})
	if err != nil {
		if errors.Is(err, users.ErrIdentityLinked) {
			c.JSON(http.StatusConflict, gin.H{"error": "account_exists"})
			return
		}
		writeHandleError(c, err, "signup_failed")
		return
	}

	c.JSON(http.StatusCreated, accountResponsePayload{UserID: account.ID, Username: account.Username})
}

func (h *httpHandler) handleChangeUsername(c *gin.Context) {
	var request usernameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.handles.ChangeUsername(c.Request.Context(), accountID(c), request.Username)
	if err != nil {
		writeHandleError(c, err, "change_failed")
		return
	}

	c.JSON(http.StatusOK, changeResponsePayload{
		Username:         result.Current,
		PreviousUsername: result.Previous,
		ChangeCount:      result.ChangeCount,
		ChangedAtSeconds: result.ChangedAt.Unix(),
		RewrittenLinks:   result.RewrittenLinks,
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	entries, err := h.handles.History(c.Request.Context(), accountID(c))
	if err != nil {
		writeHandleError(c, err, "history_failed")
		return
	}

	response := historyResponsePayload{History: make([]historyEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		response.History = append(response.History, historyEntryPayload{
			OldUsername:      entry.OldUsername,
			ChangedAtSeconds: entry.ChangedAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteAccount(c *gin.Context) {
	id := accountID(c)
	if err := h.handles.DeleteAccount(c.Request.Context(), id); err != nil {
		writeHandleError(c, err, "delete_failed")
		return
	}
	h.users.Forget(id)
	c.Status(http.StatusNoContent)
}

// writeHandleError maps policy rejections to client statuses and everything
// else to a 500 carrying failureCode.
func writeHandleError(c *gin.Context, err error, failureCode string) {
	var rejection *handles.Rejection
	if !errors.As(err, &rejection) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": failureCode})
		return
	}

	body := gin.H{"error": string(rejection.Reason), "message": rejection.Message()}
	status := http.StatusBadRequest
	switch {
	case errors.Is(rejection, handles.ErrCooldown):
		status = http.StatusTooManyRequests
		body["days_remaining"] = rejection.DaysRemaining
		c.Header("Retry-After", retryAfterSeconds(rejection.DaysRemaining))
	case errors.Is(rejection, handles.ErrConflict):
		status = http.StatusConflict
		if rejection.Reason == handles.ReasonPreviouslyUsed {
			body["months_remaining"] = rejection.MonthsRemaining
		}
	case errors.Is(rejection, handles.ErrNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, body)
}

func retryAfterSeconds(days int) string {
	return strconv.Itoa(int((time.Duration(days) * 24 * time.Hour).Seconds()))
}
