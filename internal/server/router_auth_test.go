package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newSessionOnlyHandler(testContext *testing.T, logger *zap.Logger) *httpHandler {
	testContext.Helper()
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}
	return &httpHandler{sessions: validator, logger: logger}
}

func TestRequireSessionLogsMissingTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/api/usernames/history", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := newSessionOnlyHandler(t, zap.New(core))

	handler.requireSession(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for missing token, got %s", entry.Level)
	}
	if entry.Message != "session validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasMissing := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrMissingSessionToken) {
			hasMissing = true
			break
		}
	}
	if !hasMissing {
		t.Fatalf("expected missing token error context, got %v", entry.Context)
	}
}

func TestRequireSessionLogsForgedTokenAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/usernames/history", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: "not-a-jwt"})
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := newSessionOnlyHandler(t, zap.New(core))

	handler.requireSession(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for forged token, got %s", entries[0].Level)
	}
}

func TestRequireSessionStoresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/api/usernames/history", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: mintSessionToken(t, "google:claims-sub")})
	ctx.Request = request

	handler := newSessionOnlyHandler(t, zap.NewNop())
	handler.requireSession(ctx)

	claims, ok := sessionClaims(ctx)
	if !ok {
		t.Fatalf("expected claims to be stored on the context")
	}
	if claims.UserID != "google:claims-sub" {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestRequireAdminRejectsMissingToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/admin/redirects/rebuild", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{adminToken: testAdminToken, logger: zap.New(core)}

	handler.requireAdmin(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if logs.FilterMessage("admin authorization failed").Len() != 1 {
		t.Fatalf("expected admin failure to be logged")
	}
}
