package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/handles"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/pages"
	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
	testIssuer        = "tauth"
	testAdminToken    = "admin-token"
	jsonContentType   = "application/json"
)

type testServer struct {
	handler http.Handler
	cache   *handles.RedirectCache
	db      *gorm.DB
}

type testServerOptions struct {
	logger    *zap.Logger
	rateLimit *RateLimiter
}

func newTestServer(testContext *testing.T, options testServerOptions) *testServer {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := handles.NewRedirectCache(handles.CacheConfig{Source: handles.NewStoreSource(db), Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build cache: %v", err)
	}
	pageStore := pages.NewStore(db, "pagelink.example")
	handleService, err := handles.NewService(handles.ServiceConfig{
		Database:   db,
		Cache:      cache,
		Pages:      pageStore,
		IDProvider: handles.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handle service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}
	accountStore := users.NewStore(db)
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to build session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		HandleService:    handleService,
		RedirectCache:    cache,
		Resolver:         handles.NewResolver(accountStore, cache, logger),
		UserService:      userService,
		AccountStore:     accountStore,
		PageStore:        pageStore,
		SessionValidator: validator,
		RateLimiter:      options.rateLimit,
		AdminToken:       testAdminToken,
		Logger:           logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, cache: cache, db: db}
}

func mintSessionToken(testContext *testing.T, userID string) string {
	testContext.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    userID,
		UserEmail: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(testContext *testing.T, method, target, session string, body any) *httptest.ResponseRecorder {
	testContext.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if session != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: session})
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(testContext *testing.T, recorder *httptest.ResponseRecorder, want int) {
	testContext.Helper()
	if recorder.Code != want {
		testContext.Fatalf("unexpected status code: got %d, want %d (body %s)", recorder.Code, want, recorder.Body.String())
	}
}

func newRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, http.NoBody)
}

func serve(handler http.Handler, request *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}
