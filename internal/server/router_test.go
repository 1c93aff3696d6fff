package server

import (
	"net/http"
	"testing"
)

func TestUsernameLifecycleFlow(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	aliceSession := mintSessionToken(testContext, "google:alice-sub")
	strangerSession := mintSessionToken(testContext, "google:stranger-sub")

	signup := server.do(testContext, http.MethodPost, "/api/accounts", aliceSession, map[string]string{"username": "alice"})
	expectStatus(testContext, signup, http.StatusCreated)

	duplicate := server.do(testContext, http.MethodPost, "/api/accounts", aliceSession, map[string]string{"username": "alice-2"})
	expectStatus(testContext, duplicate, http.StatusConflict)

	link := server.do(testContext, http.MethodPost, "/api/links", aliceSession, map[string]string{"code": "cv", "target_url": "/alice/resume"})
	expectStatus(testContext, link, http.StatusCreated)
	page := server.do(testContext, http.MethodPost, "/api/pages", aliceSession, map[string]string{"slug": "resume", "title": "Curriculum"})
	expectStatus(testContext, page, http.StatusCreated)

	change := server.do(testContext, http.MethodPost, "/api/usernames", aliceSession, map[string]string{"username": "alicia"})
	expectStatus(testContext, change, http.StatusOK)
	changed := decodeBody(testContext, change)
	if changed["username"] != "alicia" || changed["previous_username"] != "alice" {
		testContext.Fatalf("unexpected change payload: %v", changed)
	}
	if changed["rewritten_links"] != float64(1) {
		testContext.Fatalf("expected one rewritten link, got %v", changed["rewritten_links"])
	}

	redirect := server.do(testContext, http.MethodGet, "/alice/resume?from=card", "", nil)
	expectStatus(testContext, redirect, http.StatusMovedPermanently)
	if location := redirect.Header().Get("Location"); location != "/alicia/resume?from=card" {
		testContext.Fatalf("unexpected redirect location: %q", location)
	}

	live := server.do(testContext, http.MethodGet, "/alicia/resume", "", nil)
	expectStatus(testContext, live, http.StatusOK)
	if decodeBody(testContext, live)["title"] != "Curriculum" {
		testContext.Fatalf("unexpected page payload: %s", live.Body.String())
	}
	defaultPage := server.do(testContext, http.MethodGet, "/alicia", "", nil)
	expectStatus(testContext, defaultPage, http.StatusOK)

	shortLink := server.do(testContext, http.MethodGet, "/s/cv", "", nil)
	expectStatus(testContext, shortLink, http.StatusFound)
	if location := shortLink.Header().Get("Location"); location != "/alicia/resume" {
		testContext.Fatalf("expected rewritten short link, got %q", location)
	}

	cooldown := server.do(testContext, http.MethodPost, "/api/usernames", aliceSession, map[string]string{"username": "alicia-2"})
	expectStatus(testContext, cooldown, http.StatusTooManyRequests)
	if decodeBody(testContext, cooldown)["days_remaining"] != float64(30) {
		testContext.Fatalf("unexpected cooldown payload: %s", cooldown.Body.String())
	}
	if cooldown.Header().Get("Retry-After") != "2592000" {
		testContext.Fatalf("unexpected Retry-After: %q", cooldown.Header().Get("Retry-After"))
	}

	strangerSignup := server.do(testContext, http.MethodPost, "/api/accounts", strangerSession, map[string]string{"username": "alice"})
	expectStatus(testContext, strangerSignup, http.StatusConflict)
	refused := decodeBody(testContext, strangerSignup)
	if refused["error"] != "previously_used" || refused["months_remaining"] != float64(6) {
		testContext.Fatalf("unexpected refusal payload: %v", refused)
	}

	ownAvailability := server.do(testContext, http.MethodGet, "/api/usernames/availability?username=alice", aliceSession, nil)
	expectStatus(testContext, ownAvailability, http.StatusOK)
	if decodeBody(testContext, ownAvailability)["is_own_old_username"] != true {
		testContext.Fatalf("expected own old username flag: %s", ownAvailability.Body.String())
	}
	anonymousAvailability := server.do(testContext, http.MethodGet, "/api/usernames/availability?username=alice", "", nil)
	expectStatus(testContext, anonymousAvailability, http.StatusOK)
	if decodeBody(testContext, anonymousAvailability)["available"] != false {
		testContext.Fatalf("expected alice to be held: %s", anonymousAvailability.Body.String())
	}

	history := server.do(testContext, http.MethodGet, "/api/usernames/history", aliceSession, nil)
	expectStatus(testContext, history, http.StatusOK)
	entries, _ := decodeBody(testContext, history)["history"].([]any)
	if len(entries) != 1 {
		testContext.Fatalf("expected one history entry, got %s", history.Body.String())
	}

	deleted := server.do(testContext, http.MethodDelete, "/api/accounts/me", aliceSession, nil)
	expectStatus(testContext, deleted, http.StatusNoContent)

	gone := server.do(testContext, http.MethodGet, "/alice", "", nil)
	expectStatus(testContext, gone, http.StatusNotFound)
	goneCurrent := server.do(testContext, http.MethodGet, "/alicia", "", nil)
	expectStatus(testContext, goneCurrent, http.StatusNotFound)
	afterDelete := server.do(testContext, http.MethodGet, "/api/usernames/history", aliceSession, nil)
	expectStatus(testContext, afterDelete, http.StatusForbidden)
}

func TestChangeUsernameValidationStatuses(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	session := mintSessionToken(testContext, "google:validation-sub")
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/accounts", session, map[string]string{"username": "valid-name"}), http.StatusCreated)
	otherSession := mintSessionToken(testContext, "google:other-sub")
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/accounts", otherSession, map[string]string{"username": "taken-name"}), http.StatusCreated)

	cases := []struct {
		username string
		status   int
		reason   string
	}{
		{username: "ab", status: http.StatusBadRequest, reason: "invalid_format"},
		{username: "Upper", status: http.StatusBadRequest, reason: "invalid_format"},
		{username: "settings", status: http.StatusBadRequest, reason: "reserved"},
		{username: "taken-name", status: http.StatusConflict, reason: "already_taken"},
		{username: "valid-name", status: http.StatusConflict, reason: "same_username"},
	}
	for _, tc := range cases {
		response := server.do(testContext, http.MethodPost, "/api/usernames", session, map[string]string{"username": tc.username})
		expectStatus(testContext, response, tc.status)
		if reason := decodeBody(testContext, response)["error"]; reason != tc.reason {
			testContext.Fatalf("username %q: expected reason %s, got %v", tc.username, tc.reason, reason)
		}
	}
}

func TestProtectedRoutesRequireSessionAndAccount(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})

	anonymous := server.do(testContext, http.MethodPost, "/api/usernames", "", map[string]string{"username": "anything"})
	expectStatus(testContext, anonymous, http.StatusUnauthorized)

	unregistered := server.do(testContext, http.MethodGet, "/api/usernames/history", mintSessionToken(testContext, "google:nobody"), nil)
	expectStatus(testContext, unregistered, http.StatusForbidden)
}

func TestResolverNotFoundAndExcludedPaths(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})

	expectStatus(testContext, server.do(testContext, http.MethodGet, "/nobody-here", "", nil), http.StatusNotFound)
	expectStatus(testContext, server.do(testContext, http.MethodGet, "/settings", "", nil), http.StatusNotFound)
	expectStatus(testContext, server.do(testContext, http.MethodGet, "/healthz", "", nil), http.StatusOK)
	expectStatus(testContext, server.do(testContext, http.MethodGet, "/s/unknown", "", nil), http.StatusNotFound)
}

func TestLiveHandleCaseRedirect(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	session := mintSessionToken(testContext, "google:case-sub")
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/accounts", session, map[string]string{"username": "casey"}), http.StatusCreated)

	response := server.do(testContext, http.MethodGet, "/Casey", "", nil)

	expectStatus(testContext, response, http.StatusMovedPermanently)
	if location := response.Header().Get("Location"); location != "/casey" {
		testContext.Fatalf("unexpected location: %q", location)
	}
}

func TestAdminRebuildRequiresToken(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})

	denied := server.do(testContext, http.MethodPost, "/admin/redirects/rebuild", "", nil)
	expectStatus(testContext, denied, http.StatusUnauthorized)

	request := newRequest(http.MethodPost, "/admin/redirects/rebuild")
	request.Header.Set("Authorization", "Bearer "+testAdminToken)
	recorder := serve(server.handler, request)
	expectStatus(testContext, recorder, http.StatusOK)
	if !server.cache.Initialized() {
		testContext.Fatalf("expected cache to be initialized after rebuild")
	}
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingHandleService {
		testContext.Fatalf("expected missing handle service error, got %v", err)
	}
}

func TestVacatedHandleRedirectKeepsEscapedPath(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	session := mintSessionToken(testContext, "google:bob-sub")
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/accounts", session, map[string]string{"username": "bob"}), http.StatusCreated)
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/usernames", session, map[string]string{"username": "bobby"}), http.StatusOK)

	response := server.do(testContext, http.MethodGet, "/bob/q%3Fa%2Fb%23c?x=1", "", nil)

	expectStatus(testContext, response, http.StatusMovedPermanently)
	if location := response.Header().Get("Location"); location != "/bobby/q%3Fa%2Fb%23c?x=1" {
		testContext.Fatalf("unexpected location: %q", location)
	}
}

func TestChangeUsernameRefusesOwnPageSlug(testContext *testing.T) {
	server := newTestServer(testContext, testServerOptions{})
	session := mintSessionToken(testContext, "google:carla-sub")
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/accounts", session, map[string]string{"username": "carla"}), http.StatusCreated)
	expectStatus(testContext, server.do(testContext, http.MethodPost, "/api/pages", session, map[string]string{"slug": "carlita", "title": "Draft"}), http.StatusCreated)

	response := server.do(testContext, http.MethodPost, "/api/usernames", session, map[string]string{"username": "carlita"})

	expectStatus(testContext, response, http.StatusConflict)
	if reason := decodeBody(testContext, response)["error"]; reason != "page_slug_in_use" {
		testContext.Fatalf("unexpected reason: %v", reason)
	}
}
