package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/MeridianWorksLab/compass/backend/internal/auth"
	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/presence"
)

func newTestServer(t *testing.T) (*RealtimeServer, http.Handler) {
	t.Helper()
	return newTestServerWithPresence(t, presence.NewTracker(presence.TrackerConfig{}))
}

func newTestServerWithPresence(t *testing.T, tracker *presence.Tracker) (*RealtimeServer, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:compass_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&document.State{}, &document.OperationLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	documents, err := document.NewService(document.ServiceConfig{
		Database:   db,
		IDProvider: document.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build document service: %v", err)
	}
	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "compass-api",
	})
	if err != nil {
		t.Fatalf("failed to build token service: %v", err)
	}

	server, err := NewRealtimeServer(Dependencies{
		TokenManager:    tokens,
		Documents:       documents,
		Presence:        tracker,
		IDProvider:      document.NewUUIDProvider(),
		DefaultDocument: "workspace-overview",
	})
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	return server, server.Router()
}

func issueToken(t *testing.T, handler http.Handler, userID string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "display_name": "Test User"})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/session", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("session issue failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response sessionResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("bad session response: %v", err)
	}
	if response.AccessToken == "" || response.TokenType != "Bearer" {
		t.Fatalf("unexpected session response: %+v", response)
	}
	return response.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthEndpointIsPublic(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	_, handler := newTestServer(t)
	recorder := doJSON(t, handler, http.MethodGet, "/documents/doc-1", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestDocumentLifecycleOverREST(t *testing.T) {
	_, handler := newTestServer(t)
	token := issueToken(t, handler, "user-a")

	created := doJSON(t, handler, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Title:      "Notes",
		Content:    "hello",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}

	duplicate := doJSON(t, handler, http.MethodPost, "/documents", token, createDocumentPayload{DocumentID: "doc-1"})
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", duplicate.Code)
	}

	fetched := doJSON(t, handler, http.MethodGet, "/documents/doc-1", token, nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("fetch failed: %d", fetched.Code)
	}
	var state documentResponsePayload
	if err := json.Unmarshal(fetched.Body.Bytes(), &state); err != nil {
		t.Fatalf("bad fetch response: %v", err)
	}
	if state.Content != "hello" || state.Version != 1 {
		t.Fatalf("unexpected document state: %+v", state)
	}

	missing := doJSON(t, handler, http.MethodGet, "/documents/ghost", token, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
}

func TestSynchronizeEndpointAppliesBatch(t *testing.T) {
	_, handler := newTestServer(t)
	token := issueToken(t, handler, "user-a")

	created := doJSON(t, handler, http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Content:    "hello",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	synced := doJSON(t, handler, http.MethodPost, "/documents/doc-1/sync", token, map[string]any{
		"session_id": "rest-session",
		"operations": []map[string]any{
			{"type": "insert", "position": 5, "content": " world", "version": 1},
			{"type": "insert", "position": 11, "content": "!", "version": 2},
		},
	})
	if synced.Code != http.StatusOK {
		t.Fatalf("sync failed: %d %s", synced.Code, synced.Body.String())
	}
	var result struct {
		Applied    int    `json:"applied"`
		NewVersion int64  `json:"new_version"`
		Checksum   string `json:"checksum"`
	}
	if err := json.Unmarshal(synced.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad sync response: %v", err)
	}
	if result.Applied != 2 || result.NewVersion != 3 {
		t.Fatalf("unexpected sync result: %+v", result)
	}

	operations := doJSON(t, handler, http.MethodGet, "/documents/doc-1/operations?since=1", token, nil)
	if operations.Code != http.StatusOK {
		t.Fatalf("operations query failed: %d", operations.Code)
	}
	var logPayload struct {
		Operations []operationEntryPayload `json:"operations"`
	}
	if err := json.Unmarshal(operations.Body.Bytes(), &logPayload); err != nil {
		t.Fatalf("bad operations response: %v", err)
	}
	if len(logPayload.Operations) != 2 {
		t.Fatalf("expected 2 log entries past version 1, got %d", len(logPayload.Operations))
	}
}

func TestAssistantEndpointWithoutPipelineReturnsUnavailable(t *testing.T) {
	_, handler := newTestServer(t)
	token := issueToken(t, handler, "user-a")

	recorder := doJSON(t, handler, http.MethodPost, "/assistant/message", token, assistantRequestPayload{
		Message: "save my notes",
	})
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a pipeline, got %d", recorder.Code)
	}
}
