package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/auth"
	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/message"
	"github.com/MeridianWorksLab/compass/backend/internal/orchestration"
	"github.com/MeridianWorksLab/compass/backend/internal/presence"
)

const (
	userIDContextKey      = "compass_user_id"
	displayNameContextKey = "compass_display_name"
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingDocumentService = errors.New("document service dependency required")
	errMissingPresenceTracker = errors.New("presence tracker dependency required")
	errMissingIDProvider      = errors.New("id provider dependency required")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	Issue(userID, displayName string) (string, int64, error)
	Validate(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// AssistantPipeline runs one agent request. Optional; without it the
// assistant endpoint reports unavailable.
type AssistantPipeline interface {
	Run(ctx context.Context, req orchestration.Request, emit orchestration.Emitter) (orchestration.RunResult, error)
}

// Dependencies wires the HTTP and realtime surface.
type Dependencies struct {
	TokenManager    TokenManager
	Documents       *document.Service
	Presence        *presence.Tracker
	Assistant       AssistantPipeline
	IDProvider      document.IDProvider
	DefaultDocument string
	Logger          *zap.Logger
}

// RealtimeServer owns the websocket hub and the handlers behind the router.
type RealtimeServer struct {
	tokens          TokenManager
	documents       *document.Service
	presence        *presence.Tracker
	assistant       AssistantPipeline
	ids             document.IDProvider
	defaultDocument string
	hub             *Hub
	upgrader        websocket.Upgrader
	logger          *zap.Logger
}

// NewHTTPHandler validates the dependencies and builds the full route tree.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	server, err := NewRealtimeServer(deps)
	if err != nil {
		return nil, err
	}
	return server.Router(), nil
}

// NewRealtimeServer constructs the server without binding routes, mostly for
// tests that talk to handlers directly.
func NewRealtimeServer(deps Dependencies) (*RealtimeServer, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceTracker
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeServer{
		tokens:          deps.TokenManager,
		documents:       deps.Documents,
		presence:        deps.Presence,
		assistant:       deps.Assistant,
		ids:             deps.IDProvider,
		defaultDocument: deps.DefaultDocument,
		hub:             NewHub(),
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:          logger,
	}, nil
}

// Router builds the gin route tree.
func (s *RealtimeServer) Router() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", s.handleHealth)
	router.POST("/auth/session", s.handleIssueSession)
	router.GET("/realtime/ws", s.handleRealtime)

	protected := router.Group("/")
	protected.Use(s.authorizeRequest)
	protected.POST("/documents", s.handleCreateDocument)
	protected.GET("/documents/:id", s.handleFetchDocument)
	protected.GET("/documents/:id/operations", s.handleOperationsSince)
	protected.POST("/documents/:id/sync", s.handleSynchronize)
	protected.GET("/documents/:id/presence", s.handlePresence)
	protected.POST("/assistant/message", s.handleAssistantMessage)

	return router
}

func (s *RealtimeServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *RealtimeServer) handleIssueSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := s.tokens.Issue(request.UserID, request.DisplayName)
	if err != nil {
		s.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (s *RealtimeServer) authorizeRequest(c *gin.Context) {
	claims, err := s.tokens.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(displayNameContextKey, claims.DisplayName)
	c.Next()
}

type createDocumentPayload struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

type documentResponsePayload struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
	Checksum   string `json:"checksum"`
}

func documentResponse(state document.State) documentResponsePayload {
	return documentResponsePayload{
		DocumentID: state.DocumentID,
		Title:      state.Title,
		Content:    state.Content,
		Version:    state.Version,
		Checksum:   state.Checksum,
	}
}

func (s *RealtimeServer) handleCreateDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	documentID := request.DocumentID
	if documentID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "id_generation_failed"})
			return
		}
		documentID = id
	}

	state, err := s.documents.CreateDocument(c.Request.Context(), documentID, request.Title, request.Content, userID)
	if err != nil {
		var serviceErr *document.ServiceError
		if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "already_exists") {
			c.JSON(http.StatusConflict, gin.H{"error": serviceErr.Code()})
			return
		}
		s.logger.Error("document create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, documentResponse(state))
}

func (s *RealtimeServer) handleFetchDocument(c *gin.Context) {
	state, err := s.documents.FetchDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		var serviceErr *document.ServiceError
		if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "not_found") {
			c.JSON(http.StatusNotFound, gin.H{"error": serviceErr.Code()})
			return
		}
		s.logger.Error("document fetch failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	c.JSON(http.StatusOK, documentResponse(state))
}

type operationEntryPayload struct {
	EntryID       string `json:"entry_id"`
	OpType        string `json:"op_type"`
	Position      int    `json:"position"`
	Content       string `json:"content,omitempty"`
	Length        int    `json:"length,omitempty"`
	UserID        string `json:"user_id"`
	VersionBefore int64  `json:"version_before"`
	VersionAfter  int64  `json:"version_after"`
	Checksum      string `json:"checksum"`
}

func (s *RealtimeServer) handleOperationsSince(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}

	entries, err := s.documents.OperationsSince(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		s.logger.Error("operation log query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log_query_failed"})
		return
	}

	response := make([]operationEntryPayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, operationEntryPayload{
			EntryID:       entry.EntryID,
			OpType:        entry.OpType,
			Position:      entry.OpPosition,
			Content:       entry.OpContent,
			Length:        entry.OpLength,
			UserID:        entry.UserID,
			VersionBefore: entry.VersionBefore,
			VersionAfter:  entry.VersionAfter,
			Checksum:      entry.Checksum,
		})
	}
	c.JSON(http.StatusOK, gin.H{"operations": response})
}

type synchronizeRequestPayload struct {
	SessionID  string                     `json:"session_id"`
	Operations []message.OperationPayload `json:"operations"`
}

func (s *RealtimeServer) handleSynchronize(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request synchronizeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Operations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ops := make([]document.Operation, 0, len(request.Operations))
	for _, payload := range request.Operations {
		opType, err := document.ParseOperationType(payload.Type)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		ops = append(ops, document.Operation{
			Type:       opType,
			Position:   payload.Position,
			Content:    payload.Content,
			Length:     payload.Length,
			Attributes: payload.Attributes,
			Timestamp:  payload.Timestamp,
			UserID:     userID,
			Version:    payload.Version,
		})
	}

	result, err := s.documents.SynchronizeDocument(c.Request.Context(), c.Param("id"), ops, request.SessionID)
	if err != nil {
		s.logger.Error("document synchronize failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, message.DocumentSyncPayload{
		Applied:    result.Applied,
		NewVersion: result.NewVersion,
		Checksum:   result.Checksum,
	})
}

func (s *RealtimeServer) handlePresence(c *gin.Context) {
	participants := s.presence.ActiveUsers(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

type assistantRequestPayload struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
	SessionID  string `json:"session_id"`
}

type assistantResponsePayload struct {
	TraceID  string                       `json:"trace_id"`
	State    string                       `json:"state"`
	Actions  []orchestration.ActionRecord `json:"actions"`
	Response string                       `json:"response"`
}

// handleAssistantMessage runs the agent pipeline. When the caller names a
// live websocket session, progress events stream there while the run is in
// flight; the final summary always comes back in the HTTP response.
func (s *RealtimeServer) handleAssistantMessage(c *gin.Context) {
	if s.assistant == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "assistant_unavailable"})
		return
	}
	userID := c.GetString(userIDContextKey)

	var request assistantRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	emit := orchestration.EmitterFunc(func(envelope message.Envelope) {
		if request.SessionID == "" {
			return
		}
		s.hub.SendToSession(request.SessionID, envelope)
	})

	result, err := s.assistant.Run(c.Request.Context(), orchestration.Request{
		UserID:     userID,
		SessionID:  request.SessionID,
		DocumentID: request.DocumentID,
		Message:    request.Message,
	}, emit)
	if err != nil {
		s.logger.Error("assistant run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "assistant_failed"})
		return
	}
	c.JSON(http.StatusOK, assistantResponsePayload{
		TraceID:  result.TraceID,
		State:    string(result.FinalState),
		Actions:  result.Actions,
		Response: result.Response,
	})
}

// handleRealtime upgrades the connection and runs the session until the
// client goes away. The read loop blocks the handler on purpose so the
// request context stays alive for the whole session.
func (s *RealtimeServer) handleRealtime(c *gin.Context) {
	claims, err := s.tokens.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	sessionID, err := s.ids.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_id_failed"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &client{
		server:    s,
		conn:      conn,
		send:      make(chan message.Envelope, clientSendBuffer),
		userID:    claims.UserID,
		sessionID: sessionID,
	}
	session.closeOnce = sync.OnceFunc(func() { close(session.send) })

	s.hub.register(session)
	s.logger.Info("realtime session opened",
		zap.String("user_id", claims.UserID),
		zap.String("session_id", sessionID))

	go session.writeLoop()
	session.readLoop(c.Request.Context())

	s.logger.Info("realtime session closed", zap.String("session_id", sessionID))
}
