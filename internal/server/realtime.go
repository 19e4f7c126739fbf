package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/message"
	"github.com/MeridianWorksLab/compass/backend/internal/presence"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 10 * time.Second
	readLimitBytes   = 1 << 20
)

// client is one live websocket session. Outbound delivery goes through a
// buffered channel; when it fills, messages to this session are dropped.
type client struct {
	server *RealtimeServer

	conn      *websocket.Conn
	send      chan message.Envelope
	closeOnce func()

	userID     string
	sessionID  string
	documentID string
}

func (c *client) deliver(envelope message.Envelope) {
	select {
	case c.send <- envelope:
	default:
		c.server.logger.Warn("dropping message for slow session",
			zap.String("session_id", c.sessionID),
			zap.String("type", string(envelope.Type)))
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for envelope := range c.send {
		payload, err := json.Marshal(envelope)
		if err != nil {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (c *client) readLoop(ctx context.Context) {
	defer c.teardown()
	c.conn.SetReadLimit(readLimitBytes)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope message.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.server.logger.Warn("dropping malformed client message",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
			continue
		}
		c.handleEnvelope(ctx, envelope)
	}
}

// teardown runs once per connection: the session leaves its room, presence
// is released and the peers are told.
func (c *client) teardown() {
	if c.documentID != "" {
		c.announceLeave(context.Background())
	}
	c.server.hub.unregister(c)
	c.closeOnce()
}

func (c *client) handleEnvelope(ctx context.Context, envelope message.Envelope) {
	switch envelope.Type {
	case message.TypeJoinDocument:
		c.handleJoin(ctx, envelope)
	case message.TypeLeaveDocument:
		c.handleLeave(ctx)
	case message.TypeDocumentEdit:
		c.handleEdit(ctx, envelope)
	case message.TypeCursorMove:
		c.handleCursorMove(ctx, envelope)
	case message.TypePresenceUpdate:
		c.handlePresenceUpdate(ctx, envelope)
	case message.TypePing:
		c.handlePing(ctx)
	default:
		c.sendError("unknown_type", "unsupported message type "+string(envelope.Type))
	}
}

func (c *client) handleJoin(ctx context.Context, envelope message.Envelope) {
	documentID := envelope.DocumentID
	if documentID == "" {
		documentID = c.server.defaultDocument
	}
	if documentID == "" {
		c.sendError("missing_document", "join requires a document id")
		return
	}

	var payload message.JoinDocumentPayload
	if len(envelope.Payload) > 0 {
		_ = envelope.Decode(&payload)
	}

	state, err := c.server.documents.FetchDocument(ctx, documentID)
	if err != nil {
		c.sendError("document_unavailable", err.Error())
		return
	}

	if c.documentID != "" && c.documentID != documentID {
		c.announceLeave(ctx)
	}
	c.documentID = documentID
	c.server.hub.join(documentID, c)

	joinErr := c.server.presence.RecordJoin(ctx, documentID, presence.Participant{
		UserID:    c.userID,
		SessionID: c.sessionID,
		Status:    payload.Status,
	})
	if joinErr != nil {
		c.server.logger.Warn("presence join failed",
			zap.String("session_id", c.sessionID),
			zap.Error(joinErr))
	}

	c.sendPayload(message.TypeDocumentState, message.DocumentStatePayload{
		DocumentID: state.DocumentID,
		Content:    state.Content,
		Version:    state.Version,
		Checksum:   state.Checksum,
	})

	joined, err := message.New(message.TypeUserJoined, message.UserJoinedPayload{
		UserID:    c.userID,
		SessionID: c.sessionID,
		Status:    payload.Status,
	})
	if err == nil {
		joined.DocumentID = documentID
		c.server.hub.Broadcast(documentID, joined, c.sessionID)
	}
}

func (c *client) handleLeave(ctx context.Context) {
	if c.documentID == "" {
		return
	}
	c.announceLeave(ctx)
	c.documentID = ""
}

func (c *client) announceLeave(ctx context.Context) {
	documentID := c.documentID
	c.server.hub.leave(documentID, c)
	c.server.presence.RecordLeave(ctx, documentID, c.userID, c.sessionID)

	left, err := message.New(message.TypeUserLeft, message.UserLeftPayload{
		UserID:    c.userID,
		SessionID: c.sessionID,
	})
	if err == nil {
		left.DocumentID = documentID
		c.server.hub.Broadcast(documentID, left, c.sessionID)
	}
}

func (c *client) handleEdit(ctx context.Context, envelope message.Envelope) {
	if c.documentID == "" {
		c.sendError("not_joined", "join a document before editing")
		return
	}
	var payload message.DocumentEditPayload
	if err := envelope.Decode(&payload); err != nil {
		c.sendError("invalid_payload", err.Error())
		return
	}

	opType, err := document.ParseOperationType(payload.Operation.Type)
	if err != nil {
		c.sendError("invalid_operation", err.Error())
		return
	}
	op := document.Operation{
		Type:       opType,
		Position:   payload.Operation.Position,
		Content:    payload.Operation.Content,
		Length:     payload.Operation.Length,
		Attributes: payload.Operation.Attributes,
		Timestamp:  payload.Operation.Timestamp,
		UserID:     c.userID,
		Version:    payload.Version,
	}

	result, err := c.server.documents.ApplyOperation(ctx, c.documentID, op, payload.Version, c.sessionID)
	if err != nil {
		c.sendError("apply_failed", err.Error())
		return
	}

	// Echo and broadcast carry the operation as applied, not as submitted:
	// a transformed position is the one peers must replay.
	resolved := result.ResolvedOperation
	applied := message.DocumentOperationPayload{
		Operation: message.OperationPayload{
			Type:      string(resolved.Type),
			Position:  resolved.Position,
			Content:   resolved.Content,
			Length:    resolved.Length,
			Timestamp: resolved.Timestamp,
			UserID:    resolved.UserID,
			Version:   result.NewVersion,
		},
		Version:   result.NewVersion,
		Checksum:  result.Checksum,
		Conflicts: len(result.Conflicts),
	}
	c.sendPayload(message.TypeDocumentOperation, applied)

	broadcast, err := message.New(message.TypeDocumentOperation, applied)
	if err == nil {
		broadcast.DocumentID = c.documentID
		broadcast.UserID = c.userID
		c.server.hub.Broadcast(c.documentID, broadcast, c.sessionID)
	}
}

func (c *client) handleCursorMove(ctx context.Context, envelope message.Envelope) {
	if c.documentID == "" {
		return
	}
	var payload message.CursorMovePayload
	if err := envelope.Decode(&payload); err != nil {
		return
	}

	c.server.presence.RecordCursor(ctx, c.documentID, c.userID, c.sessionID, presence.CursorState{
		Position:       payload.CursorPosition,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	})

	update, err := message.New(message.TypeCursorUpdate, message.CursorUpdatePayload{
		UserID:         c.userID,
		SessionID:      c.sessionID,
		CursorPosition: payload.CursorPosition,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	})
	if err == nil {
		update.DocumentID = c.documentID
		c.server.hub.Broadcast(c.documentID, update, c.sessionID)
	}
}

func (c *client) handlePresenceUpdate(ctx context.Context, envelope message.Envelope) {
	if c.documentID == "" {
		return
	}
	var payload message.PresenceUpdatePayload
	if err := envelope.Decode(&payload); err != nil {
		return
	}
	err := c.server.presence.RecordJoin(ctx, c.documentID, presence.Participant{
		UserID:    c.userID,
		SessionID: c.sessionID,
		Status:    payload.Status,
	})
	if err != nil {
		c.server.logger.Warn("presence update failed",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
	}
}

// handlePing answers pong and counts as presence activity: an idle session
// that keeps heartbeating must not age out of the active set.
func (c *client) handlePing(ctx context.Context) {
	if c.documentID != "" {
		c.server.presence.Touch(ctx, c.documentID, c.userID, c.sessionID)
	}
	c.sendPayload(message.TypePong, map[string]int64{"server_time": time.Now().Unix()})
}

func (c *client) sendPayload(messageType message.Type, payload any) {
	envelope, err := message.New(messageType, payload)
	if err != nil {
		return
	}
	envelope.SessionID = c.sessionID
	if c.documentID != "" {
		envelope.DocumentID = c.documentID
	}
	c.deliver(envelope)
}

func (c *client) sendError(code, detail string) {
	c.sendPayload(message.TypeError, message.ErrorPayload{Code: code, Message: detail})
}
