package message

import "time"

// OperationPayload is the wire shape of a single document edit.
type OperationPayload struct {
	Type       string            `json:"type"`
	Position   int               `json:"position"`
	Content    string            `json:"content,omitempty"`
	Length     int               `json:"length,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"user_id"`
	Version    int64             `json:"version"`
}

// JoinDocumentPayload carries the initial presence status for a join.
type JoinDocumentPayload struct {
	Status string `json:"status,omitempty"`
}

// DocumentEditPayload submits a client edit against an expected version.
type DocumentEditPayload struct {
	Operation OperationPayload `json:"operation"`
	Version   int64            `json:"version"`
	Checksum  string           `json:"checksum,omitempty"`
}

// CursorMovePayload reports a cursor or selection change.
type CursorMovePayload struct {
	CursorPosition int `json:"cursor_position"`
	SelectionStart int `json:"selection_start,omitempty"`
	SelectionEnd   int `json:"selection_end,omitempty"`
}

// PresenceUpdatePayload switches a session between viewing, editing and idle.
type PresenceUpdatePayload struct {
	Status string `json:"status"`
}

// DocumentStatePayload is the authoritative snapshot sent on join and resync.
type DocumentStatePayload struct {
	DocumentID string `json:"document_id"`
	Content    string `json:"content"`
	Version    int64  `json:"version"`
	Checksum   string `json:"checksum"`
}

// UserJoinedPayload announces a session entering a document room.
type UserJoinedPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// UserLeftPayload announces a session leaving a document room.
type UserLeftPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// CursorUpdatePayload relays another session's cursor movement.
type CursorUpdatePayload struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	CursorPosition int    `json:"cursor_position"`
	SelectionStart int    `json:"selection_start,omitempty"`
	SelectionEnd   int    `json:"selection_end,omitempty"`
}

// DocumentOperationPayload broadcasts an applied operation to the room.
type DocumentOperationPayload struct {
	Operation OperationPayload `json:"operation"`
	Version   int64            `json:"version"`
	Checksum  string           `json:"checksum"`
	Conflicts int              `json:"conflicts,omitempty"`
}

// DocumentSyncPayload acknowledges a bulk catch-up submission.
type DocumentSyncPayload struct {
	Applied    int    `json:"applied"`
	NewVersion int64  `json:"new_version"`
	Checksum   string `json:"checksum"`
}

// ActionEventPayload streams orchestration pipeline progress.
type ActionEventPayload struct {
	TraceID    string `json:"trace_id"`
	Stage      string `json:"stage"`
	ActionType string `json:"action_type,omitempty"`
	Status     string `json:"status,omitempty"`
	Detail     string `json:"detail,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty"`
}

// ResponseChunkPayload streams response text in word-sized chunks.
type ResponseChunkPayload struct {
	TraceID string `json:"trace_id"`
	Chunk   string `json:"chunk"`
	Done    bool   `json:"done,omitempty"`
}

// ErrorPayload reports a recoverable failure back to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
