package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type discriminates envelopes on the realtime channel.
type Type string

// Client-to-server message types.
const (
	TypeJoinDocument   Type = "join_document"
	TypeLeaveDocument  Type = "leave_document"
	TypeDocumentEdit   Type = "document_edit"
	TypeCursorMove     Type = "cursor_move"
	TypePresenceUpdate Type = "presence_update"
	TypePing           Type = "ping"
)

// Server-to-client message types.
const (
	TypeDocumentState     Type = "document_state"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeCursorUpdate      Type = "cursor_update"
	TypeDocumentOperation Type = "document_operation"
	TypeDocumentSync      Type = "document_sync"
	TypePong              Type = "pong"
	TypeActionStart       Type = "action_start"
	TypeActionProgress    Type = "action_progress"
	TypeActionComplete    Type = "action_complete"
	TypeResponseChunk     Type = "response_chunk"
	TypeError             Type = "error"
)

// TypeReconnectFailed is emitted locally by the transport once reconnection is
// abandoned; it never travels over the wire.
const TypeReconnectFailed Type = "reconnect:failed"

var (
	// ErrMissingType indicates an envelope without a type discriminator.
	ErrMissingType = errors.New("message: envelope type required")
	// ErrEmptyPayload indicates a decode attempt on an envelope without payload.
	ErrEmptyPayload = errors.New("message: envelope payload empty")
)

// Envelope is the JSON frame exchanged over the realtime connection.
type Envelope struct {
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"user_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
}

// New builds an envelope with the payload marshalled in place.
func New(messageType Type, payload any) (Envelope, error) {
	if messageType == "" {
		return Envelope{}, ErrMissingType
	}
	envelope := Envelope{
		Type:      messageType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("message: encode %s payload: %w", messageType, err)
		}
		envelope.Payload = encoded
	}
	return envelope, nil
}

// Decode unmarshals the envelope payload into the provided value.
func (e Envelope) Decode(value any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(e.Payload, value)
}
