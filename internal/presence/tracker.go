package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultTTL = 5 * time.Minute

var (
	errMissingUserID    = errors.New("user id is required")
	errMissingSessionID = errors.New("session id is required")
	noOpLogger          = zap.NewNop()
)

// Store mirrors presence state to an external backend so other instances can
// observe it. All Store calls are best-effort: failures are logged, never
// surfaced to the caller.
type Store interface {
	Upsert(ctx context.Context, documentID string, participant Participant, expiresAt time.Time) error
	Remove(ctx context.Context, documentID, userID, sessionID string) error
}

// Participant status values.
const (
	StatusViewing = "viewing"
	StatusEditing = "editing"
	StatusIdle    = "idle"
)

// Participant is one connected editing session. The same user editing from
// two tabs appears twice, once per session.
type Participant struct {
	UserID      string         `json:"user_id"`
	SessionID   string         `json:"session_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Cursor      *CursorState   `json:"cursor,omitempty"`
	Status      string         `json:"status,omitempty"`
	LastSeen    time.Time      `json:"last_seen"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CursorState is the participant's last reported selection.
type CursorState struct {
	Position       int `json:"position"`
	SelectionStart int `json:"selection_start"`
	SelectionEnd   int `json:"selection_end"`
}

type sessionKey struct {
	userID    string
	sessionID string
}

// TrackerConfig wires the tracker dependencies. Store and Logger are
// optional; TTL defaults to five minutes.
type TrackerConfig struct {
	TTL    time.Duration
	Clock  func() time.Time
	Store  Store
	Logger *zap.Logger
}

// Tracker keeps the authoritative in-process view of who is editing which
// document. Entries untouched for longer than the TTL are treated as gone.
type Tracker struct {
	mu     sync.RWMutex
	rooms  map[string]map[sessionKey]Participant
	ttl    time.Duration
	clock  func() time.Time
	store  Store
	logger *zap.Logger
}

// NewTracker constructs a Tracker from the supplied configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		rooms:  make(map[string]map[sessionKey]Participant),
		ttl:    ttl,
		clock:  clock,
		store:  cfg.Store,
		logger: logger,
	}
}

// RecordJoin registers a participant in a document room. Joining twice with
// the same user and session refreshes the existing entry instead of adding a
// duplicate.
func (t *Tracker) RecordJoin(ctx context.Context, documentID string, participant Participant) error {
	if participant.UserID == "" {
		return errMissingUserID
	}
	if participant.SessionID == "" {
		return errMissingSessionID
	}

	now := t.clock()
	participant.LastSeen = now
	if participant.Status == "" {
		participant.Status = StatusViewing
	}

	t.mu.Lock()
	room, ok := t.rooms[documentID]
	if !ok {
		room = make(map[sessionKey]Participant)
		t.rooms[documentID] = room
	}
	key := sessionKey{userID: participant.UserID, sessionID: participant.SessionID}
	if existing, ok := room[key]; ok && participant.Cursor == nil {
		participant.Cursor = existing.Cursor
	}
	room[key] = participant
	t.mu.Unlock()

	t.mirrorUpsert(ctx, documentID, participant, now.Add(t.ttl))
	return nil
}

// RecordLeave removes exactly the given user/session pair. Other sessions of
// the same user are untouched. Leaving an unknown pair is a no-op.
func (t *Tracker) RecordLeave(ctx context.Context, documentID, userID, sessionID string) {
	t.mu.Lock()
	if room, ok := t.rooms[documentID]; ok {
		delete(room, sessionKey{userID: userID, sessionID: sessionID})
		if len(room) == 0 {
			delete(t.rooms, documentID)
		}
	}
	t.mu.Unlock()

	t.mirrorRemove(ctx, documentID, userID, sessionID)
}

// RecordCursor updates a participant's cursor and refreshes its last-seen
// time. Updates for unknown participants are dropped.
func (t *Tracker) RecordCursor(ctx context.Context, documentID, userID, sessionID string, cursor CursorState) {
	now := t.clock()
	key := sessionKey{userID: userID, sessionID: sessionID}

	t.mu.Lock()
	room, ok := t.rooms[documentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	participant, ok := room[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	participant.Cursor = &cursor
	participant.LastSeen = now
	room[key] = participant
	t.mu.Unlock()

	t.mirrorUpsert(ctx, documentID, participant, now.Add(t.ttl))
}

// Touch refreshes a participant's last-seen time without changing anything
// else. Used by the heartbeat path.
func (t *Tracker) Touch(ctx context.Context, documentID, userID, sessionID string) {
	now := t.clock()
	key := sessionKey{userID: userID, sessionID: sessionID}

	t.mu.Lock()
	room, ok := t.rooms[documentID]
	if !ok {
		t.mu.Unlock()
		return
	}
	participant, ok := room[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	participant.LastSeen = now
	room[key] = participant
	t.mu.Unlock()

	t.mirrorUpsert(ctx, documentID, participant, now.Add(t.ttl))
}

// ActiveUsers returns the participants of a document that have been seen
// within the TTL, pruning stale entries as a side effect.
func (t *Tracker) ActiveUsers(documentID string) []Participant {
	cutoff := t.clock().Add(-t.ttl)

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[documentID]
	if !ok {
		return nil
	}
	active := make([]Participant, 0, len(room))
	for key, participant := range room {
		if participant.LastSeen.Before(cutoff) {
			delete(room, key)
			continue
		}
		active = append(active, participant)
	}
	if len(room) == 0 {
		delete(t.rooms, documentID)
	}
	return active
}

// Sweep prunes stale participants across every document and returns how many
// entries were removed.
func (t *Tracker) Sweep() int {
	cutoff := t.clock().Add(-t.ttl)
	removed := 0

	t.mu.Lock()
	defer t.mu.Unlock()
	for documentID, room := range t.rooms {
		for key, participant := range room {
			if participant.LastSeen.Before(cutoff) {
				delete(room, key)
				removed++
			}
		}
		if len(room) == 0 {
			delete(t.rooms, documentID)
		}
	}
	return removed
}

func (t *Tracker) mirrorUpsert(ctx context.Context, documentID string, participant Participant, expiresAt time.Time) {
	if t.store == nil {
		return
	}
	if err := t.store.Upsert(ctx, documentID, participant, expiresAt); err != nil {
		t.logger.Warn("presence store upsert failed",
			zap.String("document_id", documentID),
			zap.String("user_id", participant.UserID),
			zap.Error(err))
	}
}

func (t *Tracker) mirrorRemove(ctx context.Context, documentID, userID, sessionID string) {
	if t.store == nil {
		return
	}
	if err := t.store.Remove(ctx, documentID, userID, sessionID); err != nil {
		t.logger.Warn("presence store remove failed",
			zap.String("document_id", documentID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func memberID(userID, sessionID string) string {
	return fmt.Sprintf("%s|%s", userID, sessionID)
}
