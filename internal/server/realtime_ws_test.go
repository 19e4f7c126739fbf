package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MeridianWorksLab/compass/backend/internal/message"
	"github.com/MeridianWorksLab/compass/backend/internal/presence"
)

type wsClient struct {
	conn *websocket.Conn
}

func dialRealtime(t *testing.T, server *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, envelope message.Envelope) {
	t.Helper()
	if err := c.conn.WriteJSON(envelope); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// expect reads until a message of the wanted type arrives, failing on
// timeout. Other message types received along the way are discarded.
func (c *wsClient) expect(t *testing.T, wanted message.Type) message.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		var envelope message.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("waiting for %s: %v", wanted, err)
		}
		if envelope.Type == wanted {
			return envelope
		}
	}
}

func (c *wsClient) join(t *testing.T, documentID string) message.Envelope {
	t.Helper()
	joinMsg, err := message.New(message.TypeJoinDocument, message.JoinDocumentPayload{Status: "editing"})
	if err != nil {
		t.Fatalf("build join: %v", err)
	}
	joinMsg.DocumentID = documentID
	c.send(t, joinMsg)
	return c.expect(t, message.TypeDocumentState)
}

func startRealtimeFixture(t *testing.T) (*RealtimeServer, *httptest.Server, string) {
	t.Helper()
	realtime, handler := newTestServer(t)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	token := issueToken(t, handler, "user-a")
	return realtime, httpServer, token
}

func TestRealtimeRejectsMissingToken(t *testing.T) {
	_, handler := newTestServer(t)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/realtime/ws"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a token")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", response)
	}
}

func TestJoinDeliversDocumentStateAndAnnouncesToPeers(t *testing.T) {
	realtime, httpServer, token := startRealtimeFixture(t)

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Content:    "hello world",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	first := dialRealtime(t, httpServer, token)
	state := first.join(t, "doc-1")

	var statePayload message.DocumentStatePayload
	if err := state.Decode(&statePayload); err != nil {
		t.Fatalf("bad state payload: %v", err)
	}
	if statePayload.Content != "hello world" || statePayload.Version != 1 {
		t.Fatalf("unexpected document state: %+v", statePayload)
	}

	second := dialRealtime(t, httpServer, token)
	second.join(t, "doc-1")

	joined := first.expect(t, message.TypeUserJoined)
	var joinedPayload message.UserJoinedPayload
	if err := joined.Decode(&joinedPayload); err != nil {
		t.Fatalf("bad joined payload: %v", err)
	}
	if joinedPayload.UserID != "user-a" || joinedPayload.SessionID == "" {
		t.Fatalf("unexpected join announcement: %+v", joinedPayload)
	}
}

func TestEditBroadcastsAppliedOperationToRoom(t *testing.T) {
	realtime, httpServer, token := startRealtimeFixture(t)

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Content:    "hello world",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	editor := dialRealtime(t, httpServer, token)
	editor.join(t, "doc-1")
	observer := dialRealtime(t, httpServer, token)
	observer.join(t, "doc-1")
	editor.expect(t, message.TypeUserJoined)

	edit, err := message.New(message.TypeDocumentEdit, message.DocumentEditPayload{
		Operation: message.OperationPayload{
			Type:     "insert",
			Position: 5,
			Content:  " there",
		},
		Version: 1,
	})
	if err != nil {
		t.Fatalf("build edit: %v", err)
	}
	edit.DocumentID = "doc-1"
	editor.send(t, edit)

	ack := editor.expect(t, message.TypeDocumentOperation)
	var ackPayload message.DocumentOperationPayload
	if err := ack.Decode(&ackPayload); err != nil {
		t.Fatalf("bad ack payload: %v", err)
	}
	if ackPayload.Version != 2 {
		t.Fatalf("expected version 2 after edit, got %d", ackPayload.Version)
	}

	broadcast := observer.expect(t, message.TypeDocumentOperation)
	var broadcastPayload message.DocumentOperationPayload
	if err := broadcast.Decode(&broadcastPayload); err != nil {
		t.Fatalf("bad broadcast payload: %v", err)
	}
	if broadcastPayload.Operation.Content != " there" || broadcastPayload.Version != 2 {
		t.Fatalf("unexpected broadcast: %+v", broadcastPayload)
	}

	fetched := doJSON(t, realtime.Router(), http.MethodGet, "/documents/doc-1", token, nil)
	var state documentResponsePayload
	if err := json.Unmarshal(fetched.Body.Bytes(), &state); err != nil {
		t.Fatalf("bad fetch response: %v", err)
	}
	if state.Content != "hello there world" {
		t.Fatalf("edit not persisted: %q", state.Content)
	}
}

func TestStaleEditBroadcastsTransformedPosition(t *testing.T) {
	realtime, httpServer, token := startRealtimeFixture(t)

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Content:    "hello world",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	editor := dialRealtime(t, httpServer, token)
	editor.join(t, "doc-1")
	observer := dialRealtime(t, httpServer, token)
	observer.join(t, "doc-1")
	editor.expect(t, message.TypeUserJoined)

	// A concurrent edit lands first and moves the document to version 2.
	first, err := message.New(message.TypeDocumentEdit, message.DocumentEditPayload{
		Operation: message.OperationPayload{Type: "insert", Position: 5, Content: " there"},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("build edit: %v", err)
	}
	first.DocumentID = "doc-1"
	editor.send(t, first)
	editor.expect(t, message.TypeDocumentOperation)
	observer.expect(t, message.TypeDocumentOperation)

	// The stale edit still targets version 1; the room must see its
	// transformed position, not the submitted one.
	stale, err := message.New(message.TypeDocumentEdit, message.DocumentEditPayload{
		Operation: message.OperationPayload{Type: "insert", Position: 11, Content: "!"},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("build stale edit: %v", err)
	}
	stale.DocumentID = "doc-1"
	editor.send(t, stale)

	ack := editor.expect(t, message.TypeDocumentOperation)
	var ackPayload message.DocumentOperationPayload
	if err := ack.Decode(&ackPayload); err != nil {
		t.Fatalf("bad ack payload: %v", err)
	}
	if ackPayload.Operation.Position != 17 || ackPayload.Version != 3 {
		t.Fatalf("expected resolved position 17 at version 3, got %+v", ackPayload)
	}

	broadcast := observer.expect(t, message.TypeDocumentOperation)
	var broadcastPayload message.DocumentOperationPayload
	if err := broadcast.Decode(&broadcastPayload); err != nil {
		t.Fatalf("bad broadcast payload: %v", err)
	}
	if broadcastPayload.Operation.Position != 17 {
		t.Fatalf("peer received untransformed position %d", broadcastPayload.Operation.Position)
	}

	fetched := doJSON(t, realtime.Router(), http.MethodGet, "/documents/doc-1", token, nil)
	var state documentResponsePayload
	if err := json.Unmarshal(fetched.Body.Bytes(), &state); err != nil {
		t.Fatalf("bad fetch response: %v", err)
	}
	if state.Content != "hello there world!" {
		t.Fatalf("unexpected final content: %q", state.Content)
	}
}

func TestCursorMovesRelayToPeersOnly(t *testing.T) {
	realtime, httpServer, token := startRealtimeFixture(t)

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
		Content:    "hello",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	mover := dialRealtime(t, httpServer, token)
	mover.join(t, "doc-1")
	watcher := dialRealtime(t, httpServer, token)
	watcher.join(t, "doc-1")
	mover.expect(t, message.TypeUserJoined)

	move, err := message.New(message.TypeCursorMove, message.CursorMovePayload{CursorPosition: 3})
	if err != nil {
		t.Fatalf("build cursor move: %v", err)
	}
	mover.send(t, move)

	update := watcher.expect(t, message.TypeCursorUpdate)
	var updatePayload message.CursorUpdatePayload
	if err := update.Decode(&updatePayload); err != nil {
		t.Fatalf("bad cursor payload: %v", err)
	}
	if updatePayload.CursorPosition != 3 {
		t.Fatalf("unexpected cursor update: %+v", updatePayload)
	}
}

func TestPingAnswersWithPong(t *testing.T) {
	_, httpServer, token := startRealtimeFixture(t)

	clientConn := dialRealtime(t, httpServer, token)
	ping, err := message.New(message.TypePing, map[string]int64{"sent_at": time.Now().Unix()})
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	clientConn.send(t, ping)
	clientConn.expect(t, message.TypePong)
}

type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestHeartbeatKeepsPresenceAlive(t *testing.T) {
	clock := &movableClock{now: time.Unix(1700000600, 0).UTC()}
	tracker := presence.NewTracker(presence.TrackerConfig{Clock: clock.Now})
	realtime, handler := newTestServerWithPresence(t, tracker)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	token := issueToken(t, handler, "user-a")

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	clientConn := dialRealtime(t, httpServer, token)
	clientConn.join(t, "doc-1")
	if len(tracker.ActiveUsers("doc-1")) != 1 {
		t.Fatalf("expected one participant after join")
	}

	// Four minutes of silence, then a heartbeat. The pong reply confirms
	// the server processed the ping before we advance further.
	clock.Advance(4 * time.Minute)
	ping, err := message.New(message.TypePing, map[string]int64{"sent_at": clock.Now().Unix()})
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	clientConn.send(t, ping)
	clientConn.expect(t, message.TypePong)

	// Six minutes after joining the session would be stale without the
	// heartbeat refresh; two minutes since the ping it must still be live.
	clock.Advance(2 * time.Minute)
	if got := len(tracker.ActiveUsers("doc-1")); got != 1 {
		t.Fatalf("heartbeating session evicted from presence: %d participants", got)
	}
}

func TestDisconnectAnnouncesUserLeft(t *testing.T) {
	realtime, httpServer, token := startRealtimeFixture(t)

	created := doJSON(t, realtime.Router(), http.MethodPost, "/documents", token, createDocumentPayload{
		DocumentID: "doc-1",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", created.Code)
	}

	leaver := dialRealtime(t, httpServer, token)
	leaver.join(t, "doc-1")
	stayer := dialRealtime(t, httpServer, token)
	stayer.join(t, "doc-1")
	leaver.expect(t, message.TypeUserJoined)

	_ = leaver.conn.Close()

	left := stayer.expect(t, message.TypeUserLeft)
	var leftPayload message.UserLeftPayload
	if err := left.Decode(&leftPayload); err != nil {
		t.Fatalf("bad left payload: %v", err)
	}
	if leftPayload.UserID != "user-a" {
		t.Fatalf("unexpected leave announcement: %+v", leftPayload)
	}
}
