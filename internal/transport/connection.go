package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/message"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultMaxReconnects     = 5
	defaultQueueCapacity     = 100
	defaultWriteTimeout      = 10 * time.Second
)

var (
	// ErrQueueFull is returned when the offline queue cannot take another
	// message. The caller decides whether to drop or retry later.
	ErrQueueFull = errors.New("offline queue is full")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("connection is closed")

	errMissingURL        = errors.New("server url is required")
	errMissingDispatcher = errors.New("message dispatcher is required")
	errAlreadyConnected  = errors.New("connection already established")
)

// Status is the externally observable connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Config wires a client connection. URL and Dispatcher are required;
// everything else has defaults.
type Config struct {
	URL                  string
	Header               http.Header
	Dispatcher           *message.Dispatcher
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	QueueCapacity        int
	Dialer               *websocket.Dialer
	Logger               *zap.Logger
	OnStatusChange       func(Status)
}

// Connection is a client-side websocket session that survives transient
// drops. Messages sent while offline are queued up to a fixed capacity and
// flushed in order once the link is back.
type Connection struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	status  Status
	conn    *websocket.Conn
	queue   []message.Envelope
	closed  bool
	writers sync.WaitGroup

	outbound chan message.Envelope
	sessDone chan struct{}
}

// NewConnection validates the configuration and returns a disconnected
// Connection.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:    cfg,
		logger: logger,
		status: StatusDisconnected,
		queue:  make([]message.Envelope, 0, cfg.QueueCapacity),
	}, nil
}

// Status returns the current connection state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QueuedMessages reports how many messages are waiting for the link to come
// back.
func (c *Connection) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect dials the server, flushes any queued messages and starts the read
// and write loops. Calling Connect on a live connection is an error.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status == StatusConnected || c.status == StatusConnecting {
		c.mu.Unlock()
		return errAlreadyConnected
	}
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		c.mu.Lock()
		c.setStatusLocked(StatusDisconnected)
		c.mu.Unlock()
		return err
	}

	c.startSession(conn)
	return nil
}

// Send delivers the envelope when connected, or queues it while offline. The
// queue holds a fixed number of messages; once it is full, new sends are
// rejected with ErrQueueFull so the oldest pending edits are never silently
// dropped.
func (c *Connection) Send(envelope message.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.status == StatusConnected && c.outbound != nil {
		select {
		case c.outbound <- envelope:
			return nil
		default:
			// Writer is saturated; fall through to the offline queue.
		}
	}
	if len(c.queue) >= c.cfg.QueueCapacity {
		return ErrQueueFull
	}
	c.queue = append(c.queue, envelope)
	return nil
}

// Disconnect closes the link without triggering reconnection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	done := c.sessDone
	c.conn = nil
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.writers.Wait()
}

func (c *Connection) startSession(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.outbound = make(chan message.Envelope, c.cfg.QueueCapacity)
	c.sessDone = make(chan struct{})
	pending := c.queue
	c.queue = make([]message.Envelope, 0, c.cfg.QueueCapacity)
	for _, envelope := range pending {
		c.outbound <- envelope
	}
	outbound := c.outbound
	done := c.sessDone
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.writers.Add(2)
	go c.writeLoop(conn, outbound, done)
	go c.readLoop(conn, done)
}

func (c *Connection) writeLoop(conn *websocket.Conn, outbound <-chan message.Envelope, done <-chan struct{}) {
	defer c.writers.Done()
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case envelope := <-outbound:
			if err := c.writeEnvelope(conn, envelope); err != nil {
				c.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			ping, err := message.New(message.TypePing, map[string]int64{"sent_at": time.Now().Unix()})
			if err != nil {
				continue
			}
			if err := c.writeEnvelope(conn, ping); err != nil {
				c.logger.Warn("heartbeat write failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Connection) writeEnvelope(conn *websocket.Conn, envelope message.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) readLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.writers.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate shutdown.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// The server closed the link politely; treat it like an
				// intentional disconnect rather than a drop.
				c.logger.Info("server closed the connection")
				c.endSession()
				return
			}
			c.logger.Info("websocket link lost", zap.Error(err))
			go c.reconnect()
			return
		}

		var envelope message.Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if envelope.Type == "" {
			c.logger.Warn("dropping message without type")
			continue
		}
		c.cfg.Dispatcher.Dispatch(envelope)
	}
}

// endSession tears down the live session without scheduling a redial. The
// connection stays usable: Send queues and a later Connect re-establishes it.
func (c *Connection) endSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessDone != nil {
		close(c.sessDone)
		c.sessDone = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStatusLocked(StatusDisconnected)
}

// reconnect retries the dial with exponential backoff. Give-up is announced
// to local handlers as a reconnect:failed message so the application layer
// can surface it.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.sessDone != nil {
		close(c.sessDone)
		c.sessDone = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setStatusLocked(StatusReconnecting)
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(backoffDelay(c.cfg.ReconnectBaseDelay, attempt))

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		cancel()
		if err == nil {
			c.logger.Info("websocket reconnected", zap.Int("attempt", attempt))
			c.startSession(conn)
			return
		}
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	c.mu.Lock()
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	failure, err := message.New(message.TypeReconnectFailed, map[string]int{
		"attempts": c.cfg.MaxReconnectAttempts,
	})
	if err == nil {
		c.cfg.Dispatcher.Dispatch(failure)
	}
}

func (c *Connection) setStatusLocked(status Status) {
	if c.status == status {
		return
	}
	c.status = status
	if c.cfg.OnStatusChange != nil {
		go c.cfg.OnStatusChange(status)
	}
}

// backoffDelay returns base doubled per completed attempt: base for the
// first, 2*base for the second, 4*base for the third and so on.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
