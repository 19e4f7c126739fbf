package message

import (
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one inbound envelope.
type Handler func(Envelope)

// Dispatcher routes inbound envelopes to handlers registered per message type.
// Unknown types are logged and dropped, never fatal.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *zap.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Register adds a handler for the given message type.
func (d *Dispatcher) Register(messageType Type, handler Handler) {
	if messageType == "" || handler == nil {
		return
	}
	d.mu.Lock()
	d.handlers[messageType] = append(d.handlers[messageType], handler)
	d.mu.Unlock()
}

// Dispatch delivers the envelope to every handler registered for its type.
func (d *Dispatcher) Dispatch(envelope Envelope) {
	d.mu.RLock()
	handlers := d.handlers[envelope.Type]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug("no handler for message type", zap.String("type", string(envelope.Type)))
		return
	}
	for _, handler := range handlers {
		handler(envelope)
	}
}
