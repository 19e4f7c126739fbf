package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/document"
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultMaxRetries  = 3
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

var (
	errMissingTopic    = errors.New("kafka topic is required")
	errPublisherClosed = errors.New("publisher is closed")
)

// Producer is the subset of sarama.SyncProducer the publisher needs.
type Producer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
}

// PublisherConfig wires the Kafka publisher. Producer may be nil, in which
// case publishing is a no-op and the synchronizer runs without a broker.
type PublisherConfig struct {
	Producer    Producer
	Topic       string
	QueueSize   int
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

// Publisher fans accepted document operations out to Kafka through a bounded
// local queue and a small worker pool. Enqueue never blocks the write path:
// a full queue drops the event with a warning.
type Publisher struct {
	producer    Producer
	topic       string
	queue       chan document.OperationEvent
	workers     int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPublisher validates the configuration, starts the workers and returns a
// running publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Producer != nil && cfg.Topic == "" {
		return nil, errMissingTopic
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Publisher{
		producer:    cfg.Producer,
		topic:       cfg.Topic,
		queue:       make(chan document.OperationEvent, cfg.QueueSize),
		workers:     cfg.Workers,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      logger,
		done:        make(chan struct{}),
	}
	p.start()
	return p, nil
}

func (p *Publisher) start() {
	if p.producer == nil {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop()
	}
}

// PublishOperation queues the event for delivery. It satisfies the document
// service's event sink.
func (p *Publisher) PublishOperation(ctx context.Context, event document.OperationEvent) error {
	if p.producer == nil {
		return nil
	}
	select {
	case <-p.done:
		return errPublisherClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.queue <- event:
		return nil
	default:
		p.logger.Warn("event queue full, dropping operation event",
			zap.String("document_id", event.DocumentID),
			zap.Int64("version", event.VersionAfter))
		return nil
	}
}

// Close stops accepting events and waits for the workers to drain what is
// already queued.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		close(p.queue)
	})
	p.wg.Wait()
}

func (p *Publisher) workerLoop() {
	defer p.wg.Done()
	for event := range p.queue {
		p.sendWithRetry(event)
	}
}

func (p *Publisher) sendWithRetry(event document.OperationEvent) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err := p.sendOnce(event)
		if err == nil {
			return
		}
		if attempt == p.maxRetries {
			p.logger.Error("kafka send failed, dropping event",
				zap.String("document_id", event.DocumentID),
				zap.Int64("version", event.VersionAfter),
				zap.Error(err))
			return
		}
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *Publisher) sendOnce(event document.OperationEvent) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.DocumentID),
		Value: sarama.ByteEncoder(encoded),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
