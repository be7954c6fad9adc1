package sink

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
	QueueSize    int
	WriteTimeout time.Duration
}

// FinalEvent is published once per finalized segment.
type FinalEvent struct {
	Principal  string            `json:"principal,omitempty"`
	Run        int               `json:"run"`
	Index      int               `json:"index"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Marker     transcript.Marker `json:"marker,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PartialEvent carries the current interim tail of a run.
type PartialEvent struct {
	Principal string               `json:"principal,omitempty"`
	Run       int                  `json:"run"`
	Tail      []transcript.Segment `json:"tail"`
	Timestamp time.Time            `json:"timestamp"`
}

var errQueueFull = errors.New("kafka queue full")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type record struct {
	kind   string
	writer messageWriter
	key    string
	event  any
}

// Publisher publishes transcript changes to separate partial and final
// topics. Writes happen on a background goroutine; when disabled it only
// logs.
type Publisher struct {
	partial   messageWriter
	final     messageWriter
	principal string
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.RWMutex
	queue  chan record
	closed bool
	done   chan struct{}
}

// NewPublisher creates a publisher and starts its writer goroutine.
func NewPublisher(cfg KafkaConfig, logger zerolog.Logger) *Publisher {
	logger = logger.With().Str("component", "sink_kafka").Logger()

	var partial, final messageWriter
	if cfg.Enabled && len(cfg.Brokers) > 0 {
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		transport := &kafka.Transport{Dial: dialer.DialFunc}
		partial = newKafkaWriter(cfg.Brokers, cfg.TopicPartial, transport)
		final = newKafkaWriter(cfg.Brokers, cfg.TopicFinal, transport)

		logger.Info().
			Strs("brokers", cfg.Brokers).
			Str("topicPartial", cfg.TopicPartial).
			Str("topicFinal", cfg.TopicFinal).
			Msg("Kafka publisher initialized")
	} else {
		logger.Info().Msg("Kafka disabled, using log-only mode")
	}

	return newPublisher(cfg, partial, final, logger)
}

func newKafkaWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

func newPublisher(cfg KafkaConfig, partial, final messageWriter, logger zerolog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	p := &Publisher{
		partial:   partial,
		final:     final,
		principal: cfg.Principal,
		timeout:   cfg.WriteTimeout,
		logger:    logger,
		queue:     make(chan record, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Transcript publishes each appended segment as a final event and the tail
// as a partial event when it changed.
func (p *Publisher) Transcript(d transcript.Delta) {
	now := time.Now()
	key := p.key(d.Run)
	for _, seg := range d.Appended {
		p.enqueue(record{
			kind:   "final",
			writer: p.final,
			key:    key,
			event: FinalEvent{
				Principal:  p.principal,
				Run:        seg.Run,
				Index:      seg.Index,
				Text:       seg.Text,
				Confidence: seg.Confidence,
				Marker:     seg.Marker,
				Timestamp:  now,
			},
		})
	}
	if d.TailChanged {
		p.enqueue(record{
			kind:   "partial",
			writer: p.partial,
			key:    key,
			event:  PartialEvent{Principal: p.principal, Run: d.Run, Tail: d.Tail, Timestamp: now},
		})
	}
}

func (p *Publisher) Lifecycle(domain.StateChange) {}
func (p *Publisher) Error(error)                  {}
func (p *Publisher) Level(domain.SpeechLevel)     {}
func (p *Publisher) Backend(channel.Inbound)      {}

func (p *Publisher) key(run int) string {
	if p.principal == "" {
		return strconv.Itoa(run)
	}
	return p.principal + "/" + strconv.Itoa(run)
}

func (p *Publisher) enqueue(rec record) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- rec:
	default:
		p.logger.Warn().Str("kind", rec.kind).Msg("Kafka queue full, dropping event")
		observability.RecordKafkaPublish(rec.kind, errQueueFull)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for rec := range p.queue {
		p.publish(rec)
	}
}

func (p *Publisher) publish(rec record) {
	payload, err := json.Marshal(rec.event)
	if err != nil {
		p.logger.Error().Err(err).Str("kind", rec.kind).Msg("Failed to marshal event")
		return
	}

	p.logger.Debug().
		Str("kind", rec.kind).
		Str("key", rec.key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if rec.writer == nil {
		observability.RecordKafkaPublish(rec.kind, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(rec.key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(rec.kind)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}
	err = rec.writer.WriteMessages(ctx, msg)
	if err != nil {
		p.logger.Error().Err(err).Str("kind", rec.kind).Str("key", rec.key).Msg("Failed to write to Kafka")
	}
	observability.RecordKafkaPublish(rec.kind, err)
}

// Close flushes queued events and closes both writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done

	var err error
	for _, w := range []messageWriter{p.partial, p.final} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.logger.Error().Err(e).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
