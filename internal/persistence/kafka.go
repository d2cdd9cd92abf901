package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"fundarb/config"
	"fundarb/internal/audit"
	"fundarb/internal/metrics"
	"fundarb/logger"
)

// ErrBufferFull is returned by Publish when the event buffer is full.
var ErrBufferFull = errors.New("kafka publisher buffer full")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher ships audit events to a Kafka topic. Publish never blocks:
// events that do not fit the buffer are dropped and counted.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	events  chan audit.Event
	dropped atomic.Int64

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var _ audit.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	p := newKafkaPublisher(w, cfg.Topic, cfg.Buffer)
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func newKafkaPublisher(w messageWriter, topic string, buffer int) *KafkaPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		events: make(chan audit.Event, buffer),
		log:    logger.GetLogger(),
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, ev audit.Event) error {
	select {
	case p.events <- ev:
		return nil
	default:
		p.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped is the number of events lost to a full buffer.
func (p *KafkaPublisher) Dropped() int64 { return p.dropped.Load() }

// Depth reports the buffer fill, for queue depth metrics.
func (p *KafkaPublisher) Depth() (length, capacity int) {
	return len(p.events), cap(p.events)
}

func (p *KafkaPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("kafka publisher already running")
	}
	p.running = true
	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

func (p *KafkaPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case ev := <-p.events:
			p.write(ctx, ev)
		}
	}
}

// drain writes what is buffered with a short deadline of its own.
func (p *KafkaPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.events:
			p.write(ctx, ev)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) write(ctx context.Context, ev audit.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to marshal event")
		return
	}
	key := ev.TradeID
	if key == "" {
		key = ev.ID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EmitDropMetric(p.log, metrics.DropMetricAuditPublish, "kafka", ev.Symbol, "write")
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to write event")
		return
	}
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"event_id": ev.ID,
		"type":     string(ev.Type),
	}).Debug("event written to kafka")
}

func (p *KafkaPublisher) Stop() {
	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()
	if !running {
		return
	}
	p.wg.Wait()
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to close kafka writer")
	}
	p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{"dropped": p.Dropped()}).Debug("kafka publisher stopped")
}
