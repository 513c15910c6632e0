package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/pkg/config"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
)

// Message is one event to publish
type Message struct {
	Topic   string
	Key     string
	Value   interface{}
	Headers map[string]string
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close()
}

// ProducerConfig holds producer settings
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	DefaultTopic string
	Linger       time.Duration
}

// FromAppConfig maps the application kafka section
func FromAppConfig(c config.KafkaConfig) *ProducerConfig {
	return &ProducerConfig{
		Brokers:      c.Brokers,
		ClientID:     c.ClientID,
		DefaultTopic: c.TenantTopic,
		Linger:       5 * time.Millisecond,
	}
}

// Producer publishes JSON events with franz-go
type Producer struct {
	client *kgo.Client
}

// NewProducer creates a producer and checks broker connectivity
func NewProducer(ctx context.Context, cfg *ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.DefaultTopic != "" {
		opts = append(opts, kgo.DefaultProduceTopic(cfg.DefaultTopic))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers: %w", err)
	}

	return &Producer{client: client}, nil
}

// Publish encodes Value as JSON and produces it synchronously
func (p *Producer) Publish(ctx context.Context, msg *Message) error {
	value, err := json.Marshal(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	record := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes pending records and closes the client
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		logger.Warn("kafka flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// MemoryPublisher keeps published messages in memory. Used when Kafka is
// disabled and in tests.
type MemoryPublisher struct {
	mu           sync.RWMutex
	messages     []*Message
	ShouldFail   bool
	FailureError error
}

// NewMemoryPublisher creates an in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ShouldFail {
		if p.FailureError != nil {
			return p.FailureError
		}
		return fmt.Errorf("publish failed")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *MemoryPublisher) Close() {}

// Messages returns published messages
func (p *MemoryPublisher) Messages() []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Message(nil), p.messages...)
}

// SetFailure toggles failure injection
func (p *MemoryPublisher) SetFailure(fail bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ShouldFail = fail
	p.FailureError = err
}
