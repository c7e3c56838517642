package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/config"
	"github.com/saltfish/freqevolve/internal/domain"
)

// Publisher publishes evolution lifecycle events.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event interface{}) error

	// PublishEvolutionStarted publishes an evolution started event.
	PublishEvolutionStarted(ctx context.Context, event *EvolutionStartedEvent) error

	// PublishGenerationEvaluated publishes a generation evaluated event.
	PublishGenerationEvaluated(ctx context.Context, event *GenerationEvaluatedEvent) error

	// PublishGenerationEvolved publishes a generation evolved event.
	PublishGenerationEvolved(ctx context.Context, event *GenerationEvolvedEvent) error

	// PublishStrategyPromoted publishes a strategy promoted event.
	PublishStrategyPromoted(ctx context.Context, event *StrategyPromotedEvent) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher implements Publisher using RabbitMQ.
type RabbitMQPublisher struct {
	config   *config.RabbitMQConfig
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger

	mu           sync.RWMutex
	closed       bool
	reconnecting bool
}

// NewRabbitMQPublisher creates a new RabbitMQ publisher.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		config:   cfg,
		exchange: cfg.Exchange,
		logger:   logger,
	}

	if err := p.connect(); err != nil {
		return nil, err
	}

	return p, nil
}

// connect establishes connection to RabbitMQ.
func (p *RabbitMQPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	conn, channel, err := dialTopicExchange(p.config.URL, p.exchange)
	if err != nil {
		return err
	}
	p.conn = conn
	p.channel = channel

	closeChan := make(chan *amqp.Error, 1)
	p.conn.NotifyClose(closeChan)

	go p.handleClose(closeChan)

	p.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", p.exchange),
	)

	return nil
}

// dialTopicExchange opens a connection and channel and declares the durable
// topic exchange.
func dialTopicExchange(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return conn, channel, nil
}

// handleClose handles connection close events and triggers reconnection.
func (p *RabbitMQPublisher) handleClose(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // Graceful close
	}

	p.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	p.reconnect()
}

// reconnect attempts to reconnect to RabbitMQ with exponential backoff.
func (p *RabbitMQPublisher) reconnect() {
	p.mu.Lock()
	if p.closed || p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	backoff := newBackoff(p.config)

	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return
		}
		p.mu.RUnlock()

		delay := backoff.next()
		p.logger.Info("Attempting to reconnect to RabbitMQ",
			zap.Duration("delay", delay),
		)

		time.Sleep(delay)

		if err := p.connect(); err != nil {
			p.logger.Warn("Reconnection failed", zap.Error(err))
			continue
		}

		p.logger.Info("Reconnected to RabbitMQ")
		return
	}
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	if p.channel == nil {
		p.mu.RUnlock()
		return fmt.Errorf("channel not available")
	}
	channel := p.channel
	p.mu.RUnlock()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)

	return nil
}

// PublishEvolutionStarted publishes an evolution started event.
func (p *RabbitMQPublisher) PublishEvolutionStarted(ctx context.Context, event *EvolutionStartedEvent) error {
	err := p.Publish(ctx, RoutingKeyEvolutionStarted, event)
	if err != nil {
		p.logger.Error("Failed to publish evolution.started event",
			zap.String("run_id", event.RunID.String()),
			zap.Error(err))
	}
	return err
}

// PublishGenerationEvaluated publishes a generation evaluated event.
func (p *RabbitMQPublisher) PublishGenerationEvaluated(ctx context.Context, event *GenerationEvaluatedEvent) error {
	return p.Publish(ctx, RoutingKeyGenerationEvaluated, event)
}

// PublishGenerationEvolved publishes a generation evolved event.
func (p *RabbitMQPublisher) PublishGenerationEvolved(ctx context.Context, event *GenerationEvolvedEvent) error {
	return p.Publish(ctx, RoutingKeyGenerationEvolved, event)
}

// PublishStrategyPromoted publishes a strategy promoted event.
func (p *RabbitMQPublisher) PublishStrategyPromoted(ctx context.Context, event *StrategyPromotedEvent) error {
	err := p.Publish(ctx, RoutingKeyStrategyPromoted, event)
	if err == nil {
		p.logger.Info("Published strategy.promoted event",
			zap.String("genome_id", event.GenomeID.String()),
			zap.Float64("total_return", event.Performance[domain.MetricTotalReturn]))
	}
	return err
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.logger.Info("RabbitMQ publisher closed")

	if len(errs) > 0 {
		return fmt.Errorf("errors closing publisher: %w", errors.Join(errs...))
	}
	return nil
}

// backoff yields exponentially growing reconnect delays capped at the
// configured maximum.
type backoff struct {
	delay time.Duration
	max   time.Duration
}

func newBackoff(cfg *config.RabbitMQConfig) *backoff {
	b := &backoff{delay: 5 * time.Second, max: 30 * time.Second}
	if d, err := time.ParseDuration(cfg.ReconnectDelay); err == nil && d > 0 {
		b.delay = d
	}
	if d, err := time.ParseDuration(cfg.MaxReconnectWait); err == nil && d > 0 {
		b.max = d
	}
	return b
}

func (b *backoff) next() time.Duration {
	d := b.delay
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	return nil
}

func (p *NoOpPublisher) PublishEvolutionStarted(ctx context.Context, event *EvolutionStartedEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishGenerationEvaluated(ctx context.Context, event *GenerationEvaluatedEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishGenerationEvolved(ctx context.Context, event *GenerationEvolvedEvent) error {
	return nil
}

func (p *NoOpPublisher) PublishStrategyPromoted(ctx context.Context, event *StrategyPromotedEvent) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// Broadcaster receives every published event with its routing key. The
// websocket hub implements it.
type Broadcaster interface {
	Broadcast(routingKey string, event interface{})
}

// MultiPublisher fans events out to a primary publisher and any number of
// in-process broadcasters.
type MultiPublisher struct {
	primary      Publisher
	broadcasters []Broadcaster
	logger       *zap.Logger
}

// NewMultiPublisher creates a MultiPublisher. A nil primary is replaced by a
// NoOpPublisher.
func NewMultiPublisher(primary Publisher, logger *zap.Logger, broadcasters ...Broadcaster) *MultiPublisher {
	if primary == nil {
		primary = NewNoOpPublisher()
	}
	return &MultiPublisher{primary: primary, broadcasters: broadcasters, logger: logger}
}

// Publish broadcasts locally, then forwards to the primary publisher.
func (m *MultiPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	for _, b := range m.broadcasters {
		b.Broadcast(routingKey, event)
	}
	return m.primary.Publish(ctx, routingKey, event)
}

func (m *MultiPublisher) PublishEvolutionStarted(ctx context.Context, event *EvolutionStartedEvent) error {
	return m.Publish(ctx, RoutingKeyEvolutionStarted, event)
}

func (m *MultiPublisher) PublishGenerationEvaluated(ctx context.Context, event *GenerationEvaluatedEvent) error {
	return m.Publish(ctx, RoutingKeyGenerationEvaluated, event)
}

func (m *MultiPublisher) PublishGenerationEvolved(ctx context.Context, event *GenerationEvolvedEvent) error {
	return m.Publish(ctx, RoutingKeyGenerationEvolved, event)
}

func (m *MultiPublisher) PublishStrategyPromoted(ctx context.Context, event *StrategyPromotedEvent) error {
	return m.Publish(ctx, RoutingKeyStrategyPromoted, event)
}

// Close closes the primary publisher.
func (m *MultiPublisher) Close() error {
	return m.primary.Close()
}

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
var _ Publisher = (*MultiPublisher)(nil)
