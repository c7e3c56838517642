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
)

// ErrRedeliver marks a step command failure worth one more attempt.
var ErrRedeliver = errors.New("step command should be redelivered")

// StepHandler runs a decoded step command.
type StepHandler func(ctx context.Context, cmd *StepRequestedEvent) error

// StepConsumer feeds evolution.step.requested commands to a handler.
type StepConsumer interface {
	Consume(ctx context.Context, handler StepHandler) error
	Close() error
}

// Disposition is how a delivery is settled after handling.
type Disposition int

const (
	// Ack removes the command from the queue.
	Ack Disposition = iota
	// Requeue puts the command back for another consumer or attempt.
	Requeue
	// Discard rejects the command without requeueing; a dead-letter
	// exchange on the queue receives it if one is configured.
	Discard
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	default:
		return "discard"
	}
}

// DecodeStepRequest parses an evolution.step.requested message body. An
// empty body requests a single step.
func DecodeStepRequest(body []byte) (*StepRequestedEvent, error) {
	event := &StepRequestedEvent{}
	if len(body) == 0 {
		event.Generations = 1
		return event, nil
	}
	if err := json.Unmarshal(body, event); err != nil {
		return nil, fmt.Errorf("failed to decode step request: %w", err)
	}
	if event.Generations <= 0 {
		event.Generations = 1
	}
	return event, nil
}

// settleStep runs handler on one delivery and decides its disposition.
// Malformed commands are discarded; a redeliverable failure is requeued
// once and discarded when it fails again.
func settleStep(ctx context.Context, d amqp.Delivery, handler StepHandler, logger *zap.Logger) Disposition {
	if d.RoutingKey != RoutingKeyStepRequested {
		logger.Debug("Ignoring command", zap.String("routing_key", d.RoutingKey))
		return Ack
	}

	cmd, err := DecodeStepRequest(d.Body)
	if err != nil {
		logger.Warn("Discarding malformed step command",
			zap.String("message_id", d.MessageId),
			zap.Error(err),
		)
		return Discard
	}

	err = handler(ctx, cmd)
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrRedeliver) && !d.Redelivered:
		logger.Warn("Step command failed, requeueing",
			zap.String("message_id", d.MessageId),
			zap.Int("generations", cmd.Generations),
			zap.Error(err),
		)
		return Requeue
	default:
		logger.Error("Step command failed",
			zap.String("message_id", d.MessageId),
			zap.Int("generations", cmd.Generations),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		return Discard
	}
}

// RabbitMQStepConsumer consumes step commands from a durable queue bound to
// the event exchange. Prefetch defaults to one so steps run one at a time.
type RabbitMQStepConsumer struct {
	config *config.RabbitMQConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// NewRabbitMQStepConsumer connects and declares the command queue.
func NewRabbitMQStepConsumer(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQStepConsumer, error) {
	c := &RabbitMQStepConsumer{config: cfg, logger: logger}
	if err := c.open(); err != nil {
		return nil, err
	}
	return c, nil
}

// open dials the broker and declares and binds the command queue.
func (c *RabbitMQStepConsumer) open() error {
	conn, channel, err := dialTopicExchange(c.config.URL, c.config.Exchange)
	if err != nil {
		return err
	}

	fail := func(step string, err error) error {
		channel.Close()
		conn.Close()
		return fmt.Errorf("step command queue %s: %s: %w", c.config.Queue, step, err)
	}

	if _, err := channel.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		return fail("declare", err)
	}
	if err := channel.QueueBind(c.config.Queue, RoutingKeyStepRequested, c.config.Exchange, false, nil); err != nil {
		return fail("bind", err)
	}
	prefetch := c.config.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fail("qos", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()

	c.logger.Info("Step command queue ready",
		zap.String("exchange", c.config.Exchange),
		zap.String("queue", c.config.Queue),
		zap.Int("prefetch", prefetch),
	)
	return nil
}

func (c *RabbitMQStepConsumer) deliveries() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return nil, errors.New("step command channel not open")
	}
	return channel.Consume(c.config.Queue, "", false, false, false, false, nil)
}

// Consume starts handling commands in the background until ctx is done or
// the consumer is closed. A lost connection is re-established with backoff.
func (c *RabbitMQStepConsumer) Consume(ctx context.Context, handler StepHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("step consumer is closed")
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("step consumer already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	msgs, err := c.deliveries()
	if err != nil {
		return fmt.Errorf("failed to consume step commands: %w", err)
	}

	go c.run(ctx, msgs, handler)
	return nil
}

func (c *RabbitMQStepConsumer) run(ctx context.Context, msgs <-chan amqp.Delivery, handler StepHandler) {
	defer close(c.done)

	for {
		c.drain(ctx, msgs, handler)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("Step command channel lost, reconnecting")
		var ok bool
		if msgs, ok = c.reconnect(ctx); !ok {
			return
		}
	}
}

func (c *RabbitMQStepConsumer) drain(ctx context.Context, msgs <-chan amqp.Delivery, handler StepHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.settle(d, settleStep(ctx, d, handler, c.logger))
		}
	}
}

func (c *RabbitMQStepConsumer) settle(d amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		c.logger.Warn("Failed to settle step command",
			zap.String("disposition", disp.String()),
			zap.Error(err),
		)
	}
}

func (c *RabbitMQStepConsumer) reconnect(ctx context.Context) (<-chan amqp.Delivery, bool) {
	b := newBackoff(c.config)
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(b.next()):
		}

		if err := c.open(); err != nil {
			c.logger.Warn("Step command reconnect failed", zap.Error(err))
			continue
		}
		msgs, err := c.deliveries()
		if err != nil {
			c.logger.Warn("Step command consume failed", zap.Error(err))
			continue
		}
		c.logger.Info("Step command consumer reconnected")
		return msgs, true
	}
}

// Close stops consumption, waits for an in-flight command and closes the
// connection.
func (c *RabbitMQStepConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.logger.Info("Step command consumer closed")
	return errors.Join(errs...)
}

// NoOpStepConsumer never delivers a command.
type NoOpStepConsumer struct{}

func (NoOpStepConsumer) Consume(ctx context.Context, handler StepHandler) error { return nil }
func (NoOpStepConsumer) Close() error                                           { return nil }

var (
	_ StepConsumer = (*RabbitMQStepConsumer)(nil)
	_ StepConsumer = NoOpStepConsumer{}
)
