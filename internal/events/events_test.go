package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/config"
	"github.com/saltfish/freqevolve/internal/domain"
)

func TestNoOpStepConsumer(t *testing.T) {
	var c StepConsumer = NoOpStepConsumer{}
	assert.NoError(t, c.Consume(context.Background(), func(ctx context.Context, cmd *StepRequestedEvent) error {
		t.Fatal("no command expected")
		return nil
	}))
	assert.NoError(t, c.Close())
}

func TestRabbitMQ_CreationWithInvalidURL(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		URL:              "amqp://invalid-host.invalid:5672/",
		Exchange:         "test_exchange",
		Queue:            "test_queue",
		ReconnectDelay:   "5s",
		MaxReconnectWait: "30s",
	}

	_, err := NewRabbitMQStepConsumer(cfg, zap.NewNop())
	assert.Error(t, err)

	_, err = NewRabbitMQPublisher(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestSettleStep(t *testing.T) {
	redeliver := fmt.Errorf("%w: pool down", ErrRedeliver)

	tests := []struct {
		name        string
		routingKey  string
		body        string
		redelivered bool
		handlerErr  error
		want        Disposition
		wantCalls   int
	}{
		{name: "success", routingKey: RoutingKeyStepRequested, body: `{"generations":2}`, want: Ack, wantCalls: 1},
		{name: "empty body", routingKey: RoutingKeyStepRequested, want: Ack, wantCalls: 1},
		{name: "other key", routingKey: RoutingKeyStrategyPromoted, body: `{}`, want: Ack},
		{name: "malformed", routingKey: RoutingKeyStepRequested, body: `{not json`, want: Discard},
		{name: "final failure", routingKey: RoutingKeyStepRequested, handlerErr: domain.ErrEmptyPopulation, want: Discard, wantCalls: 1},
		{name: "first redelivery", routingKey: RoutingKeyStepRequested, handlerErr: redeliver, want: Requeue, wantCalls: 1},
		{name: "second redelivery", routingKey: RoutingKeyStepRequested, redelivered: true, handlerErr: redeliver, want: Discard, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			var got *StepRequestedEvent
			handler := func(ctx context.Context, cmd *StepRequestedEvent) error {
				calls++
				got = cmd
				return tt.handlerErr
			}

			d := amqp.Delivery{RoutingKey: tt.routingKey, Body: []byte(tt.body), Redelivered: tt.redelivered}
			assert.Equal(t, tt.want, settleStep(context.Background(), d, handler, zap.NewNop()))
			assert.Equal(t, tt.wantCalls, calls)
			if calls > 0 {
				assert.GreaterOrEqual(t, got.Generations, 1)
			}
		})
	}
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "discard", Discard.String())
}

func TestDecodeStepRequest(t *testing.T) {
	event, err := DecodeStepRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Generations)

	event, err = DecodeStepRequest([]byte(`{"generations":3,"backtest_config":{"asset_class":"crypto","symbol":"ETH/USDT"}}`))
	require.NoError(t, err)
	assert.Equal(t, 3, event.Generations)
	require.NotNil(t, event.BacktestConfig)
	assert.Equal(t, "ETH/USDT", event.BacktestConfig.Symbol)

	event, err = DecodeStepRequest([]byte(`{"generations":0}`))
	require.NoError(t, err)
	assert.Equal(t, 1, event.Generations)

	_, err = DecodeStepRequest([]byte(`{not json`))
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(&config.RabbitMQConfig{ReconnectDelay: "1s", MaxReconnectWait: "3s"})
	assert.Equal(t, time.Second, b.next())
	assert.Equal(t, 2*time.Second, b.next())
	assert.Equal(t, 3*time.Second, b.next())
	assert.Equal(t, 3*time.Second, b.next())

	def := newBackoff(&config.RabbitMQConfig{})
	assert.Equal(t, 5*time.Second, def.next())
}

type recordingBroadcaster struct {
	keys   []string
	events []interface{}
}

func (r *recordingBroadcaster) Broadcast(routingKey string, event interface{}) {
	r.keys = append(r.keys, routingKey)
	r.events = append(r.events, event)
}

type failingPublisher struct {
	NoOpPublisher
	calls int
}

func (f *failingPublisher) Publish(ctx context.Context, routingKey string, event interface{}) error {
	f.calls++
	return errors.New("broker down")
}

func TestMultiPublisher_FansOut(t *testing.T) {
	rec := &recordingBroadcaster{}
	primary := &failingPublisher{}
	m := NewMultiPublisher(primary, zap.NewNop(), rec)

	report := &domain.GenerationReport{RunID: uuid.New(), Generation: 2, Successful: 3}
	err := m.PublishGenerationEvaluated(context.Background(), NewGenerationEvaluatedEvent(report, domain.MetricTotalReturn))
	assert.Error(t, err)
	assert.Equal(t, 1, primary.calls)

	require.Len(t, rec.keys, 1)
	assert.Equal(t, RoutingKeyGenerationEvaluated, rec.keys[0])
	evt, ok := rec.events[0].(*GenerationEvaluatedEvent)
	require.True(t, ok)
	assert.Equal(t, 2, evt.Generation)
	assert.Nil(t, evt.BestGenomeID)

	assert.NoError(t, NewMultiPublisher(nil, zap.NewNop()).Close())
}

func TestNewStrategyPromotedEvent(t *testing.T) {
	g := domain.NewGenome("sma_cross", domain.Parameters{"fast": domain.IntValue(9)}, 4)
	g.MarkSucceeded(domain.Performance{domain.MetricTotalReturn: 0.3})

	runID := uuid.New()
	event := NewStrategyPromotedEvent(runID, g, domain.PromotionCriteria{MinTotalReturn: 0.15})
	assert.Equal(t, EventTypeStrategyPromoted, event.EventType)
	assert.Equal(t, Scope{RunID: runID, StrategyType: "sma_cross"}, event.EventScope())
	assert.Equal(t, g.ID, event.GenomeID)
	assert.Equal(t, 4, event.Generation)
	assert.NotEmpty(t, event.EventID)

	g.Parameters["fast"] = domain.IntValue(1)
	assert.Equal(t, int64(9), event.Parameters["fast"].Int)
}
