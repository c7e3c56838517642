package http

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/events"
)

func TestHub_ClientRegistration(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	// Start hub
	go hub.Run()
	defer hub.Shutdown()

	// Create a mock client
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}

	// Register client
	hub.register <- client

	// Give it time to process
	time.Sleep(10 * time.Millisecond)

	// Check client count
	if count := hub.GetClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// Unregister client
	hub.unregister <- client

	// Give it time to process
	time.Sleep(10 * time.Millisecond)

	// Check client count
	if count := hub.GetClientCount(); count != 0 {
		t.Errorf("Expected 0 clients, got %d", count)
	}
}

func TestHub_BroadcastEvent(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	// Start hub
	go hub.Run()
	defer hub.Shutdown()

	// Create a mock client
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}

	// Register client
	hub.register <- client

	// Give it time to process
	time.Sleep(10 * time.Millisecond)

	// Broadcast an event
	testData := map[string]interface{}{
		"test": "data",
		"num":  42,
	}
	hub.BroadcastEvent(EventTypeGenerationEvaluated, testData)

	// Receive the message
	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}

		if wsMsg.Type != EventTypeGenerationEvaluated {
			t.Errorf("Expected event type %s, got %s", EventTypeGenerationEvaluated, wsMsg.Type)
		}

		data, ok := wsMsg.Data.(map[string]interface{})
		if !ok {
			t.Fatal("Data is not a map")
		}

		if data["test"] != "data" {
			t.Errorf("Expected test=data, got %v", data["test"])
		}

		if data["num"] != float64(42) {
			t.Errorf("Expected num=42, got %v", data["num"])
		}

	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestClient_Subscriptions(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	// Start hub
	go hub.Run()
	defer hub.Shutdown()

	// Create a client with specific subscriptions
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}

	// Subscribe to specific event types
	if err := client.apply(SubscriptionMessage{Action: "subscribe", EventTypes: []string{EventTypeGenerationEvaluated, EventTypeGenerationEvolved}}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Register client
	hub.register <- client

	// Give it time to process
	time.Sleep(10 * time.Millisecond)

	// Test subscribed event
	if !client.isSubscribed(EventTypeGenerationEvaluated) {
		t.Error("Client should be subscribed to generation.evaluated")
	}

	// Test unsubscribed event
	if client.isSubscribed(EventTypeStrategyPromoted) {
		t.Error("Client should not be subscribed to strategy.promoted")
	}

	// Broadcast subscribed event - should receive
	hub.BroadcastEvent(EventTypeGenerationEvaluated, map[string]string{"status": "success"})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if wsMsg.Type != EventTypeGenerationEvaluated {
			t.Errorf("Expected event type %s, got %s", EventTypeGenerationEvaluated, wsMsg.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Should have received subscribed event")
	}

	// Broadcast unsubscribed event - should not receive
	hub.BroadcastEvent(EventTypeStrategyPromoted, map[string]string{"status": "failed"})

	select {
	case <-client.send:
		t.Fatal("Should not have received unsubscribed event")
	case <-time.After(100 * time.Millisecond):
		// Expected - no message received
	}

	// Unsubscribe from an event
	client.apply(SubscriptionMessage{Action: "unsubscribe", EventTypes: []string{EventTypeGenerationEvaluated}})

	if client.isSubscribed(EventTypeGenerationEvaluated) {
		t.Error("Client should be unsubscribed from generation.evaluated")
	}
}

func TestClient_NoSubscriptionReceivesAll(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	// Start hub
	go hub.Run()
	defer hub.Shutdown()

	// Create a client with no specific subscriptions
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}

	// Register client
	hub.register <- client

	// Give it time to process
	time.Sleep(10 * time.Millisecond)

	// Client with no subscriptions should receive all events
	if !client.isSubscribed(EventTypeGenerationEvaluated) {
		t.Error("Client with no subscriptions should receive all events")
	}

	if !client.isSubscribed(EventTypeStrategyPromoted) {
		t.Error("Client with no subscriptions should receive all events")
	}

	if !client.isSubscribed("any.event.type") {
		t.Error("Client with no subscriptions should receive all events")
	}
}

func TestMapRoutingKeyToEventType(t *testing.T) {
	tests := []struct {
		routingKey string
		expected   string
	}{
		{events.RoutingKeyEvolutionStarted, EventTypeEvolutionStarted},
		{events.RoutingKeyGenerationEvaluated, EventTypeGenerationEvaluated},
		{events.RoutingKeyGenerationEvolved, EventTypeGenerationEvolved},
		{events.RoutingKeyStrategyPromoted, EventTypeStrategyPromoted},
		{events.RoutingKeyStepRequested, EventTypeStepRequested},
		{"unknown.event", "unknown.event"}, // Pass through
	}

	for _, tt := range tests {
		t.Run(tt.routingKey, func(t *testing.T) {
			result := mapRoutingKeyToEventType(tt.routingKey)
			if result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestHub_BroadcastImplementsBroadcaster(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	go hub.Run()
	defer hub.Shutdown()

	client := &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
	}
	client.apply(SubscriptionMessage{Action: "subscribe", EventTypes: []string{EventTypeGenerationEvolved}})
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	var b events.Broadcaster = hub
	b.Broadcast(events.RoutingKeyGenerationEvolved, map[string]int{"generation": 3})

	select {
	case msg := <-client.send:
		var wsMsg WSMessage
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if wsMsg.Type != EventTypeGenerationEvolved {
			t.Errorf("Expected event type %s, got %s", EventTypeGenerationEvolved, wsMsg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func receiveTypes(c *Client, wait time.Duration) []string {
	var types []string
	deadline := time.After(wait)
	for {
		select {
		case msg := <-c.send:
			var wsMsg WSMessage
			if err := json.Unmarshal(msg, &wsMsg); err == nil {
				types = append(types, wsMsg.Type+"/"+wsMsg.StrategyType)
			}
		case <-deadline:
			return types
		}
	}
}

func TestHub_ScopeFilters(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	go hub.Run()
	defer hub.Shutdown()

	runA, runB := uuid.New(), uuid.New()

	byRun := &Client{hub: hub, send: make(chan []byte, sendBufferSize), logger: logger}
	byStrategy := &Client{hub: hub, send: make(chan []byte, sendBufferSize), logger: logger}
	if err := byRun.apply(SubscriptionMessage{Action: "subscribe", RunID: runA.String()}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := byStrategy.apply(SubscriptionMessage{Action: "subscribe", StrategyType: "rsi_reversion"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	hub.register <- byRun
	hub.register <- byStrategy
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(events.RoutingKeyEvolutionStarted, &events.EvolutionStartedEvent{RunID: runA, StrategyType: "sma_cross"})
	hub.Broadcast(events.RoutingKeyGenerationEvolved, &events.GenerationEvolvedEvent{RunID: runB, StrategyType: "rsi_reversion"})
	hub.Broadcast(events.RoutingKeyStepRequested, &events.StepRequestedEvent{Generations: 1})

	gotRun := receiveTypes(byRun, 100*time.Millisecond)
	wantRun := []string{EventTypeEvolutionStarted + "/sma_cross", EventTypeStepRequested + "/"}
	if len(gotRun) != len(wantRun) || gotRun[0] != wantRun[0] || gotRun[1] != wantRun[1] {
		t.Errorf("run filter: expected %v, got %v", wantRun, gotRun)
	}

	gotStrategy := receiveTypes(byStrategy, 100*time.Millisecond)
	wantStrategy := []string{EventTypeGenerationEvolved + "/rsi_reversion", EventTypeStepRequested + "/"}
	if len(gotStrategy) != len(wantStrategy) || gotStrategy[0] != wantStrategy[0] || gotStrategy[1] != wantStrategy[1] {
		t.Errorf("strategy filter: expected %v, got %v", wantStrategy, gotStrategy)
	}

	if err := byRun.apply(SubscriptionMessage{Action: "subscribe", RunID: "not-a-uuid"}); err == nil {
		t.Error("Expected error for malformed run_id")
	}
	byRun.apply(SubscriptionMessage{Action: "clear"})
	if !byRun.wants(&outbound{eventType: EventTypeGenerationEvolved, scope: events.Scope{RunID: runB}, scoped: true}) {
		t.Error("Cleared filter should accept every run")
	}
}

func TestFilterFromQuery(t *testing.T) {
	runID := uuid.New()
	r := httptest.NewRequest("GET", "/ws?events=generation.evaluated,%20strategy.promoted&run_id="+runID.String()+"&strategy_type=sma_cross", nil)

	f, err := filterFromQuery(r)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(f.EventTypes) != 2 || !f.EventTypes[EventTypeGenerationEvaluated] || !f.EventTypes[EventTypeStrategyPromoted] {
		t.Errorf("Unexpected event types: %v", f.EventTypes)
	}
	if f.RunID != runID || f.StrategyType != "sma_cross" {
		t.Errorf("Unexpected scope: %s %s", f.RunID, f.StrategyType)
	}

	if _, err := filterFromQuery(httptest.NewRequest("GET", "/ws?run_id=nope", nil)); err == nil {
		t.Error("Expected error for malformed run_id")
	}
}

func TestHub_DropsSlowClients(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)

	go hub.Run()
	defer hub.Shutdown()

	slow := &Client{hub: hub, send: make(chan []byte, 1), logger: logger}
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastEvent(EventTypeGenerationEvaluated, map[string]int{"generation": 1})
	hub.BroadcastEvent(EventTypeGenerationEvaluated, map[string]int{"generation": 2})
	time.Sleep(50 * time.Millisecond)

	if count := hub.GetClientCount(); count != 0 {
		t.Errorf("Expected slow client to be dropped, %d clients remain", count)
	}
	if dropped := hub.DroppedClients(); dropped != 1 {
		t.Errorf("Expected 1 dropped client, got %d", dropped)
	}
}
