package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/internal/common/logger"
	"github.com/relaybot/relaybot/internal/events"
	"github.com/relaybot/relaybot/internal/events/bus"
)

func newHubFixture(t *testing.T) (*Hub, *bus.MemoryEventBus, context.CancelFunc) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	hub := NewHub(log)
	require.NoError(t, hub.Attach(eventBus))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, eventBus, cancel
}

// testClient builds a client without a real connection; only the send
// channel is exercised.
func testClient(t *testing.T, hub *Hub, id string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewClient(id, nil, hub, log)
}

func receiveFrame(t *testing.T, client *Client) *Frame {
	t.Helper()
	select {
	case data := <-client.send:
		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		return &frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestHub_RoutesChunksToSubscribers(t *testing.T) {
	hub, eventBus, _ := newHubFixture(t)

	subscribed := testClient(t, hub, "c1")
	other := testClient(t, hub, "c2")
	hub.Register(subscribed)
	hub.Register(other)
	hub.Subscribe(subscribed, "conv-1")
	hub.Subscribe(other, "conv-2")

	event := bus.NewEvent(events.BuildChunkSubject("conv-1"), "orchestrator", map[string]interface{}{
		"conversation_id": "conv-1",
		"chunk_type":      "assistant",
		"text":            "hello",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildChunkSubject("conv-1"), event))

	frame := receiveFrame(t, subscribed)
	assert.Equal(t, "conv-1", frame.ConversationID)
	assert.Equal(t, "hello", frame.Data["text"])

	select {
	case <-other.send:
		t.Fatal("unsubscribed client received a frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, eventBus, _ := newHubFixture(t)

	client := testClient(t, hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, "conv-1")
	hub.Unsubscribe(client, "conv-1")

	event := bus.NewEvent(events.BuildChunkSubject("conv-1"), "orchestrator", map[string]interface{}{
		"conversation_id": "conv-1",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.BuildChunkSubject("conv-1"), event))

	select {
	case <-client.send:
		t.Fatal("unsubscribed client received a frame")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_DispatchFinishedReachesSubscribers(t *testing.T) {
	hub, eventBus, _ := newHubFixture(t)

	client := testClient(t, hub, "c1")
	hub.Register(client)
	hub.Subscribe(client, "conv-9")

	subject := events.BuildDispatchFinishedSubject("conv-9")
	event := bus.NewEvent(subject, "orchestrator", map[string]interface{}{
		"conversation_id": "conv-9",
	})
	require.NoError(t, eventBus.Publish(context.Background(), subject, event))

	frame := receiveFrame(t, client)
	assert.Equal(t, subject, frame.Type)
}

func TestHub_ClientCount(t *testing.T) {
	hub, _, _ := newHubFixture(t)

	client := testClient(t, hub, "c1")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
