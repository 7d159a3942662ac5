package realtime

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func recvMessage(t *testing.T, ch <-chan SSEMessage, timeout time.Duration) SSEMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for SSE message")
	}
	return SSEMessage{}
}

func TestSSEHubOrderingAndReconnect(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t))
	channel := uuid.New().String()

	clientA := hub.NewSSEClient(uuid.New())
	hub.AddChannel(clientA, channel)

	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventMessageCreated, Data: map[string]any{"seq": 1}})
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventMessageDelta, Data: map[string]any{"seq": 2}})

	if got := recvMessage(t, clientA.Outbound, time.Second); got.Event != SSEEventMessageCreated {
		t.Fatalf("first event = %s", got.Event)
	}
	if got := recvMessage(t, clientA.Outbound, time.Second); got.Event != SSEEventMessageDelta {
		t.Fatalf("second event = %s", got.Event)
	}

	hub.CloseClient(clientA)
	select {
	case _, ok := <-clientA.Outbound:
		if ok {
			t.Fatalf("outbound should be closed after disconnect")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for channel close")
	}

	clientB := hub.NewSSEClient(uuid.New())
	hub.AddChannel(clientB, channel)
	hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventMessageDone})
	if got := recvMessage(t, clientB.Outbound, time.Second); got.Event != SSEEventMessageDone {
		t.Fatalf("reconnect event = %s", got.Event)
	}
}

func TestSSEHubDropsWhenBufferFull(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t))
	channel := uuid.New().String()
	client := hub.NewSSEClient(uuid.New())
	hub.AddChannel(client, channel)

	// Nobody draining: overfill past the buffer and confirm the hub does
	// not block and the buffered prefix survives in order.
	for i := 0; i < cap(client.Outbound)+10; i++ {
		hub.Broadcast(SSEMessage{Channel: channel, Event: SSEEventMessageDelta, Data: map[string]any{"seq": i}})
	}
	if len(client.Outbound) != cap(client.Outbound) {
		t.Fatalf("buffered = %d, want %d", len(client.Outbound), cap(client.Outbound))
	}
	first := recvMessage(t, client.Outbound, time.Second)
	data, _ := first.Data.(map[string]any)
	if data["seq"] != 0 {
		t.Fatalf("first buffered seq = %v", data["seq"])
	}
}

func TestSSEHubChannelIsolation(t *testing.T) {
	hub := NewSSEHub(mustTestLogger(t))
	a := hub.NewSSEClient(uuid.New())
	b := hub.NewSSEClient(uuid.New())
	hub.AddChannel(a, "user-a")
	hub.AddChannel(b, "user-b")

	hub.Broadcast(SSEMessage{Channel: "user-a", Event: SSEEventThreadCreated})

	if got := recvMessage(t, a.Outbound, time.Second); got.Event != SSEEventThreadCreated {
		t.Fatalf("event = %s", got.Event)
	}
	select {
	case msg := <-b.Outbound:
		t.Fatalf("client b should not receive %s", msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}
