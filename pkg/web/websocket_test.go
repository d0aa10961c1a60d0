package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/logger"
	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
	"github.com/gorilla/websocket"
)

func TestWebSocketHub_New(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)

	if hub == nil {
		t.Fatal("NewWebSocketHub returned nil")
	}
}

func TestWebSocketHub_Run(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	go hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
}

func TestWebSocketHub_BroadcastNoClients(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast should not panic even with no clients
	hub.BroadcastRosterUpdate([]session.Row{})
	hub.BroadcastStatusUpdate("running", "test")
	time.Sleep(50 * time.Millisecond)
}

func TestWebSocketRoundTrip(t *testing.T) {
	log := logger.New(logger.Config{Level: "error"})
	hub := NewWebSocketHub(log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go hub.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	server := httptest.NewServer(hub.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Wait for registration before broadcasting.
	for i := 0; i < 50 && hub.GetClientCount() == 0; i++ {
		time.Sleep(20 * time.Millisecond)
	}
	if hub.GetClientCount() != 1 {
		t.Fatalf("Expected 1 connected client, got %d", hub.GetClientCount())
	}

	hub.BroadcastTransmission(42, "alpha", "FREQ-100", 0, 100.0, 2.5)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}
	if !strings.Contains(string(msg), "transmission") {
		t.Errorf("Expected transmission event, got %s", msg)
	}
	if !strings.Contains(string(msg), "FREQ-100") {
		t.Errorf("Expected network in event payload, got %s", msg)
	}
}

func TestEvent_Marshal(t *testing.T) {
	event := Event{
		Type:      "roster_update",
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"rows": []session.Row{},
		},
	}

	data, err := event.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	if len(data) == 0 {
		t.Error("Marshaled data is empty")
	}
	if !strings.Contains(string(data), "roster_update") {
		t.Error("Marshaled data doesn't contain event type")
	}
}
