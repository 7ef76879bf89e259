package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWsURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://trybotster.com", "wss://trybotster.com/cable"},
		{"http://localhost:3000", "ws://localhost:3000/cable"},
		{"https://trybotster.com/", "wss://trybotster.com/cable"},
	}
	for _, tt := range tests {
		c := NewClient(Config{ServerURL: tt.in, Logger: testLogger()}, nil)
		got, err := c.wsURL()
		if err != nil {
			t.Fatalf("wsURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("wsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunSubscribesAcksAndReplaysAfterReconnect(t *testing.T) {
	var upgrader websocket.Upgrader
	var mu sync.Mutex
	var gotStartFrom []uint64
	attempt := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub outboundMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		mu.Lock()
		gotStartFrom = append(gotStartFrom, sub.StartFrom)
		attempt++
		thisAttempt := attempt
		mu.Unlock()

		if thisAttempt == 1 {
			_ = conn.WriteJSON(Message{Sequence: 1, ID: "a", EventType: "issue_mention", Payload: json.RawMessage(`{}`)})
			var ack outboundMessage
			_ = conn.ReadJSON(&ack) // consume ack, then drop connection to force reconnect
			return
		}

		// second attempt: expect replay starting after the acked sequence
		_ = conn.WriteJSON(Message{Sequence: 2, ID: "b", EventType: "issue_mention", Payload: json.RawMessage(`{}`)})
		var ack outboundMessage
		_ = conn.ReadJSON(&ack)
	}))
	defer srv.Close()

	stateDir := t.TempDir()

	var handled []uint64
	var handledMu sync.Mutex
	handler := func(ctx context.Context, msg Message) error {
		handledMu.Lock()
		handled = append(handled, msg.Sequence)
		handledMu.Unlock()
		return nil
	}

	c := NewClient(Config{
		ServerURL: srv.URL,
		HubID:     "hub1",
		StateDir:  stateDir,
		Logger:    testLogger(),
	}, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.Run(ctx)

	handledMu.Lock()
	defer handledMu.Unlock()
	if len(handled) < 2 {
		t.Fatalf("expected both messages handled across reconnect, got %v", handled)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotStartFrom) < 2 {
		t.Fatalf("expected at least 2 subscribe attempts, got %d", len(gotStartFrom))
	}
	if gotStartFrom[1] != 1 {
		t.Errorf("expected second subscribe to resume from last acked sequence 1, got %d", gotStartFrom[1])
	}
}

func TestAuthErrorStopsLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL, HubID: "hub1", Logger: testLogger()}, nil)
	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected auth error to stop the loop")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
}
