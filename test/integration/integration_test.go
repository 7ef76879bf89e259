// Package integration provides end-to-end integration tests for botster-hub.
//
// These tests verify that packages work together correctly without requiring
// external services like the Rails server or GitHub.
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trybotster/botster-hub/internal/broker"
	"github.com/trybotster/botster-hub/internal/credentials"
	"github.com/trybotster/botster-hub/internal/prompt"
	"github.com/trybotster/botster-hub/internal/ptysession"
	"github.com/trybotster/botster-hub/internal/qr"
	"github.com/trybotster/botster-hub/internal/server"
)

// TestServerMessagePolling tests polling and parsing a server message end to end.
func TestServerMessagePolling(t *testing.T) {
	mockMessages := []server.Message{
		{
			ID:        1,
			EventType: "issue_comment",
			Payload: map[string]interface{}{
				"repository": map[string]interface{}{
					"full_name": "owner/repo",
				},
				"issue": map[string]interface{}{
					"number": float64(42), // JSON numbers are float64
				},
				"comment": map[string]interface{}{
					"body": "Fix the authentication bug",
				},
			},
		},
	}

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hubs/test-hub/messages" {
			resp := server.MessagesResponse{
				Messages: mockMessages,
				Count:    len(mockMessages),
			}
			json.NewEncoder(w).Encode(resp)
			mockMessages = []server.Message{} // Clear after first poll
		} else if r.Method == "PATCH" {
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer mockServer.Close()

	cfg := &server.Config{
		BaseURL:  mockServer.URL,
		APIToken: "btstr_test_token",
		HubID:    "test-hub",
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client := server.New(cfg, logger)

	messages, err := client.PollMessages(context.Background())
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	parsed := server.FromMessage(&messages[0])
	if parsed.IssueNumber == nil || *parsed.IssueNumber != 42 {
		t.Errorf("issue number = %v, want 42", parsed.IssueNumber)
	}
	if parsed.Repo != "owner/repo" {
		t.Errorf("repo = %q, want 'owner/repo'", parsed.Repo)
	}
}

// TestPromptLoadingWithLocalFile tests that local prompts are preferred.
func TestPromptLoadingWithLocalFile(t *testing.T) {
	dir := t.TempDir()
	localContent := "This is the local prompt for testing"

	localPath := filepath.Join(dir, ".botster_prompt")
	if err := os.WriteFile(localPath, []byte(localContent), 0644); err != nil {
		t.Fatalf("failed to write prompt: %v", err)
	}

	manager := prompt.NewManager()
	result, err := manager.GetPrompt(dir)
	if err != nil {
		t.Fatalf("GetPrompt failed: %v", err)
	}

	if result != localContent {
		t.Errorf("prompt = %q, want %q", result, localContent)
	}
}

// TestPromptFallback tests that GetPromptWithFallback returns the local
// prompt, not the fallback, when a local prompt exists.
func TestPromptFallback(t *testing.T) {
	dir := t.TempDir()
	fallbackContent := "Default fallback prompt"

	manager := &prompt.Manager{}

	localPath := filepath.Join(dir, ".botster_prompt")
	if err := os.WriteFile(localPath, []byte("local prompt"), 0644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	result := manager.GetPromptWithFallback(dir, fallbackContent)

	if result != "local prompt" {
		t.Errorf("prompt = %q, want 'local prompt'", result)
	}
}

// TestQRCodeGenerationForConnection tests QR code generation for connection URLs.
func TestQRCodeGenerationForConnection(t *testing.T) {
	connectionURL := "https://example.com/connect?hub=abc123&token=xyz"

	lines := qr.GenerateLines(connectionURL, 80, 24)
	if len(lines) == 0 {
		t.Error("expected non-empty QR code output")
	}

	width, height := qr.Dimensions(connectionURL)
	if width == 0 || height == 0 {
		t.Error("expected non-zero QR dimensions")
	}

	invertedLines := qr.GenerateLinesInverted(connectionURL, 80, 24)
	if len(invertedLines) == 0 {
		t.Error("expected non-empty inverted QR output")
	}
}

// TestServerClientHeartbeat tests heartbeat with mock server.
func TestServerClientHeartbeat(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hubs/test-hub/heartbeat" && r.Method == "PATCH" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer mockServer.Close()

	cfg := &server.Config{
		BaseURL:  mockServer.URL,
		APIToken: "btstr_test_token",
		HubID:    "test-hub",
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client := server.New(cfg, logger)

	if err := client.Heartbeat(context.Background()); err != nil {
		t.Errorf("Heartbeat failed: %v", err)
	}
}

// TestConfigTokenValidation tests that API token validation works correctly.
func TestConfigTokenValidation(t *testing.T) {
	tests := []struct {
		token string
		valid bool
	}{
		{"btstr_abc123", true},
		{"invalid_token", false},
		{"", false},
	}

	for _, tt := range tests {
		creds := &credentials.Credentials{APIToken: tt.token}
		result := creds.HasAPIToken()
		if result != tt.valid {
			t.Errorf("HasAPIToken() with %q = %v, want %v", tt.token, result, tt.valid)
		}
	}
}

// TestBrokerHandoffAndReclaim exercises the out-of-process PTY custodian
// path end to end in-process: a locally spawned PTY session hands its
// master FD off to a broker over a real Unix socket, the broker
// acknowledges registration, relays input and output, and answers a
// snapshot request, per spec.md §4.2.
func TestBrokerHandoffAndReclaim(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "broker.sock")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := broker.NewServer(sockPath, 2*time.Second, logger)
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run() }()

	// Give the listener a moment to bind before dialing.
	var client *broker.Client
	var err error
	for i := 0; i < 50; i++ {
		client, err = broker.Dial(sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}

	sess := ptysession.New(24, 80, logger)
	if err := sess.Spawn(ptysession.SpawnConfig{Command: "/bin/cat"}); err != nil {
		t.Fatalf("spawn pty: %v", err)
	}

	// Subscribed before the handoff so we can assert spec.md's S3
	// scenario directly: handing the PTY to the broker is not a process
	// exit, and "no child process was killed" must hold for the hub's
	// own view of the session too, not just the broker's.
	exitSub := sess.Subscribe("handoff-exit-watcher")

	registered := make(chan broker.RegisteredResponse, 1)
	output := make(chan []byte, 16)
	readLoopDone := make(chan error, 1)
	go func() {
		readLoopDone <- client.ReadLoop(broker.Handlers{
			OnRegistered: func(resp broker.RegisteredResponse) { registered <- resp },
			OnOutput:     func(_ uint32, data []byte) { output <- data },
		})
	}()

	fd, err := sess.DupMasterFD()
	if err != nil {
		t.Fatalf("dup master fd: %v", err)
	}
	if err := client.TransferFD("test-session", 0, sess.ChildPID(), 24, 80, fd); err != nil {
		t.Fatalf("transfer fd: %v", err)
	}
	sess.DetachToBroker()

	select {
	case ev := <-exitSub.Events():
		if ev.Kind == ptysession.EventProcessExited {
			t.Fatalf("DetachToBroker published EventProcessExited; the child is alive under the broker, not exited")
		}
	case <-time.After(200 * time.Millisecond):
	}

	var resp broker.RegisteredResponse
	select {
	case resp = <-registered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Registered response")
	}
	if resp.SessionKey != "test-session" || resp.PtyIndex != 0 {
		t.Fatalf("unexpected Registered response: %+v", resp)
	}

	sess.AttachBroker(client, resp.SessionID)
	if !sess.BrokerAttached() {
		t.Fatal("session not marked broker-attached")
	}

	if err := client.SendInput(resp.SessionID, []byte("hello-broker\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}

	var got []byte
	deadline := time.After(3 * time.Second)
waitOutput:
	for {
		select {
		case chunk := <-output:
			got = append(got, chunk...)
			if strings.Contains(string(got), "hello-broker") {
				break waitOutput
			}
		case <-deadline:
			t.Fatalf("timed out waiting for echoed output, got %q", got)
		}
	}

	if err := client.Unregister(resp.SessionID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := client.KillAll(); err != nil {
		t.Fatalf("kill all: %v", err)
	}

	// KillAll ends the broker's serving of this connection; with every
	// session killed, Run returns without waiting out the reconnect
	// timeout. Closing the client only releases its own end.
	_ = client.Close()

	select {
	case <-srvDone:
	case <-time.After(3 * time.Second):
		t.Fatal("broker server did not exit after KillAll")
	}
}

// TestPromptWriteAndRead tests writing and reading local prompts.
func TestPromptWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	content := "Test prompt content with special chars: <>&\""

	if err := prompt.WriteLocalPrompt(dir, content); err != nil {
		t.Fatalf("WriteLocalPrompt failed: %v", err)
	}

	if !prompt.HasLocalPrompt(dir) {
		t.Error("HasLocalPrompt returned false after write")
	}

	result, err := prompt.GetLocalPrompt(dir)
	if err != nil {
		t.Fatalf("GetLocalPrompt failed: %v", err)
	}

	if result != content {
		t.Errorf("content = %q, want %q", result, content)
	}
}

// TestServerMessagesResponseParsing tests parsing of server messages.
func TestServerMessagesResponseParsing(t *testing.T) {
	jsonData := `{
		"messages": [
			{
				"id": 1,
				"event_type": "issue_comment",
				"payload": {
					"repository": {"full_name": "owner/repo"},
					"issue": {"number": 42}
				}
			}
		],
		"count": 1
	}`

	var resp server.MessagesResponse
	if err := json.Unmarshal([]byte(jsonData), &resp); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("messages len = %d, want 1", len(resp.Messages))
	}

	msg := resp.Messages[0]
	if msg.ID != 1 {
		t.Errorf("message ID = %d, want 1", msg.ID)
	}
	if msg.Repo() != "owner/repo" {
		t.Errorf("repo = %q, want 'owner/repo'", msg.Repo())
	}
	if num := msg.IssueNumber(); num == nil || *num != 42 {
		t.Errorf("issue number = %v, want 42", num)
	}
}
