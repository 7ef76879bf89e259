// Package ingress implements the hub's durable command ingress (spec.md
// §4.6): a long-lived, authenticated websocket subscription to the
// server's pub/sub endpoint that must never lose a message across hub
// restarts.
//
// The wire shape mirrors internal/server's HTTP polling client in
// spirit but carries out-of-band commands (issue mentions, browser
// bootstrap signals) over a persistent connection instead of polling,
// with server-side replay keyed by a monotonic per-hub sequence.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second
	// heartbeatInterval matches the Rails dashboard's expected liveness window.
	heartbeatInterval = 15 * time.Second
)

// Message is one inbound event from the command topic. Payload is left
// as raw JSON; callers decode the shape appropriate to EventType.
type Message struct {
	Sequence  uint64          `json:"sequence"`
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// AgentSummary is the per-agent slice of the heartbeat payload the
// server's dashboard renders.
type AgentSummary struct {
	ID     string `json:"id"`
	Repo   string `json:"repo,omitempty"`
	Status string `json:"status"`
}

// Handler processes one durably-delivered message. A returned error
// leaves the message unacked; it will be redelivered on the next
// reconnect's replay.
type Handler func(ctx context.Context, msg Message) error

// SignalHandler processes an out-of-band browser bootstrap envelope
// (offer/ICE/etc.) carried on the same socket before any viewer channel
// exists. The envelope is opaque to the server; only the hub decrypts it.
type SignalHandler func(browserIdentity string, envelope json.RawMessage)

// Config configures a Client.
type Config struct {
	ServerURL string
	APIToken  string
	HubID     string
	Channel   string // pub/sub topic name; defaults to "hub_commands"
	StateDir  string // directory for the acked-sequence checkpoint file
	Logger    *slog.Logger
}

// Client is the durable ingress connection. Exactly one Run loop should
// be active per Client.
type Client struct {
	cfg         Config
	handler     Handler
	onAgentList func() []AgentSummary
	onSignal    SignalHandler

	mu   sync.Mutex
	conn *websocket.Conn

	lastAcked atomic.Uint64
	shutdown  atomic.Bool
}

// NewClient creates a durable ingress client. handler is invoked for
// every non-signal message the hub must act on.
func NewClient(cfg Config, handler Handler) *Client {
	if cfg.Channel == "" {
		cfg.Channel = "hub_commands"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{cfg: cfg, handler: handler}
	c.lastAcked.Store(c.loadCheckpoint())
	return c
}

// SetAgentsProvider registers the callback used to populate the
// periodic heartbeat's agent list.
func (c *Client) SetAgentsProvider(fn func() []AgentSummary) {
	c.onAgentList = fn
}

// SetSignalHandler registers the callback used for opaque browser
// bootstrap envelopes arriving on the `signal` message type.
func (c *Client) SetSignalHandler(fn SignalHandler) {
	c.onSignal = fn
}

// Shutdown stops the reconnect loop and closes any live connection. Safe
// to call more than once.
func (c *Client) Shutdown() {
	c.shutdown.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run drives the connect/subscribe/read loop with exponential backoff
// until ctx is cancelled or Shutdown is called. It never returns an
// error for transient transport failures; those are logged and retried
// per spec.md §7's "transient transport errors" taxonomy. It returns an
// error only when the subscription is rejected outright (auth failure),
// per spec.md §4.6's "rejected subscription terminates the loop" rule.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.shutdown.Load() {
			return nil
		}

		err := c.connectOnce(ctx)
		if err == nil {
			return nil // clean shutdown
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.cfg.Logger.Error("ingress subscription rejected", "error", err)
			return err
		}
		if ctx.Err() != nil || c.shutdown.Load() {
			return nil
		}

		c.cfg.Logger.Warn("ingress connection lost, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// AuthError wraps a rejected subscription (spec.md §4.6's "rejected
// subscription" failure, not a transient one).
type AuthError struct{ Status int }

func (e *AuthError) Error() string {
	return fmt.Sprintf("ingress: subscription rejected (status %d)", e.Status)
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("ingress: invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/cable"
	return u.String(), nil
}

func (c *Client) connectOnce(ctx context.Context) error {
	target, err := c.wsURL()
	if err != nil {
		return err
	}

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + c.cfg.APIToken}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return &AuthError{Status: resp.StatusCode}
		}
		return fmt.Errorf("ingress: dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	sub := outboundMessage{
		Type:      "subscribe",
		Channel:   c.cfg.Channel,
		HubID:     c.cfg.HubID,
		StartFrom: c.lastAcked.Load(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ingress: subscribe failed: %w", err)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	for {
		if ctx.Err() != nil {
			return nil
		}
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("ingress: read failed: %w", err)
		}
		c.dispatch(ctx, conn, msg)
	}
}

type outboundMessage struct {
	Type            string          `json:"type"`
	Channel         string          `json:"channel,omitempty"`
	HubID           string          `json:"hub_id,omitempty"`
	StartFrom       uint64          `json:"start_from,omitempty"`
	Sequence        uint64          `json:"sequence,omitempty"`
	Agents          []AgentSummary  `json:"agents,omitempty"`
	BrowserIdentity string          `json:"browser_identity,omitempty"`
	Envelope        json.RawMessage `json:"envelope,omitempty"`
}

func (c *Client) dispatch(ctx context.Context, conn *websocket.Conn, msg Message) {
	if msg.EventType == "signal" {
		if c.onSignal != nil {
			var sig struct {
				BrowserIdentity string          `json:"browser_identity"`
				Envelope        json.RawMessage `json:"envelope"`
			}
			if err := json.Unmarshal(msg.Payload, &sig); err == nil {
				c.onSignal(sig.BrowserIdentity, sig.Envelope)
			}
		}
		c.ack(conn, msg.Sequence)
		return
	}

	if c.handler == nil {
		c.ack(conn, msg.Sequence)
		return
	}

	if err := c.handler(ctx, msg); err != nil {
		c.cfg.Logger.Warn("ingress handler failed, leaving unacked", "id", msg.ID, "event_type", msg.EventType, "error", err)
		return
	}
	c.ack(conn, msg.Sequence)
}

func (c *Client) ack(conn *websocket.Conn, sequence uint64) {
	if err := conn.WriteJSON(outboundMessage{Type: "ack", Sequence: sequence}); err != nil {
		c.cfg.Logger.Warn("ingress ack failed", "sequence", sequence, "error", err)
		return
	}
	c.lastAcked.Store(sequence)
	c.saveCheckpoint(sequence)
}

// SendSignal relays an outbound signal envelope to a browser identity
// over the ingress socket, for the bootstrap window before a viewer
// channel exists.
func (c *Client) SendSignal(browserIdentity string, envelope json.RawMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ingress: not connected")
	}
	return conn.WriteJSON(outboundMessage{
		Type:            "signal",
		BrowserIdentity: browserIdentity,
		Envelope:        envelope,
	})
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var agents []AgentSummary
			if c.onAgentList != nil {
				agents = c.onAgentList()
			}
			c.mu.Lock()
			err := conn.WriteJSON(outboundMessage{Type: "heartbeat", Agents: agents})
			c.mu.Unlock()
			if err != nil {
				c.cfg.Logger.Warn("ingress heartbeat failed", "error", err)
				return
			}
		}
	}
}

// --- sequence checkpoint persistence ---

func (c *Client) checkpointPath() string {
	dir := c.cfg.StateDir
	if dir == "" {
		dir = "."
	}
	name := "ingress_" + c.cfg.HubID + ".json"
	return filepath.Join(dir, name)
}

type checkpoint struct {
	LastAcked uint64 `json:"last_acked_sequence"`
}

func (c *Client) loadCheckpoint() uint64 {
	data, err := os.ReadFile(c.checkpointPath())
	if err != nil {
		return 0
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return 0
	}
	return cp.LastAcked
}

func (c *Client) saveCheckpoint(seq uint64) {
	if c.cfg.StateDir == "" {
		return
	}
	data, err := json.Marshal(checkpoint{LastAcked: seq})
	if err != nil {
		return
	}
	if err := os.WriteFile(c.checkpointPath(), data, 0600); err != nil {
		c.cfg.Logger.Warn("ingress: failed to persist checkpoint", "error", err)
	}
}
