// Package browserbridge wires the encrypted browser viewer channel
// (internal/viewerchannel, internal/ratchet) to the hub actor
// (internal/hub.HubHandle) and to whatever transport carries the
// ratcheted envelopes to and from a browser tab.
//
// In production that transport is the durable command ingress's
// out-of-band "signal" relay (internal/ingress): the server never sees
// plaintext, only base64 ratchet envelopes addressed by browser
// identity key, exactly the "untrusted pub/sub relay" viewerchannel was
// designed against. Bridge owns the one long-lived Account identifying
// this hub to browser peers and the one Channel multiplexing every
// connected tab.
package browserbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/trybotster/botster-hub/internal/hub"
	"github.com/trybotster/botster-hub/internal/ptysession"
	"github.com/trybotster/botster-hub/internal/ratchet"
	"github.com/trybotster/botster-hub/internal/relay"
	"github.com/trybotster/botster-hub/internal/viewerchannel"
)

// SendFunc publishes an outbound envelope to a browser identity over
// whatever relay transport the caller wired in (internal/ingress's
// SendSignal, in production).
type SendFunc func(browserIdentity string, payload json.RawMessage) error

// Bridge is the hub-side encrypted browser channel. One Bridge exists
// per running hub.
type Bridge struct {
	account   *ratchet.Account
	channel   *viewerchannel.Channel
	hubHandle *hub.HubHandle
	send      SendFunc
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]hub.ClientID // identity_key -> registered ClientID
	pumped  map[string]bool         // identity_key -> output pump already started
}

// New creates a Bridge for hubID that identifies itself with account. account should be
// persisted by the caller (Pickle/AccountFromPickle) across restarts so a
// previously-paired browser doesn't need to re-scan a QR code, but a
// fresh account works too at the cost of forcing re-bootstrap.
func New(hubID string, account *ratchet.Account, hh *hub.HubHandle, send SendFunc, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	channel := viewerchannel.NewChannel(viewerchannel.Topic{HubID: hubID}, account.Curve25519Key())
	channel.Connect()
	return &Bridge{
		account:   account,
		channel:   channel,
		hubHandle: hh,
		send:      send,
		logger:    logger,
		clients:   make(map[string]hub.ClientID),
		pumped:    make(map[string]bool),
	}
}

// PairingKeys returns the establishment keys a new browser tab needs to
// start a session against this hub, for rendering as a QR code
// (internal/qr) or a device-authorization payload.
func (b *Bridge) PairingKeys() (ratchet.SessionEstablishmentKeys, error) {
	return b.account.SessionEstablishmentKeys()
}

// HandleSignal processes one inbound ReliableMessage (JSON-encoded) from
// browserIdentity. Wired as internal/ingress's SignalHandler.
func (b *Bridge) HandleSignal(browserIdentity string, raw json.RawMessage) {
	var msg viewerchannel.ReliableMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.logger.Warn("browserbridge: malformed signal envelope", "identity", browserIdentity, "error", err)
		return
	}

	b.mu.Lock()
	clientID, known := b.clients[browserIdentity]
	b.mu.Unlock()

	if !known {
		b.bootstrap(browserIdentity, msg)
		return
	}

	inbound, err := b.channel.Receive(browserIdentity, msg)
	if err != nil {
		if errors.Is(err, viewerchannel.ErrSessionBroken) {
			b.logger.Warn("browserbridge: session broken, dropping peer", "identity", browserIdentity)
			b.disconnect(browserIdentity, clientID)
			return
		}
		b.logger.Warn("browserbridge: receive failed", "identity", browserIdentity, "error", err)
		return
	}

	for _, im := range inbound {
		if im.IsControl {
			continue
		}
		b.dispatchCommand(clientID, browserIdentity, im.Plaintext)
	}
}

// bootstrap consumes a first-contact PreKey envelope, establishing the
// ratchet session and registering a browser ClientID with the hub actor.
func (b *Bridge) bootstrap(browserIdentity string, msg viewerchannel.ReliableMessage) {
	if msg.Kind != viewerchannel.KindCipher || msg.Envelope == nil || msg.Envelope.MessageType != ratchet.MessageTypePreKey {
		b.logger.Warn("browserbridge: first message from unknown peer wasn't a PreKey envelope", "identity", browserIdentity)
		return
	}

	session, plaintext, err := b.account.CreateInboundSession(browserIdentity, *msg.Envelope)
	if err != nil {
		b.logger.Warn("browserbridge: bootstrap handshake failed", "identity", browserIdentity, "error", err)
		return
	}

	tabID := uuid.NewString()
	b.channel.AddPeer(browserIdentity, tabID, session)

	clientID := hub.BrowserClientID(browserIdentity)
	b.hubHandle.ClientConnected(clientID)

	b.mu.Lock()
	b.clients[browserIdentity] = clientID
	b.mu.Unlock()

	b.logger.Info("browserbridge: browser peer bootstrapped", "identity", browserIdentity)
	b.dispatchCommand(clientID, browserIdentity, plaintext)
}

func (b *Bridge) disconnect(browserIdentity string, clientID hub.ClientID) {
	b.channel.Disconnect()
	b.hubHandle.ClientDisconnected(clientID)
	b.mu.Lock()
	delete(b.clients, browserIdentity)
	delete(b.pumped, browserIdentity)
	b.mu.Unlock()
}

func (b *Bridge) dispatchCommand(clientID hub.ClientID, browserIdentity string, plaintext []byte) {
	cmd, err := relay.ParseBrowserCommand(plaintext)
	if err != nil {
		b.logger.Warn("browserbridge: bad control message", "identity", browserIdentity, "error", err)
		return
	}

	switch cmd.Type {
	case "select_agent":
		if err := b.hubHandle.SelectAgentForClient(clientID, cmd.ID); err != nil {
			b.logger.Warn("browserbridge: select_agent failed", "identity", browserIdentity, "error", err)
			return
		}
		b.startPumpIfNeeded(clientID, browserIdentity, cmd.ID)
	case "input":
		if err := b.hubHandle.SendInputForClient(clientID, []byte(cmd.Data)); err != nil {
			b.logger.Warn("browserbridge: input failed", "identity", browserIdentity, "error", err)
		}
	case "resize":
		b.hubHandle.ResizeForClient(clientID, cmd.Rows, cmd.Cols)
	case "scroll":
		lines := 10
		if cmd.Lines != nil {
			lines = int(*cmd.Lines)
		}
		b.hubHandle.ScrollForClient(clientID, cmd.Direction, lines)
	case "toggle_pty_view":
		b.hubHandle.TogglePtyViewForClient(clientID)
	case "list_agents":
		b.sendAgentList(browserIdentity)
	default:
		b.logger.Warn("browserbridge: unsupported command type", "type", cmd.Type)
	}
}

// startPumpIfNeeded begins forwarding sessionKey's CLI PTY output to
// browserIdentity, unless a pump for this peer is already running.
func (b *Bridge) startPumpIfNeeded(clientID hub.ClientID, browserIdentity, sessionKey string) {
	b.mu.Lock()
	already := b.pumped[browserIdentity]
	if !already {
		b.pumped[browserIdentity] = true
	}
	b.mu.Unlock()
	if already {
		return
	}

	infos := b.hubHandle.ListAgents()
	agentIndex := -1
	for i, info := range infos {
		if info.SessionKey == sessionKey {
			agentIndex = i
			break
		}
	}
	if agentIndex < 0 {
		return
	}

	const ptyIndex = 0
	sess, _, err := b.hubHandle.GetPtySession(agentIndex, ptyIndex)
	if err != nil {
		b.logger.Warn("browserbridge: no pty session to pump", "agent_index", agentIndex, "error", err)
		return
	}

	viewer := ptysession.ViewerID(clientID.String())
	go b.pumpOutput(viewer, sess, browserIdentity)
}

// pumpOutput forwards sess's output to browserIdentity, encrypted, until
// the subscription closes (the client disconnects or selects elsewhere).
func (b *Bridge) pumpOutput(viewer ptysession.ViewerID, sess *ptysession.Session, browserIdentity string) {
	sub := sess.Subscribe(viewer)
	for ev := range sub.Events() {
		var msg relay.TerminalMessage
		switch ev.Kind {
		case ptysession.EventOutput:
			msg = relay.OutputMessage(string(ev.Output))
		default:
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := b.sendEncrypted(browserIdentity, data); err != nil {
			b.logger.Warn("browserbridge: send failed", "identity", browserIdentity, "error", err)
		}
	}
}

func (b *Bridge) sendAgentList(browserIdentity string) {
	infos := b.hubHandle.ListAgents()
	agents := make([]relay.AgentInfo, 0, len(infos))
	for _, a := range infos {
		repo := a.Repo
		branch := a.BranchName
		status := a.Status
		agents = append(agents, relay.AgentInfo{
			ID:         a.SessionKey,
			Repo:       &repo,
			BranchName: &branch,
			Status:     &status,
		})
	}
	data, err := json.Marshal(relay.AgentsMessage(agents))
	if err != nil {
		return
	}
	if err := b.sendEncrypted(browserIdentity, data); err != nil {
		b.logger.Warn("browserbridge: send failed", "identity", browserIdentity, "error", err)
	}
}

// sendEncrypted encrypts plaintext for browserIdentity's session and
// publishes the resulting ReliableMessage via send.
func (b *Bridge) sendEncrypted(browserIdentity string, plaintext []byte) error {
	msg, err := b.channel.Send(browserIdentity, plaintext)
	if err != nil {
		return fmt.Errorf("browserbridge: encrypt: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("browserbridge: marshal envelope: %w", err)
	}
	return b.send(browserIdentity, data)
}
