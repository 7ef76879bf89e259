// Package attachsocket implements the hub's local IPC socket (spec.md
// §6 "Hub local IPC socket"): a Unix domain socket at
// {tmp}/botster-{uid}/hub-{hub_id}.sock, mode 0600, that lets local
// processes (a detached CLI reattaching, a sibling tool) multiplex PTY
// input/output and control commands over the same length-prefixed
// framing the broker socket uses, with a distinct frame type set.
//
// Unlike the TUI's single current-selection model, one attach-socket
// connection addresses many (agent index, pty index) pairs directly,
// since a reattaching client may want to view several agents at once.
package attachsocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/trybotster/botster-hub/internal/framing"
	"github.com/trybotster/botster-hub/internal/hub"
	"github.com/trybotster/botster-hub/internal/ptysession"
	"github.com/trybotster/botster-hub/internal/relay"
)

// writerChannelDepth bounds each connection's outbound frame queue.
const writerChannelDepth = 256

// MaxSockPath mirrors internal/broker's MaxSockPath; both sockets live
// under the same {tmp}/botster-{uid}/ directory and share its sockaddr
// length limit.
const MaxSockPath = 104

// SocketPath returns the attach socket path for the given OS user id and
// hub id, validating it against MaxSockPath.
func SocketPath(tmpDir, uid, hubID string) (string, error) {
	path := fmt.Sprintf("%s/botster-%s/hub-%s.sock", tmpDir, uid, hubID)
	if len(path) > MaxSockPath {
		return "", fmt.Errorf("attachsocket: socket path %q exceeds MaxSockPath (%d bytes)", path, MaxSockPath)
	}
	return path, nil
}

// Server accepts local socket clients and routes their commands through
// a HubHandle, the same actor a browser or the TUI drives.
type Server struct {
	socketPath string
	hubHandle  *hub.HubHandle
	logger     *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
}

// NewServer creates an attach-socket Server bound to socketPath.
func NewServer(socketPath string, hubHandle *hub.HubHandle, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{socketPath: socketPath, hubHandle: hubHandle, logger: logger}
}

// Run listens and serves connections until the listener is closed
// (normally via Close, e.g. on hub shutdown).
func (srv *Server) Run() error {
	if err := os.MkdirAll(parentDir(srv.socketPath), 0700); err != nil {
		return fmt.Errorf("attachsocket: creating socket dir: %w", err)
	}
	_ = os.Remove(srv.socketPath)

	ln, err := net.Listen("unix", srv.socketPath)
	if err != nil {
		return fmt.Errorf("attachsocket: listen: %w", err)
	}
	if err := os.Chmod(srv.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("attachsocket: chmod: %w", err)
	}

	srv.mu.Lock()
	srv.listeners = append(srv.listeners, ln)
	srv.mu.Unlock()

	defer os.Remove(srv.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed, normal shutdown path
		}
		go srv.handleConnection(conn)
	}
}

// Close stops accepting new connections. Existing connections drain on
// their own as the client hangs up or write errors occur.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var firstErr error
	for _, ln := range srv.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parentDir(path string) string {
	i := len(path) - 1
	for ; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (srv *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	clientID := hub.SocketClientID(uuid.NewString())
	srv.hubHandle.ClientConnected(clientID)
	defer srv.hubHandle.ClientDisconnected(clientID)

	writeCh := make(chan []byte, writerChannelDepth)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for buf := range writeCh {
			if len(buf) == 0 {
				return
			}
			if _, err := netConn.Write(buf); err != nil {
				return
			}
		}
	}()
	defer func() {
		select {
		case writeCh <- nil:
		default:
		}
		<-writerDone
	}()

	conn := &connState{
		clientID: clientID,
		writeCh:  writeCh,
		pumped:   make(map[string]bool),
	}

	decoder := framing.NewDecoder()
	buf := make([]byte, 64*1024)

	for {
		n, err := netConn.Read(buf)
		if err != nil {
			return
		}
		frames, err := decoder.Feed(buf[:n])
		if err != nil {
			srv.logger.Error("attachsocket: malformed frame, closing connection", "error", err)
			return
		}
		for _, f := range frames {
			srv.dispatch(conn, f)
		}
	}
}

// connState tracks the per-connection bookkeeping dispatch needs: which
// (agent index, pty index) output pumps have already been started, so a
// repeated select_agent doesn't spawn a duplicate subscriber.
type connState struct {
	clientID hub.ClientID
	writeCh  chan []byte

	mu     sync.Mutex
	pumped map[string]bool
}

func (srv *Server) dispatch(conn *connState, f framing.Frame) {
	switch f.Type {
	case framing.TypeJSON:
		srv.dispatchControl(conn, f.Payload)

	case framing.TypePtyInput:
		pty, err := framing.DecodePtyOutput(f.Payload)
		if err != nil {
			srv.logger.Warn("attachsocket: bad PtyInput frame", "error", err)
			return
		}
		sess, _, err := srv.hubHandle.GetPtySession(int(pty.Agent), int(pty.Pty))
		if err != nil {
			srv.logger.Warn("attachsocket: PtyInput for unknown session", "agent", pty.Agent, "pty", pty.Pty, "error", err)
			return
		}
		if _, err := sess.WriteInput(pty.Data); err != nil {
			srv.logger.Warn("attachsocket: write to pty failed", "error", err)
		}

	default:
		srv.logger.Warn("attachsocket: unexpected frame type from client", "type", f.Type)
	}
}

func (srv *Server) dispatchControl(conn *connState, payload []byte) {
	cmd, err := relay.ParseBrowserCommand(payload)
	if err != nil {
		srv.logger.Warn("attachsocket: bad control message", "error", err)
		return
	}

	switch cmd.Type {
	case "select_agent":
		if err := srv.hubHandle.SelectAgentForClient(conn.clientID, cmd.ID); err != nil {
			srv.logger.Warn("attachsocket: select_agent failed", "error", err)
			return
		}
		srv.startPumpIfNeeded(conn, cmd.ID)
	case "resize":
		srv.hubHandle.ResizeForClient(conn.clientID, cmd.Rows, cmd.Cols)
	case "scroll":
		lines := 10
		if cmd.Lines != nil {
			lines = int(*cmd.Lines)
		}
		srv.hubHandle.ScrollForClient(conn.clientID, cmd.Direction, lines)
	case "toggle_pty_view":
		srv.hubHandle.TogglePtyViewForClient(conn.clientID)
	case "list_agents":
		srv.sendAgentList(conn.writeCh)
	default:
		srv.logger.Warn("attachsocket: unsupported control message type", "type", cmd.Type)
	}
}

// startPumpIfNeeded resolves sessionKey's display index and starts
// forwarding its CLI PTY output over the connection, unless a pump for
// that (agent, pty) pair is already running.
func (srv *Server) startPumpIfNeeded(conn *connState, sessionKey string) {
	infos := srv.hubHandle.ListAgents()
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

	const ptyIndex = 0 // CLI pty; server-pty viewing is opted into via toggle_pty_view upstream of this socket
	key := fmt.Sprintf("%d:%d", agentIndex, ptyIndex)

	conn.mu.Lock()
	already := conn.pumped[key]
	if !already {
		conn.pumped[key] = true
	}
	conn.mu.Unlock()
	if already {
		return
	}

	sess, _, err := srv.hubHandle.GetPtySession(agentIndex, ptyIndex)
	if err != nil {
		srv.logger.Warn("attachsocket: no pty session to pump", "agent_index", agentIndex, "error", err)
		return
	}
	viewer := ptysession.ViewerID(conn.clientID.String())
	go PumpPtyOutput(viewer, sess, uint16(agentIndex), uint16(ptyIndex), conn.writeCh)
}

func (srv *Server) sendAgentList(writeCh chan []byte) {
	infos := srv.hubHandle.ListAgents()
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
	msg := relay.AgentsMessage(agents)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	frame, err := framing.Encode(framing.TypeJSON, data)
	if err != nil {
		return
	}
	select {
	case writeCh <- frame:
	default:
	}
}

// PumpPtyOutput subscribes to sess's output and forwards every event as
// a framed message over writeCh until the connection closes and its
// writer goroutine stops draining writeCh. startPumpIfNeeded runs this
// in its own goroutine per (client, agent, pty) pair the first time a
// client selects that agent.
func PumpPtyOutput(viewer ptysession.ViewerID, sess *ptysession.Session, agentIndex, ptyIndex uint16, writeCh chan []byte) {
	sub := sess.Subscribe(viewer)
	for ev := range sub.Events() {
		var frame []byte
		var err error
		switch ev.Kind {
		case ptysession.EventOutput:
			frame, err = framing.EncodePtyOutput(framing.TypePtyOutput, agentIndex, ptyIndex, ev.Output)
		case ptysession.EventProcessExited:
			var exitCode32 *int32
			if ev.ExitCode != nil {
				c := int32(*ev.ExitCode)
				exitCode32 = &c
			}
			frame, err = framing.EncodeProcessExited(agentIndex, ptyIndex, exitCode32)
		default:
			continue
		}
		if err != nil {
			continue
		}
		select {
		case writeCh <- frame:
		default:
		}
	}
}
