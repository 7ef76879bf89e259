package broker

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/trybotster/botster-hub/internal/framing"
)

// writerChannelDepth bounds the per-connection outbound frame queue.
const writerChannelDepth = 256

// Server is the broker process: it accepts exactly one hub connection at
// a time, custodies PTY sessions across hub disconnects, and exits once
// every session is gone or the reconnect timeout expires.
type Server struct {
	mu sync.Mutex

	sessions      map[uint32]*session
	keyMap        map[string]uint32 // sessionKey+ptyIndex -> sessionID
	nextSessionID uint32

	// writeCh is the live connection's outbound frame queue, or nil
	// between connections. Session reader loops look it up on every
	// write rather than capturing it, since a session survives a hub
	// reconnect but its reader goroutine does not restart.
	writeCh chan []byte

	reconnectTimeout time.Duration
	socketPath       string
	logger           *slog.Logger
}

// NewServer creates a broker Server for the given socket path and
// reconnect timeout.
func NewServer(socketPath string, reconnectTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:         make(map[uint32]*session),
		keyMap:           make(map[string]uint32),
		reconnectTimeout: reconnectTimeout,
		socketPath:       socketPath,
		logger:           logger,
	}
}

func sessionMapKey(sessionKey string, ptyIndex int) string {
	if ptyIndex == 1 {
		return sessionKey + "#server"
	}
	return sessionKey + "#cli"
}

// Run accepts hub connections until every session exits or the
// reconnect window elapses after a disconnect, per spec.md §4.2's
// reconnect-timeout lifecycle.
func (srv *Server) Run() error {
	if err := os.MkdirAll(parentDir(srv.socketPath), 0700); err != nil {
		return err
	}
	_ = os.Remove(srv.socketPath)

	ln, err := net.Listen("unix", srv.socketPath)
	if err != nil {
		return err
	}
	defer ln.Close()
	defer os.Remove(srv.socketPath)

	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		return net.UnknownNetworkError("unix")
	}

	// First hub connect blocks indefinitely.
	conn, err := unixLn.AcceptUnix()
	if err != nil {
		return err
	}

	for {
		srv.handleConnection(conn)

		srv.mu.Lock()
		empty := len(srv.sessions) == 0
		srv.mu.Unlock()
		if empty {
			return nil
		}

		conn, err = srv.waitForReconnect(unixLn)
		if err != nil {
			srv.killAll()
			return nil
		}
	}
}

// waitForReconnect polls Accept with a deadline derived from
// reconnectTimeout; on expiry it returns an error so the caller runs
// killAll and exits.
func (srv *Server) waitForReconnect(ln *net.UnixListener) (*net.UnixConn, error) {
	deadline := time.Now().Add(srv.reconnectTimeout)
	for {
		_ = ln.SetDeadline(time.Now().Add(250 * time.Millisecond))
		conn, err := ln.AcceptUnix()
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
	}
}

// killAll kills every custodied child and clears session state, per
// spec.md P8.
func (srv *Server) killAll() {
	srv.mu.Lock()
	sessions := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.sessions = make(map[uint32]*session)
	srv.keyMap = make(map[string]uint32)
	srv.mu.Unlock()

	for _, s := range sessions {
		s.kill()
	}
}

// sendOutput encodes and enqueues a broker->hub frame on the current
// connection, dropping it silently if there is no live connection or the
// writer is backed up — a disconnected hub will reconnect and request a
// fresh snapshot rather than replay missed output.
func (srv *Server) sendOutput(frameType byte, payload []byte) {
	frame, err := framing.Encode(frameType, payload)
	if err != nil {
		return
	}
	srv.mu.Lock()
	ch := srv.writeCh
	srv.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	default:
	}
}

func (srv *Server) onSessionOutput(sessionID uint32, data []byte) {
	payload, err := encodeJSON(PtyOutputMessage{SessionID: sessionID, Bytes: data})
	if err != nil {
		return
	}
	srv.sendOutput(framing.TypeBrokerOutput, payload)
}

func (srv *Server) handleConnection(conn *net.UnixConn) {
	defer conn.Close()

	writeCh := make(chan []byte, writerChannelDepth)
	writerDone := make(chan struct{})

	srv.mu.Lock()
	srv.writeCh = writeCh
	srv.mu.Unlock()

	go func() {
		defer close(writerDone)
		for buf := range writeCh {
			if len(buf) == 0 {
				return
			}
			if _, err := conn.Write(buf); err != nil {
				return
			}
		}
	}()

	decoder := framing.NewDecoder()
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4*8)) // room for several FDs
	var pendingFDs []int

	for {
		n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			break
		}
		if oobn > 0 {
			fds, err := parseFDs(oob[:oobn])
			if err == nil {
				pendingFDs = append(pendingFDs, fds...)
			}
		}

		frames, err := decoder.Feed(buf[:n])
		if err != nil {
			srv.logger.Error("broker: malformed frame, closing connection", "error", err)
			break
		}

		killed := false
		for _, f := range frames {
			srv.dispatch(f, &pendingFDs)
			if f.Type == framing.TypeKillAll {
				killed = true
				break
			}
		}
		if killed {
			// KillAll is terminal: stop serving this connection so Run
			// sees zero sessions and exits.
			break
		}
	}

	srv.mu.Lock()
	srv.writeCh = nil
	srv.mu.Unlock()

	// Unblock the writer goroutine without racing channel-close
	// semantics: session reader goroutines read srv.writeCh fresh on
	// every write via sendOutput, so closing this channel out from
	// under them would be a data race. A zero-length sentinel frame
	// tells the writer to stop instead.
	select {
	case writeCh <- nil:
	default:
	}
	<-writerDone
}

func (srv *Server) dispatch(f framing.Frame, pendingFDs *[]int) {
	switch f.Type {
	case framing.TypeFdTransfer:
		var req FdTransferRequest
		if err := decodeJSON(f.Payload, &req); err != nil {
			srv.logger.Error("broker: bad FdTransfer payload", "error", err)
			return
		}
		if len(*pendingFDs) == 0 {
			srv.logger.Error("broker: FdTransfer frame without ancillary FD")
			return
		}
		fd := (*pendingFDs)[0]
		*pendingFDs = (*pendingFDs)[1:]

		srv.register(req, fd)

	case framing.TypeBrokerInput:
		var msg PtyInputMessage
		if err := decodeJSON(f.Payload, &msg); err != nil {
			return
		}
		srv.mu.Lock()
		s := srv.sessions[msg.SessionID]
		srv.mu.Unlock()
		if s != nil {
			_, _ = s.master.Write(msg.Bytes)
		}

	case framing.TypeResizePty:
		var msg ResizePtyMessage
		if err := decodeJSON(f.Payload, &msg); err != nil {
			return
		}
		srv.mu.Lock()
		s := srv.sessions[msg.SessionID]
		srv.mu.Unlock()
		if s != nil {
			s.resize(msg.Rows, msg.Cols)
		}

	case framing.TypeGetSnapshot:
		var msg GetSnapshotMessage
		if err := decodeJSON(f.Payload, &msg); err != nil {
			return
		}
		srv.mu.Lock()
		s := srv.sessions[msg.SessionID]
		srv.mu.Unlock()
		if s == nil {
			return
		}
		payload, err := encodeJSON(SnapshotMessage{SessionID: msg.SessionID, AnsiBytes: s.snapshot()})
		if err != nil {
			return
		}
		srv.sendOutput(framing.TypeSnapshot, payload)

	case framing.TypeUnregisterPty:
		var msg UnregisterPtyMessage
		if err := decodeJSON(f.Payload, &msg); err != nil {
			return
		}
		srv.unregister(msg.SessionID)

	case framing.TypeKillAll:
		srv.killAll()

	case framing.TypePing:
		srv.sendOutput(framing.TypePong, nil)
	}
}

func (srv *Server) register(req FdTransferRequest, fd int) {
	srv.mu.Lock()
	id := srv.nextSessionID
	srv.nextSessionID++

	master := os.NewFile(uintptr(fd), "broker-pty-"+req.SessionKey)
	s := newSession(id, req.SessionKey, req.PtyIndex, master, req.ChildPID, req.Rows, req.Cols, srv.logger)
	srv.sessions[id] = s
	srv.keyMap[sessionMapKey(req.SessionKey, req.PtyIndex)] = id
	srv.mu.Unlock()

	s.readerWg.Add(1)
	go s.readerLoop(srv.onSessionOutput)

	payload, err := encodeJSON(RegisteredResponse{SessionKey: req.SessionKey, PtyIndex: req.PtyIndex, SessionID: id})
	if err == nil {
		srv.sendOutput(framing.TypeRegistered, payload)
	}
}

func (srv *Server) unregister(sessionID uint32) {
	srv.mu.Lock()
	s, ok := srv.sessions[sessionID]
	if ok {
		delete(srv.sessions, sessionID)
		delete(srv.keyMap, sessionMapKey(s.sessionKey, s.ptyIndex))
	}
	srv.mu.Unlock()

	if ok {
		s.kill()
	}
}

func parseFDs(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		f, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, f...)
	}
	return fds, nil
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
