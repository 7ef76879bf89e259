// Package ptysession owns a single pseudo-terminal and the child process
// attached to it, broadcasts its output to any number of subscribers, and
// arbitrates which connected viewer's dimensions drive the PTY's size.
//
// Each Session runs a dedicated reader goroutine that is the sole writer
// of the terminal screen and scrollback; everything else is a read or a
// command funneled through Session's own methods, which take a single
// mutex bounding the one contention point the type has.
package ptysession

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/trybotster/botster-hub/internal/broker"
	"github.com/trybotster/botster-hub/internal/termscreen"
)

// MaxScrollbackBytes bounds the raw-byte scrollback ring kept alongside
// the terminal screen's own line-based scrollback. Overflow evicts from
// the oldest end.
const MaxScrollbackBytes = 4 * 1024 * 1024

// killGrace is how long Kill waits between SIGHUP and SIGKILL.
const killGrace = 200 * time.Millisecond

// ErrChannelClosed is returned by WriteInput once the child has exited.
var ErrChannelClosed = errors.New("ptysession: channel closed")

// SpawnConfig configures the child process started in the PTY.
type SpawnConfig struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string
	InitCommands []string
}

type viewerState struct {
	rows, cols  uint16
	connectedAt time.Time
}

// Session is a single PTY session: one master file descriptor, one child
// process, a terminal screen mirroring the output, a bounded raw
// scrollback, and a broadcast of output events to connected viewers.
type Session struct {
	mu sync.Mutex

	master *os.File
	cmd    *exec.Cmd

	rows, cols uint16

	screen     *termscreen.Screen
	scrollback []byte

	viewers   map[ViewerID]*viewerState
	sizeOwner ViewerID

	broadcast *broadcaster

	done     chan struct{}
	doneOnce sync.Once
	readerWg sync.WaitGroup

	// exitOnce guards emitProcessExited against firing twice when both
	// readerLoop's own read-error path and an explicit Kill race to
	// report the same exit.
	exitOnce sync.Once

	// brokerClient/brokerSessionID are set once this session's master FD
	// has been handed off to an out-of-process broker (DetachToBroker) or
	// the session was reconstructed around a broker-custodied PTY the
	// hub never itself spawned (NewReclaimed + AttachBroker). When set,
	// master is nil and WriteInput/resize/Kill address the broker instead
	// of a local file descriptor.
	brokerClient    *broker.Client
	brokerSessionID uint32
	childPID        int

	logger *slog.Logger
}

// New creates a Session with the given initial dimensions. Spawn must be
// called before any child I/O can occur.
func New(rows, cols uint16, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		rows:       rows,
		cols:       cols,
		screen:     termscreen.New(int(rows), int(cols)),
		scrollback: make([]byte, 0),
		viewers:    make(map[ViewerID]*viewerState),
		broadcast:  newBroadcaster(),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// NewReclaimed creates a Session around a PTY the broker is already
// custodying — no local master FD and nothing to Spawn. Callers attach
// it to the broker connection with AttachBroker and seed its screen
// state with SeedSnapshot once the broker replies to RequestSnapshot.
func NewReclaimed(rows, cols uint16, logger *slog.Logger) *Session {
	return New(rows, cols, logger)
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Spawn starts the configured command attached to the PTY and launches
// the reader goroutine.
func (s *Session) Spawn(cfg SpawnConfig) error {
	args := cfg.Args
	command := cfg.Command
	if len(args) == 0 && command != "" {
		args = []string{"-c", command}
		command = "/bin/bash"
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: s.rows, Cols: s.cols})
	if err != nil {
		return fmt.Errorf("ptysession: spawn %q: %w", cfg.Command, err)
	}

	s.mu.Lock()
	s.master = ptmx
	s.cmd = cmd
	s.childPID = cmd.Process.Pid
	s.mu.Unlock()

	s.readerWg.Add(1)
	go s.readerLoop()

	s.logger.Info("pty spawned", "command", cfg.Command, "dir", cfg.Dir)

	for _, init := range cfg.InitCommands {
		if _, err := s.WriteInput([]byte(init + "\n")); err != nil {
			s.logger.Warn("init command write failed", "error", err)
		}
	}

	return nil
}

// IsSpawned reports whether a child process is attached, either directly
// (a local master FD) or via a broker that is custodying it on this
// session's behalf.
func (s *Session) IsSpawned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master != nil || s.brokerClient != nil
}

// ChildPID returns the spawned child's process ID, or 0 if none has been
// recorded (not yet spawned, or reclaimed from a broker without one).
func (s *Session) ChildPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childPID
}

// readerLoop is the sole writer of screen and scrollback state. It reads
// from the master FD, appends to scrollback, feeds the screen, and
// publishes Output events, in that order, for every chunk read.
func (s *Session) readerLoop() {
	defer s.readerWg.Done()

	s.mu.Lock()
	master := s.master
	s.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := master.Read(buf)
		if err != nil {
			select {
			case <-s.done:
				// done was already closed before this blocking Read
				// unblocked: either DetachToBroker closed our FD copy
				// to hand the child off (no exit to report, the
				// broker now owns it) or Kill is already tearing the
				// session down and will emit the exit itself. Either
				// way the closer, not this race-prone read error,
				// owns the decision.
				return
			default:
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Error("pty read error", "error", err)
			}
			s.emitProcessExited()
			return
		}
		if n == 0 {
			continue
		}

		s.ingest(append([]byte(nil), buf[:n]...))
	}
}

// ingest is the single path that feeds scrollback, the terminal screen,
// and the output broadcast from a chunk of PTY bytes, whether read
// locally by readerLoop or relayed from a broker-custodied session via
// IngestBrokerOutput.
func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	s.scrollback = append(s.scrollback, chunk...)
	if len(s.scrollback) > MaxScrollbackBytes {
		s.scrollback = s.scrollback[len(s.scrollback)-MaxScrollbackBytes:]
	}
	s.screen.Process(chunk)
	s.mu.Unlock()

	s.broadcast.publish(Event{Kind: EventOutput, Output: chunk})
}

// IngestBrokerOutput feeds a chunk of output relayed from a broker this
// session has been attached to (see AttachBroker), keeping scrollback,
// screen, and broadcast subscribers in sync the same way a locally read
// chunk would.
func (s *Session) IngestBrokerOutput(chunk []byte) {
	s.ingest(chunk)
}

// SeedSnapshot replays an ANSI escape stream (typically the broker's
// answer to RequestSnapshot) into the screen so a reclaimed session
// shows the PTY's current state before any further output arrives.
func (s *Session) SeedSnapshot(ansiBytes []byte) {
	s.mu.Lock()
	s.screen.Process(ansiBytes)
	s.mu.Unlock()
}

// DupMasterFD duplicates the local master FD so it can be handed off to
// a broker process over SCM_RIGHTS without invalidating this Session's
// own copy until DetachToBroker explicitly closes it.
func (s *Session) DupMasterFD() (uintptr, error) {
	s.mu.Lock()
	master := s.master
	s.mu.Unlock()
	if master == nil {
		return 0, ErrChannelClosed
	}
	dup, err := unix.Dup(int(master.Fd()))
	if err != nil {
		return 0, fmt.Errorf("ptysession: dup master fd: %w", err)
	}
	return uintptr(dup), nil
}

// DetachToBroker stops the local reader goroutine and closes this
// Session's own master FD copy, on the assumption the caller has already
// handed a duplicate off to a broker via DupMasterFD. After this call
// returns, WriteInput/Resize/Kill address the broker (once AttachBroker
// is called with the sessionID the broker assigns) rather than a local
// descriptor — this ordering (stop reading locally, then and only then
// let the broker take over reading) is what rules out two readers racing
// on the same open file description. Closing our FD copy unblocks
// readerLoop's Read with a non-EOF error, but done is already closed by
// then, so readerLoop recognizes this as an owned teardown and returns
// without publishing EventProcessExited — the child is alive and now
// the broker's, not exited.
func (s *Session) DetachToBroker() {
	s.closeDone()

	s.mu.Lock()
	master := s.master
	s.master = nil
	s.mu.Unlock()

	if master != nil {
		_ = master.Close()
	}
	s.readerWg.Wait()
}

// AttachBroker binds this session to a broker connection and the
// sessionID the broker assigned it (via a Registered frame, for a fresh
// handoff, or by replaying a persisted sessionKey/ptyIndex->sessionID
// mapping on hub restart). Once attached, WriteInput/Resize/Kill are
// relayed to the broker instead of a local master FD.
func (s *Session) AttachBroker(client *broker.Client, sessionID uint32) {
	s.mu.Lock()
	s.brokerClient = client
	s.brokerSessionID = sessionID
	s.mu.Unlock()
}

// BrokerAttached reports whether this session's PTY is currently
// custodied by a broker rather than owned by a local master FD, so
// callers like Agent.Close know not to kill it.
func (s *Session) BrokerAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brokerClient != nil
}

func (s *Session) emitProcessExited() {
	s.exitOnce.Do(func() {
		var code *int
		if s.cmd != nil && s.cmd.ProcessState != nil {
			c := s.cmd.ProcessState.ExitCode()
			code = &c
		}
		s.broadcast.publish(Event{Kind: EventProcessExited, ExitCode: code})
	})
}

// Subscribe registers viewer as a broadcast recipient and returns its
// event stream.
func (s *Session) Subscribe(viewer ViewerID) *subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcast.subscribe(viewer)
}

// WriteInput writes raw bytes to the master FD, or relays them to the
// broker if this session's PTY has been handed off.
func (s *Session) WriteInput(data []byte) (int, error) {
	s.mu.Lock()
	master := s.master
	brokerClient, brokerSessionID := s.brokerClient, s.brokerSessionID
	s.mu.Unlock()

	if master != nil {
		return master.Write(data)
	}
	if brokerClient != nil {
		if err := brokerClient.SendInput(brokerSessionID, data); err != nil {
			return 0, err
		}
		return len(data), nil
	}
	return 0, ErrChannelClosed
}

// Connect registers viewer with the given reported dimensions. If no
// size owner exists yet, viewer becomes the owner and its dimensions are
// applied to the PTY; otherwise the newcomer simply observes the
// current size.
func (s *Session) Connect(viewer ViewerID, rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.viewers[viewer] = &viewerState{rows: rows, cols: cols, connectedAt: time.Now()}

	if s.sizeOwner == "" {
		s.sizeOwner = viewer
		s.applySizeLocked(rows, cols)
	}
}

// Disconnect removes viewer. If it was the size owner, the
// most-recently-connected remaining viewer becomes the new owner and its
// dimensions are applied; an OwnerChanged event is published.
func (s *Session) Disconnect(viewer ViewerID) {
	s.mu.Lock()
	delete(s.viewers, viewer)
	s.broadcast.unsubscribe(viewer)

	if s.sizeOwner != viewer {
		s.mu.Unlock()
		return
	}

	var newOwner ViewerID
	var newest time.Time
	for id, vs := range s.viewers {
		if vs.connectedAt.After(newest) {
			newest = vs.connectedAt
			newOwner = id
		}
	}

	s.sizeOwner = newOwner
	if newOwner != "" {
		vs := s.viewers[newOwner]
		s.applySizeLocked(vs.rows, vs.cols)
	}
	s.mu.Unlock()

	if newOwner != "" {
		s.broadcast.publish(Event{Kind: EventOwnerChanged, NewOwner: newOwner})
	}
}

// Resize records viewer's reported dimensions. The PTY itself is only
// resized if viewer is the current size owner.
func (s *Session) Resize(viewer ViewerID, rows, cols uint16) {
	s.mu.Lock()
	vs, ok := s.viewers[viewer]
	if !ok {
		vs = &viewerState{connectedAt: time.Now()}
		s.viewers[viewer] = vs
	}
	vs.rows, vs.cols = rows, cols

	if viewer != s.sizeOwner {
		s.mu.Unlock()
		return
	}
	s.applySizeLocked(rows, cols)
	s.mu.Unlock()

	s.broadcast.publish(Event{Kind: EventResized, Rows: rows, Cols: cols})
}

// applySizeLocked resets the screen (if dims changed) and applies the
// new size to the master FD's OS window-size ioctl, or to the broker's
// copy of the PTY if this session has been handed off. Caller must hold mu.
func (s *Session) applySizeLocked(rows, cols uint16) {
	s.screen.SetSize(int(rows), int(cols))
	s.rows, s.cols = rows, cols
	if s.master != nil {
		if err := pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
			s.logger.Warn("pty resize failed", "error", err)
		}
		return
	}
	if s.brokerClient != nil {
		if err := s.brokerClient.Resize(s.brokerSessionID, rows, cols); err != nil {
			s.logger.Warn("broker pty resize failed", "error", err)
		}
	}
}

// Snapshot renders the current visible screen as a replayable ANSI
// escape stream.
func (s *Session) Snapshot() []byte {
	return s.screen.Snapshot()
}

// ScrollbackSnapshot returns a copy of the raw-byte scrollback ring.
func (s *Session) ScrollbackSnapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.scrollback))
	copy(out, s.scrollback)
	return out
}

// Size returns the current dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Kill terminates the child process: SIGHUP, a short grace period, then
// SIGKILL, then reap. If this session's PTY has been handed off to a
// broker, the broker is told to unregister (and kill) it instead. Safe
// to call once; the local reader goroutine, if any, is guaranteed to
// have exited by the time Kill returns.
func (s *Session) Kill() error {
	s.closeDone()

	s.mu.Lock()
	cmd := s.cmd
	master := s.master
	brokerClient, brokerSessionID := s.brokerClient, s.brokerSessionID
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		s.logger.Info("killing pty child", "pid", cmd.Process.Pid)
		_ = signalHangup(cmd.Process.Pid)
		time.Sleep(killGrace)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	if master != nil {
		_ = master.Close()
	}

	if master == nil && brokerClient != nil {
		if err := brokerClient.Unregister(brokerSessionID); err != nil {
			s.logger.Warn("broker unregister failed", "error", err)
		}
	}

	s.readerWg.Wait()
	s.emitProcessExited()
	return nil
}
