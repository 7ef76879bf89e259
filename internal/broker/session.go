package broker

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/trybotster/botster-hub/internal/termscreen"
)

// killGrace mirrors ptysession's SIGHUP/SIGKILL grace period.
const killGrace = 200 * time.Millisecond

// session is a PTY custodied by the broker process: the duplicated
// master FD, the child PID, and a broker-side terminal screen fed only
// by this session's own reader goroutine, mirroring the hub's.
type session struct {
	sessionID  uint32
	sessionKey string
	ptyIndex   int

	master   *os.File
	childPID int

	screen *termscreen.Screen

	outputCh chan []byte // pushed to the connection's writer goroutine

	done     chan struct{}
	readerWg sync.WaitGroup

	mu sync.Mutex

	logger *slog.Logger
}

func newSession(id uint32, key string, ptyIndex int, master *os.File, childPID int, rows, cols uint16, logger *slog.Logger) *session {
	return &session{
		sessionID:  id,
		sessionKey: key,
		ptyIndex:   ptyIndex,
		master:     master,
		childPID:   childPID,
		screen:     termscreen.New(int(rows), int(cols)),
		outputCh:   make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// readerLoop is a dedicated OS thread per session (modeled here as a
// goroutine; Go's scheduler multiplexes blocking syscalls onto OS
// threads transparently): blocking read, feed the screen, encode an
// output frame, push to the bounded writer channel.
func (s *session) readerLoop(onOutput func(sessionID uint32, data []byte)) {
	defer s.readerWg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := s.master.Read(buf)
		if err != nil || n == 0 {
			return
		}
		chunk := append([]byte(nil), buf[:n]...)

		s.mu.Lock()
		s.screen.Process(chunk)
		s.mu.Unlock()

		onOutput(s.sessionID, chunk)
	}
}

func (s *session) resize(rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screen.SetSize(int(rows), int(cols))
}

func (s *session) snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen.SnapshotWithScrollback()
}

// kill terminates the child: SIGHUP, grace period, SIGKILL, reap.
func (s *session) kill() {
	close(s.done)
	if s.childPID > 0 {
		_ = unix.Kill(s.childPID, unix.SIGHUP)
		time.Sleep(killGrace)
		_ = unix.Kill(s.childPID, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(s.childPID, &ws, 0, nil)
	}
	if s.master != nil {
		_ = s.master.Close()
	}
}
