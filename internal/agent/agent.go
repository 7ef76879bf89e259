// Package agent provides PTY session management for botster-hub agents.
//
// Each agent runs in a git worktree with dedicated PTY sessions for the
// CLI process and optionally a dev server. The agent is process-agnostic -
// it runs whatever the user configures via .botster_init scripts.
//
// Each PTY is owned by a ptysession.Session, whose reader goroutine is the
// sole writer of screen and scrollback state. Agent wraps each Session
// with its own termscreen copy, fed exclusively from the session's
// broadcast as an ordinary subscriber - the same path any other viewer
// (a reconnecting browser, the out-of-process broker) would use. Nothing
// in this package reaches into Session's internals directly.
package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trybotster/botster-hub/internal/notification"
	"github.com/trybotster/botster-hub/internal/ptysession"
	"github.com/trybotster/botster-hub/internal/termscreen"
)

// defaultRows/defaultCols seed the initial PTY size before any viewer
// has reported its own dimensions via Resize.
const (
	defaultRows = 24
	defaultCols = 80
)

// localViewer is the viewer ID the agent registers with each
// ptysession.Session to drive its own render copy, and - absent any
// other connected viewer - to own the PTY's size.
const localViewer ptysession.ViewerID = "local-render"

// Status represents the current state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Agent represents a running agent in a git worktree.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID uuid.UUID

	// Repo is the repository name in "owner/repo" format.
	Repo string

	// IssueNumber is the GitHub issue number (if applicable).
	IssueNumber *int

	// BranchName is the git branch name.
	BranchName string

	// WorktreePath is the path to the git worktree.
	WorktreePath string

	// StartTime is when the agent was created.
	StartTime time.Time

	// LastActivity is when output was last received.
	LastActivity time.Time

	// Status is the current execution status.
	Status Status

	// TunnelPort is the port for HTTP tunnel forwarding.
	TunnelPort *int

	// cliPTY is the primary PTY session.
	cliPTY *ptyWrapper

	// serverPTY is the optional dev server PTY.
	serverPTY *ptyWrapper

	// activePTY tracks which PTY is currently displayed.
	activePTY PTYView

	// scrollOffset tracks scroll position per PTY view.
	cliScrollOffset    int
	serverScrollOffset int

	// notificationChan receives detected notifications.
	notificationChan chan notification.Notification

	logger *slog.Logger

	mu sync.RWMutex
}

// PTYView indicates which PTY is active.
type PTYView int

const (
	PTYViewCLI PTYView = iota
	PTYViewServer
)

// ptyWrapper binds one ptysession.Session to a locally rendered
// termscreen copy and a raw-output ring buffer for streaming consumers,
// both fed exclusively from the session's broadcast as localViewer.
type ptyWrapper struct {
	session *ptysession.Session

	rows, cols uint16

	screen         *termscreen.Screen
	rawOutput      *RingBuffer
	lastScreenHash uint64
	hashMu         sync.Mutex
}

// RingBuffer is a fixed-size buffer that drops old data.
type RingBuffer struct {
	data [][]byte
	max  int
	mu   sync.Mutex
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data: make([][]byte, 0, capacity),
		max:  capacity,
	}
}

// Push adds data to the buffer, dropping oldest if full.
func (rb *RingBuffer) Push(data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)

	if len(rb.data) >= rb.max {
		rb.data = rb.data[1:]
	}
	rb.data = append(rb.data, copied)
}

// Drain returns all data and clears the buffer.
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var result []byte
	for _, chunk := range rb.data {
		result = append(result, chunk...)
	}
	rb.data = rb.data[:0]
	return result
}

// New creates a new agent for the specified repository and worktree.
func New(repo string, issueNumber *int, branchName, worktreePath string) *Agent {
	now := time.Now()
	return &Agent{
		ID:               uuid.New(),
		Repo:             repo,
		IssueNumber:      issueNumber,
		BranchName:       branchName,
		WorktreePath:     worktreePath,
		StartTime:        now,
		LastActivity:     now,
		Status:           StatusInitializing,
		activePTY:        PTYViewCLI,
		notificationChan: make(chan notification.Notification, 100),
		logger:           slog.Default(),
	}
}

// NewReclaimed creates an agent for a PTY a broker has been custodying
// across a hub restart; its sessions arrive separately via
// AttachReclaimedSession once the broker confirms each one, per
// spec.md §4.2's reconnect path.
func NewReclaimed(repo string, issueNumber *int, branchName, worktreePath string, logger *slog.Logger) *Agent {
	now := time.Now()
	return &Agent{
		ID:               uuid.New(),
		Repo:             repo,
		IssueNumber:      issueNumber,
		BranchName:       branchName,
		WorktreePath:     worktreePath,
		StartTime:        now,
		LastActivity:     now,
		Status:           StatusRunning,
		activePTY:        PTYViewCLI,
		notificationChan: make(chan notification.Notification, 100),
		logger:           logger,
	}
}

// AttachReclaimedSession wires a broker-reclaimed session into this
// agent's CLI or server PTY slot and starts rendering its output
// locally, the broker-handoff analogue of Spawn/SpawnServer.
func (a *Agent) AttachReclaimedSession(ptyIndex int, sess *ptysession.Session) {
	rows, cols := sess.Size()
	w := &ptyWrapper{
		session:   sess,
		rows:      rows,
		cols:      cols,
		screen:    termscreen.New(int(rows), int(cols)),
		rawOutput: NewRingBuffer(1000),
	}

	a.mu.Lock()
	if ptyIndex == 1 {
		a.serverPTY = w
	} else {
		a.cliPTY = w
	}
	a.mu.Unlock()

	sess.Connect(localViewer, rows, cols)
	go a.runLocalRender(w)
}

func newPTYWrapper(rows, cols uint16, logger *slog.Logger) *ptyWrapper {
	return &ptyWrapper{
		session:   ptysession.New(rows, cols, logger),
		rows:      rows,
		cols:      cols,
		screen:    termscreen.New(int(rows), int(cols)),
		rawOutput: NewRingBuffer(1000),
	}
}

// runLocalRender is the agent's own subscriber loop: the sole feeder of
// this wrapper's local render screen and raw-output buffer, fed only by
// bytes published on the session's broadcast. It returns once the
// session reports the child process has exited.
func (a *Agent) runLocalRender(w *ptyWrapper) {
	sub := w.session.Subscribe(localViewer)
	defer w.session.Disconnect(localViewer)

	for ev := range sub.Events() {
		switch ev.Kind {
		case ptysession.EventOutput:
			w.screen.Process(ev.Output)
			w.rawOutput.Push(ev.Output)

			a.mu.Lock()
			a.LastActivity = time.Now()
			a.mu.Unlock()

			for _, n := range notification.Detect(ev.Output) {
				select {
				case a.notificationChan <- n:
				default:
				}
			}

		case ptysession.EventProcessExited:
			a.mu.Lock()
			if a.Status == StatusRunning {
				a.Status = StatusCompleted
			}
			a.mu.Unlock()
			return
		}
	}
}

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	out = append(out, "TERM=xterm-256color")
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// Spawn starts the CLI PTY with the given command. The command is
// sourced in an interactive bash shell so bash stays open after the
// command completes, allowing the user to continue working.
func (a *Agent) Spawn(command string, env map[string]string) error {
	w := newPTYWrapper(defaultRows, defaultCols, a.logger)

	a.mu.Lock()
	a.cliPTY = w
	a.Status = StatusRunning
	a.mu.Unlock()

	var init []string
	if command != "" {
		init = []string{command}
	}

	if err := w.session.Spawn(ptysession.SpawnConfig{
		Command:      "bash",
		Args:         []string{"-i"},
		Dir:          a.WorktreePath,
		Env:          envMapToSlice(env),
		InitCommands: init,
	}); err != nil {
		return fmt.Errorf("agent: spawn cli pty: %w", err)
	}

	w.session.Connect(localViewer, defaultRows, defaultCols)
	go a.runLocalRender(w)

	return nil
}

// SpawnServer starts the server PTY with the given command. Like the CLI
// PTY, this uses an interactive bash shell so when the server process
// exits, the user is dropped back into a bash prompt.
func (a *Agent) SpawnServer(command string, env map[string]string) error {
	w := newPTYWrapper(defaultRows, defaultCols, a.logger)

	a.mu.Lock()
	a.serverPTY = w
	a.mu.Unlock()

	var init []string
	if command != "" {
		init = []string{command}
	}

	if err := w.session.Spawn(ptysession.SpawnConfig{
		Command:      "bash",
		Args:         []string{"-i"},
		Dir:          a.WorktreePath,
		Env:          envMapToSlice(env),
		InitCommands: init,
	}); err != nil {
		return fmt.Errorf("agent: spawn server pty: %w", err)
	}

	w.session.Connect(localViewer, defaultRows, defaultCols)
	go a.runLocalRender(w)

	return nil
}

// activeWrapperLocked returns the wrapper for the currently active PTY
// view. Caller must hold at least a read lock on a.mu.
func (a *Agent) activeWrapperLocked() *ptyWrapper {
	if a.activePTY == PTYViewServer && a.serverPTY != nil {
		return a.serverPTY
	}
	return a.cliPTY
}

// WriteInput sends input to the active PTY.
func (a *Agent) WriteInput(input []byte) error {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return fmt.Errorf("agent: no active pty")
	}

	_, err := w.session.WriteInput(input)
	return err
}

// DrainRawOutput returns accumulated raw PTY output.
func (a *Agent) DrainRawOutput() []byte {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.rawOutput.Drain()
}

// Resize changes the PTY dimensions of both PTYs (CLI and, if present,
// server), mirroring the hub's single reported terminal size to each.
func (a *Agent) Resize(rows, cols uint16) error {
	a.mu.Lock()
	cli, srv := a.cliPTY, a.serverPTY
	a.mu.Unlock()

	if cli != nil {
		cli.session.Resize(localViewer, rows, cols)
		cli.screen.SetSize(int(rows), int(cols))
		cli.rows, cli.cols = rows, cols
	}
	if srv != nil {
		srv.session.Resize(localViewer, rows, cols)
		srv.screen.SetSize(int(rows), int(cols))
		srv.rows, srv.cols = rows, cols
	}

	return nil
}

// TogglePTYView switches between CLI and Server PTY views.
func (a *Agent) TogglePTYView() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activePTY == PTYViewCLI && a.serverPTY != nil {
		a.activePTY = PTYViewServer
	} else {
		a.activePTY = PTYViewCLI
	}
}

// SessionKey returns a unique key for this agent session.
// Format: "owner-repo-42" for issues, "owner-repo-branch-name" for branches.
func (a *Agent) SessionKey() string {
	repoSafe := strings.ReplaceAll(a.Repo, "/", "-")
	if a.IssueNumber != nil {
		return fmt.Sprintf("%s-%d", repoSafe, *a.IssueNumber)
	}
	branchSafe := strings.ReplaceAll(a.BranchName, "/", "-")
	return fmt.Sprintf("%s-%s", repoSafe, branchSafe)
}

// Age returns how long the agent has been running.
func (a *Agent) Age() time.Duration {
	return time.Since(a.StartTime)
}

// Close terminates the agent and cleans up resources. A PTY currently
// custodied by a broker (handed off during hub shutdown, per spec.md
// §4.2) is left running and is not killed here.
func (a *Agent) Close() error {
	a.mu.Lock()
	cli, srv := a.cliPTY, a.serverPTY
	a.mu.Unlock()

	if cli != nil && !cli.session.BrokerAttached() {
		cli.session.Kill()
	}
	if srv != nil && !srv.session.BrokerAttached() {
		srv.session.Kill()
	}

	return nil
}

// GetID returns the agent's unique identifier as a string.
func (a *Agent) GetID() string {
	return a.ID.String()
}

// --- Screen methods ---

// GetScreen returns the visible screen content from the active PTY.
func (a *Agent) GetScreen() []string {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.screen.GetScreen()
}

// GetScreenAsANSI returns the screen as a self-contained ANSI escape
// stream - the same replay format used for broker snapshot handoff.
func (a *Agent) GetScreenAsANSI() string {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return ""
	}
	return string(w.screen.Snapshot())
}

// GetScreenForTUI returns screen lines with SGR styling codes only.
// Safe to embed in a TUI panel - no cursor movement or screen control
// sequences.
func (a *Agent) GetScreenForTUI() []string {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.screen.GetScreenForTUI()
}

// GetScreenCells returns the raw cell content and format for direct TUI
// rendering.
func (a *Agent) GetScreenCells() [][]termscreen.CellInfo {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.screen.GetScreenCells()
}

// GetScreenHash returns a hash of the current screen content.
func (a *Agent) GetScreenHash() uint64 {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return 0
	}
	return w.screen.GetScreenHash()
}

// HasScreenChanged returns true if the screen changed since last check.
func (a *Agent) HasScreenChanged() bool {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return false
	}

	w.hashMu.Lock()
	defer w.hashMu.Unlock()

	hash := w.screen.GetScreenHash()
	changed := hash != w.lastScreenHash
	w.lastScreenHash = hash
	return changed
}

// --- Server PTY methods ---

// HasServerPTY returns true if a server PTY is running.
func (a *Agent) HasServerPTY() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.serverPTY != nil
}

// GetActivePTYView returns which PTY view is currently active.
func (a *Agent) GetActivePTYView() PTYView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.activePTY
}

// --- Scroll methods ---

// ScrollUp scrolls the active PTY view up by the given number of lines.
func (a *Agent) ScrollUp(lines int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activePTY == PTYViewServer {
		a.serverScrollOffset += lines
		if a.serverPTY != nil {
			if max := a.serverPTY.screen.ScrollbackCount(); a.serverScrollOffset > max {
				a.serverScrollOffset = max
			}
		}
	} else {
		a.cliScrollOffset += lines
		if a.cliPTY != nil {
			if max := a.cliPTY.screen.ScrollbackCount(); a.cliScrollOffset > max {
				a.cliScrollOffset = max
			}
		}
	}
}

// ScrollDown scrolls the active PTY view down by the given number of lines.
func (a *Agent) ScrollDown(lines int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activePTY == PTYViewServer {
		a.serverScrollOffset -= lines
		if a.serverScrollOffset < 0 {
			a.serverScrollOffset = 0
		}
	} else {
		a.cliScrollOffset -= lines
		if a.cliScrollOffset < 0 {
			a.cliScrollOffset = 0
		}
	}
}

// ScrollReset resets the scroll offset to show the latest content.
func (a *Agent) ScrollReset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activePTY == PTYViewServer {
		a.serverScrollOffset = 0
	} else {
		a.cliScrollOffset = 0
	}
}

// ScrollToTop scrolls to the oldest content in the scrollback buffer.
func (a *Agent) ScrollToTop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activePTY == PTYViewServer {
		if a.serverPTY != nil {
			a.serverScrollOffset = a.serverPTY.screen.ScrollbackCount()
		}
	} else {
		if a.cliPTY != nil {
			a.cliScrollOffset = a.cliPTY.screen.ScrollbackCount()
		}
	}
}

// ScrollToBottom scrolls to show the latest content (alias for ScrollReset).
func (a *Agent) ScrollToBottom() {
	a.ScrollReset()
}

// GetScrollOffset returns the current scroll offset for the active PTY.
func (a *Agent) GetScrollOffset() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.activePTY == PTYViewServer {
		return a.serverScrollOffset
	}
	return a.cliScrollOffset
}

// --- Notification methods ---

// Notifications returns the channel for receiving terminal notifications.
func (a *Agent) Notifications() <-chan notification.Notification {
	return a.notificationChan
}

// --- Activity methods ---

// GetLastActivity returns when output was last received.
func (a *Agent) GetLastActivity() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.LastActivity
}

// TimeSinceLastActivity returns the duration since last output.
func (a *Agent) TimeSinceLastActivity() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.LastActivity)
}

// --- Scrollback methods ---

// GetScrollback returns the scrollback buffer from the active PTY.
func (a *Agent) GetScrollback() []string {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.screen.GetScrollback()
}

// ScrollbackCount returns the number of lines in the scrollback buffer.
func (a *Agent) ScrollbackCount() int {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return 0
	}
	return w.screen.ScrollbackCount()
}

// ScrollbackSnapshot returns the active PTY's raw-byte scrollback ring,
// bounded by ptysession.MaxScrollbackBytes, for broker-style handoff or
// reconnecting browser viewers.
func (a *Agent) ScrollbackSnapshot() []byte {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.session.ScrollbackSnapshot()
}

// Snapshot returns a replayable ANSI escape stream reproducing the
// active PTY's current visible screen, per the broker handoff contract.
func (a *Agent) Snapshot() []byte {
	a.mu.RLock()
	w := a.activeWrapperLocked()
	a.mu.RUnlock()

	if w == nil {
		return nil
	}
	return w.session.Snapshot()
}

// CLISession returns the underlying PTY session for the CLI PTY, or nil
// if not yet spawned. Used by the broker handoff and viewer-channel
// wiring, which address PTYs directly rather than through Agent's
// scroll/view convenience methods.
func (a *Agent) CLISession() *ptysession.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cliPTY == nil {
		return nil
	}
	return a.cliPTY.session
}

// ServerSession returns the underlying PTY session for the server PTY,
// or nil if none is running.
func (a *Agent) ServerSession() *ptysession.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.serverPTY == nil {
		return nil
	}
	return a.serverPTY.session
}
