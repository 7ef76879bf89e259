// Package hub provides agent lifecycle management.
package hub

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/broker"
	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/ptysession"
)

// PTY indices, matching the convention broker.Server's session map uses
// to key a sessionKey's two possible PTYs (spec.md §4.2).
const (
	ptyIndexCLI    = 0
	ptyIndexServer = 1
)

// brokerHandoffTimeout bounds how long Shutdown waits for the broker to
// acknowledge each FD transfer before giving up on persisting it.
const brokerHandoffTimeout = 5 * time.Second

// brokerDialRetries/brokerDialInterval bound how long Shutdown waits for
// a freshly spawned broker process to open its listening socket.
const (
	brokerDialRetries  = 20
	brokerDialInterval = 50 * time.Millisecond
)

// brokerSessionRecord is one entry in the sidecar file mapping a PTY
// handed off to the broker back to the broker-assigned sessionID and
// the agent identity needed to reconstruct it, so a future hub instance
// can reclaim it (spec.md §4.2's out-of-process survivability).
type brokerSessionRecord struct {
	SessionKey   string `json:"session_key"`
	PtyIndex     int    `json:"pty_index"`
	BrokerID     uint32 `json:"broker_session_id"`
	Repo         string `json:"repo"`
	IssueNumber  *int   `json:"issue_number,omitempty"`
	BranchName   string `json:"branch_name"`
	WorktreePath string `json:"worktree_path"`
}

func registerKey(sessionKey string, ptyIndex int) string {
	return fmt.Sprintf("%s#%d", sessionKey, ptyIndex)
}

func brokerSocketPath(hubID string) (string, error) {
	return broker.SocketPath(os.TempDir(), strconv.Itoa(os.Getuid()), hubID)
}

func brokerSidecarPath(hubID string) (string, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("broker-sessions-%s.json", hubID)), nil
}

func loadBrokerSidecar(path string) ([]brokerSessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []brokerSessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func saveBrokerSidecar(path string, records []brokerSessionRecord) error {
	if len(records) == 0 {
		_ = os.Remove(path)
		return nil
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// startBrokerDispatch launches the single read loop a broker client
// connection runs for the rest of its life, whichever path created it
// (reclaim-time dial at startup, or handoff-time spawn at shutdown).
// Output/snapshot frames are routed to whatever session is currently
// attached under that broker sessionID; Registered frames are routed to
// whichever handoff is currently waiting on that sessionKey/ptyIndex.
func (h *Hub) startBrokerDispatch() {
	go func() {
		err := h.brokerClient.ReadLoop(broker.Handlers{
			OnOutput: func(sessionID uint32, data []byte) {
				h.mu.RLock()
				sess := h.brokerSessions[sessionID]
				h.mu.RUnlock()
				if sess != nil {
					sess.IngestBrokerOutput(data)
				}
			},
			OnSnapshot: func(sessionID uint32, ansiBytes []byte) {
				h.mu.RLock()
				sess := h.brokerSessions[sessionID]
				h.mu.RUnlock()
				if sess != nil {
					sess.SeedSnapshot(ansiBytes)
				}
			},
			OnRegistered: func(resp broker.RegisteredResponse) {
				key := registerKey(resp.SessionKey, resp.PtyIndex)
				h.mu.Lock()
				ch := h.brokerRegisterWait[key]
				delete(h.brokerRegisterWait, key)
				h.mu.Unlock()
				if ch != nil {
					ch <- resp
				}
			},
		})
		if err != nil {
			h.Logger.Info("broker connection closed", "error", err)
		}
	}()
}

// reclaimBrokerSessions dials this hub's deterministic broker socket; if
// a broker process from a previous (crashed or restarted) hub instance
// is still listening there, it replays the persisted sidecar to
// reconstruct each handed-off PTY as a reclaimed Agent and requests a
// fresh snapshot for each, per spec.md §4.2's reconnect path. If nothing
// is listening, this is an ordinary fresh start and there is nothing to
// reclaim.
func (h *Hub) reclaimBrokerSessions() {
	sockPath, err := brokerSocketPath(h.HubID)
	if err != nil {
		h.Logger.Debug("broker socket path unavailable, skipping reclaim", "error", err)
		return
	}

	sidecarPath, err := brokerSidecarPath(h.HubID)
	if err != nil {
		h.Logger.Debug("broker sidecar path unavailable, skipping reclaim", "error", err)
		return
	}
	records, err := loadBrokerSidecar(sidecarPath)
	if err != nil {
		h.Logger.Warn("failed to read broker session sidecar", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	client, err := broker.Dial(sockPath)
	if err != nil {
		// Broker from a previous instance is gone (killed everything on
		// reconnect timeout and exited); the sidecar is stale.
		_ = os.Remove(sidecarPath)
		return
	}

	h.mu.Lock()
	h.brokerClient = client
	h.brokerSidecarPath = sidecarPath
	h.brokerSessions = make(map[uint32]*ptysession.Session)
	h.brokerRegisterWait = make(map[string]chan broker.RegisteredResponse)
	h.mu.Unlock()

	h.startBrokerDispatch()

	reclaimed := make(map[string]*agent.Agent)
	for _, rec := range records {
		ag, ok := reclaimed[rec.SessionKey]
		if !ok {
			ag = agent.NewReclaimed(rec.Repo, rec.IssueNumber, rec.BranchName, rec.WorktreePath, h.Logger)
			reclaimed[rec.SessionKey] = ag
		}

		sess := ptysession.NewReclaimed(h.TerminalDims.Rows, h.TerminalDims.Cols, h.Logger)
		sess.AttachBroker(client, rec.BrokerID)
		ag.AttachReclaimedSession(rec.PtyIndex, sess)

		h.mu.Lock()
		h.brokerSessions[rec.BrokerID] = sess
		h.mu.Unlock()

		if err := client.RequestSnapshot(rec.BrokerID); err != nil {
			h.Logger.Warn("broker snapshot request failed", "session_key", rec.SessionKey, "error", err)
		}
	}

	h.mu.Lock()
	for key, ag := range reclaimed {
		h.Agents[key] = ag
	}
	h.mu.Unlock()

	h.Logger.Info("reclaimed sessions from broker", "agents", len(reclaimed), "sessions", len(records))
}

// startBroker spawns botster-broker as a detached subprocess listening
// on this hub's deterministic socket path and dials it, for use the
// first time a hub instance needs to hand sessions off (no broker
// survived from a previous run).
func (h *Hub) startBroker() error {
	sockPath, err := brokerSocketPath(h.HubID)
	if err != nil {
		return err
	}

	brokerBin := "botster-broker"
	if exe, err := os.Executable(); err == nil {
		if candidate := filepath.Join(filepath.Dir(exe), "botster-broker"); fileExists(candidate) {
			brokerBin = candidate
		}
	}

	cmd := exec.Command(brokerBin, "-socket", sockPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start broker process: %w", err)
	}
	_ = cmd.Process.Release()

	var client *broker.Client
	for i := 0; i < brokerDialRetries; i++ {
		client, err = broker.Dial(sockPath)
		if err == nil {
			break
		}
		time.Sleep(brokerDialInterval)
	}
	if client == nil {
		return fmt.Errorf("dial broker socket %q: %w", sockPath, err)
	}

	sidecarPath, err := brokerSidecarPath(h.HubID)
	if err != nil {
		client.Close()
		return err
	}

	h.mu.Lock()
	h.brokerClient = client
	h.brokerSidecarPath = sidecarPath
	h.brokerSessions = make(map[uint32]*ptysession.Session)
	h.brokerRegisterWait = make(map[string]chan broker.RegisteredResponse)
	h.mu.Unlock()

	h.startBrokerDispatch()
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// handoffTarget is one PTY this hub still owns locally at shutdown time.
type handoffTarget struct {
	sessionKey string
	ptyIndex   int
	session    *ptysession.Session
	repo       string
	issue      *int
	branch     string
	worktree   string
}

// handoffToBroker hands every agent's still locally-owned PTY off to a
// broker process (spawning one if none is already connected), so their
// child processes and unread output survive this hub process exiting,
// per spec.md §4.2/P7/P8. Best-effort: a session that can't be handed
// off within brokerHandoffTimeout is left for Shutdown's normal
// Agent.Close path to kill along with the rest of this process's state.
func (h *Hub) handoffToBroker() {
	h.mu.RLock()
	agents := make(map[string]*agent.Agent, len(h.Agents))
	for k, v := range h.Agents {
		agents[k] = v
	}
	h.mu.RUnlock()

	var targets []handoffTarget
	for key, ag := range agents {
		if sess := ag.CLISession(); sess != nil && sess.IsSpawned() && !sess.BrokerAttached() {
			targets = append(targets, handoffTarget{key, ptyIndexCLI, sess, ag.Repo, ag.IssueNumber, ag.BranchName, ag.WorktreePath})
		}
		if sess := ag.ServerSession(); sess != nil && sess.IsSpawned() && !sess.BrokerAttached() {
			targets = append(targets, handoffTarget{key, ptyIndexServer, sess, ag.Repo, ag.IssueNumber, ag.BranchName, ag.WorktreePath})
		}
	}
	if len(targets) == 0 {
		return
	}

	h.mu.RLock()
	client := h.brokerClient
	h.mu.RUnlock()
	if client == nil {
		if err := h.startBroker(); err != nil {
			h.Logger.Warn("broker unavailable, sessions will not survive shutdown", "error", err)
			return
		}
		h.mu.RLock()
		client = h.brokerClient
		h.mu.RUnlock()
	}

	existing, err := brokerSidecarPath(h.HubID)
	if err != nil {
		h.Logger.Warn("broker sidecar path unavailable", "error", err)
		return
	}
	records, _ := loadBrokerSidecar(existing)

	for _, t := range targets {
		wait := make(chan broker.RegisteredResponse, 1)
		key := registerKey(t.sessionKey, t.ptyIndex)
		h.mu.Lock()
		h.brokerRegisterWait[key] = wait
		h.mu.Unlock()

		rows, cols := t.session.Size()
		fd, err := t.session.DupMasterFD()
		if err != nil {
			h.Logger.Warn("broker handoff: dup fd failed", "session_key", t.sessionKey, "pty_index", t.ptyIndex, "error", err)
			h.mu.Lock()
			delete(h.brokerRegisterWait, key)
			h.mu.Unlock()
			continue
		}
		if err := client.TransferFD(t.sessionKey, t.ptyIndex, t.session.ChildPID(), rows, cols, fd); err != nil {
			h.Logger.Warn("broker handoff: transfer failed", "session_key", t.sessionKey, "pty_index", t.ptyIndex, "error", err)
			h.mu.Lock()
			delete(h.brokerRegisterWait, key)
			h.mu.Unlock()
			continue
		}
		t.session.DetachToBroker()

		select {
		case resp := <-wait:
			t.session.AttachBroker(client, resp.SessionID)
			h.mu.Lock()
			h.brokerSessions[resp.SessionID] = t.session
			h.mu.Unlock()
			records = append(records, brokerSessionRecord{
				SessionKey: t.sessionKey, PtyIndex: t.ptyIndex, BrokerID: resp.SessionID,
				Repo: t.repo, IssueNumber: t.issue, BranchName: t.branch, WorktreePath: t.worktree,
			})
		case <-time.After(brokerHandoffTimeout):
			h.Logger.Warn("broker handoff: no Registered response, session may be orphaned", "session_key", t.sessionKey, "pty_index", t.ptyIndex)
			h.mu.Lock()
			delete(h.brokerRegisterWait, key)
			h.mu.Unlock()
		}
	}

	if err := saveBrokerSidecar(existing, records); err != nil {
		h.Logger.Warn("failed to persist broker session sidecar", "error", err)
	}

	h.Logger.Info("handed off sessions to broker", "count", len(records))
}
