// Package hub provides the central state management for botster-hub.
//
// This file implements HubHandle: the cloneable, Send-safe command
// channel actor spec.md §4.5 and §9 call for in place of the source's
// heavy shared-state object reached into from many call sites. Every
// viewer-visible mutation becomes a typed command on a single bounded
// channel (depth 256, spec.md §5's intentional backpressure point),
// processed one at a time by Run's loop goroutine. The TUI, the attach
// socket, the browser bridge, and the durable ingress client are all
// just more callers of this same handle: none of them reach into *Hub
// for a viewer-visible mutation. The Hub type still does its own
// locking for the agent map and is read directly for cheap, purely
// informational lookups (the TUI's rendering loop, for instance), but
// every create/select/delete/resize/input/scroll crosses this channel.
package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trybotster/botster-hub/internal/agent"
	"github.com/trybotster/botster-hub/internal/ptysession"
)

// commandChannelDepth is the hub command queue depth; callers block once
// it is full, per spec.md §5's "only intentional backpressure" rule.
const commandChannelDepth = 256

// AgentInfo is a snapshot view of one agent, returned by ListAgents,
// CreateAgent, and GetAgent. It never aliases the live *agent.Agent so
// callers outside the hub package can't mutate hub state directly.
type AgentInfo struct {
	SessionKey    string
	DisplayIndex  int
	Repo          string
	BranchName    string
	IssueNumber   *int
	WorktreePath  string
	TunnelPort    *int
	HasServerPTY  bool
	Status        string
}

func agentInfoFrom(ag *agent.Agent, displayIndex int) AgentInfo {
	return AgentInfo{
		SessionKey:   ag.SessionKey(),
		DisplayIndex: displayIndex,
		Repo:         ag.Repo,
		BranchName:   ag.BranchName,
		IssueNumber:  ag.IssueNumber,
		WorktreePath: ag.WorktreePath,
		TunnelPort:   ag.TunnelPort,
		HasServerPTY: ag.HasServerPTY(),
		Status:       string(ag.Status),
	}
}

// CreateAgentRequest carries everything needed to spawn a new agent.
// The slow part (worktree creation) is expected to have already run by
// the time this reaches HubHandle, per spec.md §4.5's "agent creation is
// split" contract; CreateAgentRequest only drives the fast PTY-spawn
// half.
type CreateAgentRequest struct {
	Repo         string
	IssueNumber  *int
	BranchName   string
	WorktreePath string
	Command      string
	Env          map[string]string
}

// command is the sum type carried on HubHandle's channel. Exactly one
// of the op-specific fields is meaningful per command; reply is always
// set and always closed by the handler goroutine (even on error).
type command struct {
	op    commandOp
	reply chan commandResult
	// --- CreateAgent / DeleteAgent ---
	createReq      CreateAgentRequest
	sessionKey     string
	deleteWorktree bool
	// --- GetAgentByIndex / GetPtySession ---
	index    int
	ptyIndex int
	// --- client-scoped commands ---
	client ClientID
	dims   struct{ rows, cols uint16 }
	input  []byte
	scroll struct {
		direction string
		lines     int
	}
	// --- HandleIngressMessage ---
	ingressEventType string
	ingressEventID   string
	ingressPayload   json.RawMessage
}

type commandOp int

const (
	opCreateAgent commandOp = iota
	opDeleteAgent
	opListAgents
	opGetAgent
	opGetAgentByIndex
	opGetPtySession
	opClientConnected
	opClientDisconnected
	opSelectAgentForClient
	opSendInputForClient
	opResizeForClient
	opScrollForClient
	opTogglePtyViewForClient
	opHandleIngressMessage
)

type commandResult struct {
	agentInfo  *AgentInfo
	agentInfos []AgentInfo
	ptySession *ptysession.Session
	sessionKey string
	err        error
}

// HubHandle wraps a command sender around a *Hub. It is cloneable (a
// thin struct holding a channel), Send+Sync, and exposes both blocking
// (ctx-respecting) and fire-and-forget methods, per spec.md §4.5.
type HubHandle struct {
	hub *Hub
	cmd chan command
}

// NewHubHandle creates a HubHandle for h and starts no goroutine yet;
// call Run to start processing commands.
func NewHubHandle(h *Hub) *HubHandle {
	return &HubHandle{
		hub: h,
		cmd: make(chan command, commandChannelDepth),
	}
}

// Run processes commands until ctx is cancelled or the channel is
// closed. It is the hub's single owning task: every command handler
// below runs exclusively on this goroutine.
func (hh *HubHandle) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-hh.cmd:
			if !ok {
				return
			}
			hh.handle(c)
		}
	}
}

func (hh *HubHandle) handle(c command) {
	switch c.op {
	case opCreateAgent:
		hh.handleCreateAgent(c)
	case opDeleteAgent:
		hh.handleDeleteAgent(c)
	case opListAgents:
		hh.handleListAgents(c)
	case opGetAgent:
		hh.handleGetAgent(c)
	case opGetAgentByIndex:
		hh.handleGetAgentByIndex(c)
	case opGetPtySession:
		hh.handleGetPtySession(c)
	case opClientConnected:
		hh.handleClientConnected(c)
	case opClientDisconnected:
		hh.handleClientDisconnected(c)
	case opSelectAgentForClient:
		hh.handleSelectAgentForClient(c)
	case opSendInputForClient:
		hh.handleSendInputForClient(c)
	case opResizeForClient:
		hh.handleResizeForClient(c)
	case opScrollForClient:
		hh.handleScrollForClient(c)
	case opTogglePtyViewForClient:
		hh.handleTogglePtyViewForClient(c)
	case opHandleIngressMessage:
		hh.handleIngressMessage(c)
	default:
		c.reply <- commandResult{err: fmt.Errorf("hub: unknown command op %d", c.op)}
	}
}

func (hh *HubHandle) send(c command) commandResult {
	c.reply = make(chan commandResult, 1)
	hh.cmd <- c
	return <-c.reply
}

// --- Agent-lifecycle commands (spec.md §4.5 table) ---

func (hh *HubHandle) handleCreateAgent(c command) {
	req := c.createReq
	if err := hh.hub.SpawnAgent(req.Repo, req.IssueNumber, req.BranchName, req.WorktreePath, req.Command, req.Env); err != nil {
		c.reply <- commandResult{err: err}
		return
	}
	sessionKey := buildSessionKey(req.Repo, req.IssueNumber, req.BranchName)
	ag, ok := hh.hub.AgentByKey(sessionKey)
	if !ok {
		c.reply <- commandResult{err: fmt.Errorf("hub: agent %q not found after spawn", sessionKey)}
		return
	}
	info := agentInfoFrom(ag, hh.displayIndexOf(sessionKey))
	c.reply <- commandResult{agentInfo: &info}
}

// CreateAgent spawns a new agent and returns its info once registered.
// Kicking off the slow working-tree creation is the caller's
// responsibility (per spec.md §4.5); CreateAgentRequest.WorktreePath is
// expected to already exist.
func (hh *HubHandle) CreateAgent(req CreateAgentRequest) (AgentInfo, error) {
	res := hh.send(command{op: opCreateAgent, createReq: req})
	if res.err != nil {
		return AgentInfo{}, res.err
	}
	return *res.agentInfo, nil
}

func (hh *HubHandle) handleDeleteAgent(c command) {
	var err error
	if c.deleteWorktree {
		err = hh.hub.CloseAgentAndDeleteWorktree(c.sessionKey)
	} else {
		err = hh.hub.CloseAgent(c.sessionKey)
	}
	c.reply <- commandResult{err: err}
}

// DeleteAgent disconnects all viewers, closes the agent's PTYs, and
// optionally removes its working tree.
func (hh *HubHandle) DeleteAgent(sessionKey string, deleteWorktree bool) error {
	res := hh.send(command{op: opDeleteAgent, sessionKey: sessionKey, deleteWorktree: deleteWorktree})
	return res.err
}

func (hh *HubHandle) handleListAgents(c command) {
	agents := hh.hub.GetAgentsOrdered()
	infos := make([]AgentInfo, len(agents))
	for i, ag := range agents {
		infos[i] = agentInfoFrom(ag, i)
	}
	c.reply <- commandResult{agentInfos: infos}
}

// ListAgents returns a snapshot of every active agent in display order.
func (hh *HubHandle) ListAgents() []AgentInfo {
	res := hh.send(command{op: opListAgents})
	return res.agentInfos
}

func (hh *HubHandle) handleGetAgent(c command) {
	ag, ok := hh.hub.GetSessionByID(c.sessionKey)
	if !ok {
		ag, ok = hh.hub.AgentByKey(c.sessionKey)
	}
	if !ok {
		c.reply <- commandResult{err: fmt.Errorf("hub: agent not found: %s", c.sessionKey)}
		return
	}
	info := agentInfoFrom(ag, hh.displayIndexOf(ag.SessionKey()))
	c.reply <- commandResult{agentInfo: &info}
}

// GetAgent returns info for the agent matching id (session key or short
// agent id), or an error if no such agent exists.
func (hh *HubHandle) GetAgent(id string) (AgentInfo, error) {
	res := hh.send(command{op: opGetAgent, sessionKey: id})
	if res.err != nil {
		return AgentInfo{}, res.err
	}
	return *res.agentInfo, nil
}

func (hh *HubHandle) handleGetAgentByIndex(c command) {
	agents := hh.hub.GetAgentsOrdered()
	if c.index < 0 || c.index >= len(agents) {
		c.reply <- commandResult{}
		return
	}
	info := agentInfoFrom(agents[c.index], c.index)
	c.reply <- commandResult{agentInfo: &info}
}

// GetAgentByIndex does a positional lookup, returning (info, true) if i
// is in range or (zero, false) otherwise.
func (hh *HubHandle) GetAgentByIndex(i int) (AgentInfo, bool) {
	res := hh.send(command{op: opGetAgentByIndex, index: i})
	if res.agentInfo == nil {
		return AgentInfo{}, false
	}
	return *res.agentInfo, true
}

func (hh *HubHandle) handleGetPtySession(c command) {
	agents := hh.hub.GetAgentsOrdered()
	if c.index < 0 || c.index >= len(agents) {
		c.reply <- commandResult{err: fmt.Errorf("hub: agent index %d out of range", c.index)}
		return
	}
	ag := agents[c.index]
	var sess *ptysession.Session
	switch c.ptyIndex {
	case 0:
		sess = ag.CLISession()
	case 1:
		sess = ag.ServerSession()
	default:
		c.reply <- commandResult{err: fmt.Errorf("hub: unknown pty index %d", c.ptyIndex)}
		return
	}
	if sess == nil {
		c.reply <- commandResult{err: fmt.Errorf("hub: agent %s has no pty %d", ag.SessionKey(), c.ptyIndex)}
		return
	}
	c.reply <- commandResult{ptySession: sess, sessionKey: ag.SessionKey()}
}

// GetPtySession resolves the live *ptysession.Session for the pty at
// ptyIndex (0=CLI, 1=server) on the agent at display position
// agentIndex. The attach socket's wire protocol multiplexes many
// agent/pty pairs over one connection (spec.md §6), unlike the TUI's
// single current-selection model, so it addresses sessions directly
// instead of going through SelectAgentForClient. The returned Session is
// itself safe for concurrent use from the caller's own goroutine.
func (hh *HubHandle) GetPtySession(agentIndex, ptyIndex int) (*ptysession.Session, string, error) {
	res := hh.send(command{op: opGetPtySession, index: agentIndex, ptyIndex: ptyIndex})
	if res.err != nil {
		return nil, "", res.err
	}
	return res.ptySession, res.sessionKey, nil
}

func (hh *HubHandle) displayIndexOf(sessionKey string) int {
	for i, ag := range hh.hub.GetAgentsOrdered() {
		if ag.SessionKey() == sessionKey {
			return i
		}
	}
	return -1
}

// --- Client-scoped actions (spec.md §4.5) ---

func (hh *HubHandle) handleClientConnected(c command) {
	hh.hub.clients.connect(c.client)
	c.reply <- commandResult{}
}

// ClientConnected registers a new viewer. For Browser clients this must
// only be called once the encrypted session exists, per spec.md §4.5.
func (hh *HubHandle) ClientConnected(id ClientID) {
	hh.send(command{op: opClientConnected, client: id})
}

func (hh *HubHandle) handleClientDisconnected(c command) {
	st, ok := hh.hub.clients.get(c.client)
	if ok && st.SelectedAgent != "" {
		if ag, exists := hh.hub.AgentByKey(st.SelectedAgent); exists {
			disconnectClientFromAgent(ag, c.client)
		}
	}
	hh.hub.clients.disconnect(c.client)
	c.reply <- commandResult{}
}

// ClientDisconnected unregisters id and disconnects it from whatever PTY
// it was subscribed to (size-owner reassignment happens inside
// internal/ptysession per its own policy).
func (hh *HubHandle) ClientDisconnected(id ClientID) {
	hh.send(command{op: opClientDisconnected, client: id})
}

func (hh *HubHandle) handleSelectAgentForClient(c command) {
	st := hh.hub.clients.connect(c.client)
	ag, ok := hh.hub.AgentByKey(c.sessionKey)
	if !ok {
		c.reply <- commandResult{err: fmt.Errorf("hub: agent not found: %s", c.sessionKey)}
		return
	}
	// Selection only ensures the viewer channel exists; it never
	// resizes the PTY (spec.md §4.5 "selection is not resize").
	if prev := st.SelectedAgent; prev != "" && prev != c.sessionKey {
		if prevAg, exists := hh.hub.AgentByKey(prev); exists {
			disconnectClientFromAgent(prevAg, c.client)
		}
	}
	st.SelectedAgent = c.sessionKey
	if sess := ag.CLISession(); sess != nil {
		sess.Connect(ptyViewerID(c.client), st.Rows, st.Cols)
	}
	c.reply <- commandResult{}
}

// SelectAgentForClient binds client to agentKey's viewer channels,
// connecting it as a subscriber (and potentially a size owner, per
// internal/ptysession's policy) without issuing any resize itself.
func (hh *HubHandle) SelectAgentForClient(client ClientID, agentKey string) error {
	res := hh.send(command{op: opSelectAgentForClient, client: client, sessionKey: agentKey})
	return res.err
}

func (hh *HubHandle) handleSendInputForClient(c command) {
	st, ok := hh.hub.clients.get(c.client)
	if !ok || st.SelectedAgent == "" {
		c.reply <- commandResult{err: fmt.Errorf("hub: client %s has no selected agent", c.client)}
		return
	}
	ag, ok := hh.hub.AgentByKey(st.SelectedAgent)
	if !ok {
		c.reply <- commandResult{err: fmt.Errorf("hub: selected agent %s gone", st.SelectedAgent)}
		return
	}
	err := ag.WriteInput(c.input)
	c.reply <- commandResult{err: err}
}

// SendInputForClient routes bytes to the PTY client is currently
// selected on.
func (hh *HubHandle) SendInputForClient(client ClientID, data []byte) error {
	res := hh.send(command{op: opSendInputForClient, client: client, input: data})
	return res.err
}

func (hh *HubHandle) handleResizeForClient(c command) {
	st := hh.hub.clients.connect(c.client)
	st.Rows, st.Cols = c.dims.rows, c.dims.cols
	if st.SelectedAgent == "" {
		c.reply <- commandResult{}
		return
	}
	ag, ok := hh.hub.AgentByKey(st.SelectedAgent)
	if !ok {
		c.reply <- commandResult{}
		return
	}
	viewer := ptyViewerID(c.client)
	if sess := ag.CLISession(); sess != nil {
		sess.Resize(viewer, c.dims.rows, c.dims.cols)
	}
	if sess := ag.ServerSession(); sess != nil {
		sess.Resize(viewer, c.dims.rows, c.dims.cols)
	}
	c.reply <- commandResult{}
}

// ResizeForClient updates client's stored dimensions and issues
// PTY-level resizes for every PTY it is connected to. Per §4.1's size
// owner policy, the resize only takes effect on PTYs where client is
// the current size owner.
func (hh *HubHandle) ResizeForClient(client ClientID, rows, cols uint16) {
	hh.send(command{op: opResizeForClient, client: client, dims: struct{ rows, cols uint16 }{rows, cols}})
}

func (hh *HubHandle) handleScrollForClient(c command) {
	st, ok := hh.hub.clients.get(c.client)
	if !ok || st.SelectedAgent == "" {
		c.reply <- commandResult{}
		return
	}
	ag, ok := hh.hub.AgentByKey(st.SelectedAgent)
	if !ok {
		c.reply <- commandResult{}
		return
	}
	switch c.scroll.direction {
	case "up":
		ag.ScrollUp(c.scroll.lines)
	case "down":
		ag.ScrollDown(c.scroll.lines)
	case "top":
		ag.ScrollUp(ag.ScrollbackCount())
	case "bottom":
		ag.ScrollReset()
	}
	c.reply <- commandResult{}
}

// ScrollForClient scrolls the selected agent's view of its active PTY's
// scrollback. The scroll position is held on the agent, so every client
// viewing that agent shares it; the client's own ScrollOffset field is
// not updated. It never writes to the PTY.
func (hh *HubHandle) ScrollForClient(client ClientID, direction string, lines int) {
	hh.send(command{op: opScrollForClient, client: client, scroll: struct {
		direction string
		lines     int
	}{direction, lines}})
}

func (hh *HubHandle) handleTogglePtyViewForClient(c command) {
	st, ok := hh.hub.clients.get(c.client)
	if !ok || st.SelectedAgent == "" {
		c.reply <- commandResult{}
		return
	}
	if ag, exists := hh.hub.AgentByKey(st.SelectedAgent); exists {
		ag.TogglePTYView()
		st.ViewingServer = !st.ViewingServer
	}
	c.reply <- commandResult{}
}

// TogglePtyViewForClient flips client's view between the CLI and server
// PTY of its selected agent. The active PTY is held on the agent, so the
// switch applies to every client viewing it.
func (hh *HubHandle) TogglePtyViewForClient(client ClientID) {
	hh.send(command{op: opTogglePtyViewForClient, client: client})
}

func (hh *HubHandle) handleIngressMessage(c command) {
	hh.hub.HandleIngressMessage(c.ingressEventType, c.ingressEventID, c.ingressPayload)
	c.reply <- commandResult{}
}

// HandleIngressMessage submits a durable ingress command (internal/ingress)
// through the actor rather than letting the ingress client's own goroutine
// call into *Hub directly. The command's eventual agent-spawning side
// effect (issue_mention) is a viewer-visible mutation like any other and
// belongs on the same serialized path as CreateAgent.
func (hh *HubHandle) HandleIngressMessage(eventType, eventID string, payload json.RawMessage) {
	hh.send(command{op: opHandleIngressMessage, ingressEventType: eventType, ingressEventID: eventID, ingressPayload: payload})
}

// ptyViewerID derives the ptysession.ViewerID a given hub client uses
// when subscribing/resizing a PTY, so size ownership (internal/ptysession)
// and the client registry (this package) agree on identity.
func ptyViewerID(c ClientID) ptysession.ViewerID {
	return ptysession.ViewerID(c.String())
}

func disconnectClientFromAgent(ag *agent.Agent, client ClientID) {
	viewer := ptyViewerID(client)
	if sess := ag.CLISession(); sess != nil {
		sess.Disconnect(viewer)
	}
	if sess := ag.ServerSession(); sess != nil {
		sess.Disconnect(viewer)
	}
}
