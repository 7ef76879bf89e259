package relay

import (
	"encoding/json"
	"testing"
)

// ========== TerminalMessage Tests ==========

func TestOutputMessage(t *testing.T) {
	msg := OutputMessage("hello")
	if msg.Type != "output" {
		t.Errorf("Type = %q, want 'output'", msg.Type)
	}
	if msg.Data != "hello" {
		t.Errorf("Data = %q, want 'hello'", msg.Data)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(data) != `{"type":"output","data":"hello"}` {
		t.Errorf("JSON = %s", data)
	}
}

func TestAgentsMessage(t *testing.T) {
	repo := "owner/repo"
	agents := []AgentInfo{{ID: "test-id", Repo: &repo}}
	msg := AgentsMessage(agents)

	if msg.Type != "agents" {
		t.Errorf("Type = %q", msg.Type)
	}
	if len(msg.Agents) != 1 {
		t.Errorf("Agents len = %d", len(msg.Agents))
	}
}

func TestWorktreesMessage(t *testing.T) {
	worktrees := []WorktreeInfo{{Path: "/path", Branch: "main"}}
	msg := WorktreesMessage(worktrees, "owner/repo")

	if msg.Type != "worktrees" {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.Repo != "owner/repo" {
		t.Errorf("Repo = %q", msg.Repo)
	}
}

func TestAgentSelectedMessage(t *testing.T) {
	msg := AgentSelectedMessage("agent-123")
	if msg.Type != "agent_selected" {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.ID != "agent-123" {
		t.Errorf("ID = %q", msg.ID)
	}
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage("something went wrong")
	if msg.Type != "error" {
		t.Errorf("Type = %q", msg.Type)
	}
	if msg.Message != "something went wrong" {
		t.Errorf("Message = %q", msg.Message)
	}
}

func TestScrollbackMessage(t *testing.T) {
	lines := []string{"line1", "line2", "line3"}
	msg := ScrollbackMessage(lines)

	if msg.Type != "scrollback" {
		t.Errorf("Type = %q", msg.Type)
	}
	if len(msg.Lines) != 3 {
		t.Errorf("Lines len = %d", len(msg.Lines))
	}
}

// ========== BrowserCommand Parsing Tests ==========

func TestParseBrowserCommandInput(t *testing.T) {
	data := []byte(`{"type":"input","data":"ls -la"}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "input" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.Data != "ls -la" {
		t.Errorf("Data = %q", cmd.Data)
	}
}

func TestParseBrowserCommandSetMode(t *testing.T) {
	data := []byte(`{"type":"set_mode","mode":"gui"}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "set_mode" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.Mode != "gui" {
		t.Errorf("Mode = %q", cmd.Mode)
	}
}

func TestParseBrowserCommandListAgents(t *testing.T) {
	data := []byte(`{"type":"list_agents"}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "list_agents" {
		t.Errorf("Type = %q", cmd.Type)
	}
}

func TestParseBrowserCommandSelectAgent(t *testing.T) {
	data := []byte(`{"type":"select_agent","id":"agent-abc-123"}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "select_agent" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.ID != "agent-abc-123" {
		t.Errorf("ID = %q", cmd.ID)
	}
}

func TestParseBrowserCommandCreateAgent(t *testing.T) {
	data := []byte(`{"type":"create_agent","issue_or_branch":"42","prompt":"Fix the bug"}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "create_agent" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.IssueOrBranch == nil || *cmd.IssueOrBranch != "42" {
		t.Errorf("IssueOrBranch = %v", cmd.IssueOrBranch)
	}
	if cmd.Prompt == nil || *cmd.Prompt != "Fix the bug" {
		t.Errorf("Prompt = %v", cmd.Prompt)
	}
}

func TestParseBrowserCommandScroll(t *testing.T) {
	data := []byte(`{"type":"scroll","direction":"up","lines":5}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "scroll" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.Direction != "up" {
		t.Errorf("Direction = %q", cmd.Direction)
	}
	if cmd.Lines == nil || *cmd.Lines != 5 {
		t.Errorf("Lines = %v", cmd.Lines)
	}
}

func TestParseBrowserCommandResize(t *testing.T) {
	data := []byte(`{"type":"resize","cols":120,"rows":40}`)
	cmd, err := ParseBrowserCommand(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cmd.Type != "resize" {
		t.Errorf("Type = %q", cmd.Type)
	}
	if cmd.Cols != 120 {
		t.Errorf("Cols = %d", cmd.Cols)
	}
	if cmd.Rows != 40 {
		t.Errorf("Rows = %d", cmd.Rows)
	}
}

func TestParseBrowserCommandInvalid(t *testing.T) {
	data := []byte(`not valid json`)
	_, err := ParseBrowserCommand(data)
	if err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

// ========== CommandToEvent Tests ==========

func TestCommandToEventInput(t *testing.T) {
	cmd := &BrowserCommand{Type: "input", Data: "test"}
	event := CommandToEvent(cmd)
	if event.Type != EventInput {
		t.Errorf("Type = %v, want EventInput", event.Type)
	}
	if event.Data != "test" {
		t.Errorf("Data = %q", event.Data)
	}
}

func TestCommandToEventSetMode(t *testing.T) {
	cmd := &BrowserCommand{Type: "set_mode", Mode: "gui"}
	event := CommandToEvent(cmd)
	if event.Type != EventSetMode {
		t.Errorf("Type = %v", event.Type)
	}
	if event.Mode != "gui" {
		t.Errorf("Mode = %q", event.Mode)
	}
}

func TestCommandToEventScroll(t *testing.T) {
	lines := uint32(5)
	cmd := &BrowserCommand{Type: "scroll", Direction: "up", Lines: &lines}
	event := CommandToEvent(cmd)
	if event.Type != EventScroll {
		t.Errorf("Type = %v", event.Type)
	}
	if event.Direction != "up" {
		t.Errorf("Direction = %q", event.Direction)
	}
	if event.Lines != 5 {
		t.Errorf("Lines = %d", event.Lines)
	}
}

func TestCommandToEventScrollDefaultLines(t *testing.T) {
	cmd := &BrowserCommand{Type: "scroll", Direction: "down"}
	event := CommandToEvent(cmd)
	if event.Lines != 10 {
		t.Errorf("Lines = %d, want 10 (default)", event.Lines)
	}
}

func TestCommandToEventResize(t *testing.T) {
	cmd := &BrowserCommand{Type: "resize", Cols: 120, Rows: 40}
	event := CommandToEvent(cmd)
	if event.Type != EventResize {
		t.Errorf("Type = %v", event.Type)
	}
	if event.Resize == nil {
		t.Fatal("Resize is nil")
	}
	if event.Resize.Cols != 120 || event.Resize.Rows != 40 {
		t.Errorf("Resize = %v", event.Resize)
	}
}

func TestCommandToEventHandshake(t *testing.T) {
	cmd := &BrowserCommand{
		Type:              "handshake",
		DeviceName:        "Test Device",
		BrowserCurve25519: "base64key",
	}
	event := CommandToEvent(cmd)
	if event.Type != EventConnected {
		t.Errorf("Type = %v", event.Type)
	}
	if event.DeviceName != "Test Device" {
		t.Errorf("DeviceName = %q", event.DeviceName)
	}
	if event.PublicKey != "base64key" {
		t.Errorf("PublicKey = %q", event.PublicKey)
	}
}

// ========== AgentInfo Serialization Tests ==========

func TestAgentInfoSerialization(t *testing.T) {
	repo := "owner/repo"
	issueNum := uint64(42)
	branch := "botster-issue-42"
	status := "Running"
	port := uint16(3000)
	running := true
	hasPty := true
	view := "cli"
	offset := uint32(0)
	hubID := "hub-123"

	info := AgentInfo{
		ID:            "test-id",
		Repo:          &repo,
		IssueNumber:   &issueNum,
		BranchName:    &branch,
		Status:        &status,
		TunnelPort:    &port,
		ServerRunning: &running,
		HasServerPty:  &hasPty,
		ActivePtyView: &view,
		ScrollOffset:  &offset,
		HubIdentifier: &hubID,
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded AgentInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if decoded.ID != "test-id" {
		t.Errorf("ID = %q", decoded.ID)
	}
	if decoded.IssueNumber == nil || *decoded.IssueNumber != 42 {
		t.Errorf("IssueNumber = %v", decoded.IssueNumber)
	}
}
