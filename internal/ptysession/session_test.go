package ptysession

import (
	"strings"
	"syscall"
	"testing"
	"time"
)

func collectOutput(t *testing.T, sub *subscriber, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var got strings.Builder
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventOutput {
				got.Write(ev.Output)
				if strings.Contains(got.String(), want) {
					return got.String()
				}
			}
		case <-deadline:
			return got.String()
		}
	}
}

func TestNewSession(t *testing.T) {
	s := New(24, 80, nil)
	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("size = (%d,%d), want (24,80)", rows, cols)
	}
	if s.IsSpawned() {
		t.Error("IsSpawned() = true before spawn")
	}
}

func TestSpawnEcho(t *testing.T) {
	s := New(24, 80, nil)
	sub := s.Subscribe("test-viewer")

	if err := s.Spawn(SpawnConfig{Command: "echo", Args: []string{"hello", "world"}, Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if !s.IsSpawned() {
		t.Error("IsSpawned() = false after spawn")
	}

	out := collectOutput(t, sub, "hello world", time.Second)
	if !strings.Contains(out, "hello world") {
		t.Errorf("output = %q, want to contain 'hello world'", out)
	}
	s.Kill()
}

func TestWriteInputEchoedByCat(t *testing.T) {
	s := New(24, 80, nil)
	sub := s.Subscribe("test-viewer")

	if err := s.Spawn(SpawnConfig{Command: "/bin/cat", Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if _, err := s.WriteInput([]byte("hello from test\n")); err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}

	out := collectOutput(t, sub, "hello from test", time.Second)
	if !strings.Contains(out, "hello from test") {
		t.Errorf("output = %q, want to contain 'hello from test'", out)
	}
	s.Kill()
}

func TestSizeOwnershipFirstConnectBecomesOwner(t *testing.T) {
	s := New(24, 80, nil)

	s.Connect("A", 24, 80)
	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("size after first connect = (%d,%d), want (24,80)", rows, cols)
	}

	s.Connect("B", 50, 120)
	rows, cols = s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("size changed on non-owner connect: (%d,%d)", rows, cols)
	}
}

func TestSizeOwnershipTransfersOnOwnerDisconnect(t *testing.T) {
	s := New(24, 80, nil)

	s.Connect("A", 24, 80)
	time.Sleep(time.Millisecond)
	s.Connect("B", 50, 120)

	s.Disconnect("A")

	rows, cols := s.Size()
	if rows != 50 || cols != 120 {
		t.Errorf("size after owner disconnect = (%d,%d), want (50,120)", rows, cols)
	}
}

func TestResizeNoopForNonOwner(t *testing.T) {
	s := New(24, 80, nil)
	s.Connect("A", 24, 80)
	s.Connect("B", 50, 120)

	s.Resize("B", 99, 99)

	rows, cols := s.Size()
	if rows != 24 || cols != 80 {
		t.Errorf("size changed by non-owner resize: (%d,%d)", rows, cols)
	}
}

func TestResizeAppliesForOwner(t *testing.T) {
	s := New(24, 80, nil)
	s.Connect("A", 24, 80)

	s.Resize("A", 40, 120)

	rows, cols := s.Size()
	if rows != 40 || cols != 120 {
		t.Errorf("size after owner resize = (%d,%d), want (40,120)", rows, cols)
	}
}

func TestKillCompletesPromptly(t *testing.T) {
	s := New(24, 80, nil)
	if err := s.Spawn(SpawnConfig{Command: "/bin/bash", Args: []string{"-c", "sleep 60"}, Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Kill()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Kill() blocked for too long")
	}
}

func TestInitCommands(t *testing.T) {
	s := New(24, 80, nil)
	sub := s.Subscribe("test-viewer")

	err := s.Spawn(SpawnConfig{
		Command:      "/bin/cat",
		Dir:          "/tmp",
		InitCommands: []string{"init_cmd_1", "init_cmd_2"},
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	out := collectOutput(t, sub, "init_cmd_2", time.Second)
	if !strings.Contains(out, "init_cmd_1") || !strings.Contains(out, "init_cmd_2") {
		t.Errorf("output = %q, want both init commands", out)
	}
	s.Kill()
}

func TestKillEmitsProcessExited(t *testing.T) {
	s := New(24, 80, nil)
	sub := s.Subscribe("test-viewer")
	if err := s.Spawn(SpawnConfig{Command: "/bin/bash", Args: []string{"-c", "sleep 60"}, Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	s.Kill()

	select {
	case ev := <-sub.Events():
		if ev.Kind != EventProcessExited {
			t.Fatalf("event kind = %v, want EventProcessExited", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Kill() did not publish EventProcessExited")
	}
}

func TestDetachToBrokerDoesNotEmitProcessExited(t *testing.T) {
	s := New(24, 80, nil)
	sub := s.Subscribe("test-viewer")
	if err := s.Spawn(SpawnConfig{Command: "/bin/bash", Args: []string{"-c", "sleep 60"}, Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	s.DetachToBroker()

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after DetachToBroker: %v (child is alive under the broker, not exited)", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	// The child is still alive under the broker; DetachToBroker must not
	// have killed it.
	if err := s.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		t.Errorf("child process appears to have exited after DetachToBroker: %v", err)
	}
	_ = s.cmd.Process.Kill()
	_, _ = s.cmd.Process.Wait()
}

func TestScrollbackBounded(t *testing.T) {
	s := New(24, 80, nil)
	if err := s.Spawn(SpawnConfig{Command: "/bin/bash", Args: []string{"-c", "for i in $(seq 1 200000); do printf x; done"}, Dir: "/tmp"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	s.Kill()

	sb := s.ScrollbackSnapshot()
	if len(sb) > MaxScrollbackBytes {
		t.Errorf("scrollback len = %d, want <= %d", len(sb), MaxScrollbackBytes)
	}
}
