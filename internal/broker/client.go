package broker

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/trybotster/botster-hub/internal/framing"
)

// Client is the hub-side handle to a broker process: a single Unix
// socket connection used to hand off PTY master FDs and relay input,
// resize, snapshot, and teardown control messages.
type Client struct {
	conn *net.UnixConn

	writeMu sync.Mutex
}

// Dial connects to a broker socket at path.
func Dial(path string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) writeFrame(frameType byte, payload []byte) error {
	frame, err := framing.Encode(frameType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(frame)
	return err
}

// TransferFD hands the PTY master FD to the broker in the same write as
// the FdTransfer metadata frame, via SCM_RIGHTS ancillary data. The
// broker assigns and returns a sessionID that subsequent calls address
// the session by.
func (c *Client) TransferFD(sessionKey string, ptyIndex int, childPID int, rows, cols uint16, fd uintptr) error {
	payload, err := encodeJSON(FdTransferRequest{
		SessionKey: sessionKey,
		PtyIndex:   ptyIndex,
		ChildPID:   childPID,
		Rows:       rows,
		Cols:       cols,
	})
	if err != nil {
		return err
	}
	frame, err := framing.Encode(framing.TypeFdTransfer, payload)
	if err != nil {
		return err
	}

	oob := unix.UnixRights(int(fd))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _, err = c.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("broker client: FD transfer failed: %w", err)
	}
	return nil
}

// SendInput relays keystrokes for sessionID to the broker's PTY master.
func (c *Client) SendInput(sessionID uint32, data []byte) error {
	payload, err := encodeJSON(PtyInputMessage{SessionID: sessionID, Bytes: data})
	if err != nil {
		return err
	}
	return c.writeFrame(framing.TypeBrokerInput, payload)
}

// Resize applies a new terminal size to sessionID's PTY.
func (c *Client) Resize(sessionID uint32, rows, cols uint16) error {
	payload, err := encodeJSON(ResizePtyMessage{SessionID: sessionID, Rows: rows, Cols: cols})
	if err != nil {
		return err
	}
	return c.writeFrame(framing.TypeResizePty, payload)
}

// RequestSnapshot asks the broker to render its custodied screen state
// for sessionID; the response arrives asynchronously as a Snapshot frame
// via ReadLoop.
func (c *Client) RequestSnapshot(sessionID uint32) error {
	payload, err := encodeJSON(GetSnapshotMessage{SessionID: sessionID})
	if err != nil {
		return err
	}
	return c.writeFrame(framing.TypeGetSnapshot, payload)
}

// Unregister tells the broker to kill and forget sessionID.
func (c *Client) Unregister(sessionID uint32) error {
	payload, err := encodeJSON(UnregisterPtyMessage{SessionID: sessionID})
	if err != nil {
		return err
	}
	return c.writeFrame(framing.TypeUnregisterPty, payload)
}

// KillAll tells the broker to tear down every custodied session and
// exit, per spec.md P8's explicit-shutdown path.
func (c *Client) KillAll() error {
	return c.writeFrame(framing.TypeKillAll, nil)
}

// Ping sends a liveness probe; the broker answers with Pong via ReadLoop.
func (c *Client) Ping() error {
	return c.writeFrame(framing.TypePing, nil)
}

// Handlers bundles the callbacks ReadLoop dispatches decoded broker
// frames to. A nil handler silently drops that frame type.
type Handlers struct {
	OnOutput     func(sessionID uint32, data []byte)
	OnSnapshot   func(sessionID uint32, ansiBytes []byte)
	OnRegistered func(resp RegisteredResponse)
	OnPong       func()
}

// ReadLoop blocks reading broker->hub frames until the connection
// closes or a malformed frame is received, dispatching each to the
// matching Handlers callback. Callers run it in its own goroutine.
func (c *Client) ReadLoop(h Handlers) error {
	decoder := framing.NewDecoder()
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return err
		}
		frames, err := decoder.Feed(buf[:n])
		if err != nil {
			return err
		}
		for _, f := range frames {
			dispatchBrokerFrame(f, h)
		}
	}
}

func dispatchBrokerFrame(f framing.Frame, h Handlers) {
	switch f.Type {
	case framing.TypeBrokerOutput:
		if h.OnOutput == nil {
			return
		}
		var msg PtyOutputMessage
		if decodeJSON(f.Payload, &msg) == nil {
			h.OnOutput(msg.SessionID, msg.Bytes)
		}

	case framing.TypeSnapshot:
		if h.OnSnapshot == nil {
			return
		}
		var msg SnapshotMessage
		if decodeJSON(f.Payload, &msg) == nil {
			h.OnSnapshot(msg.SessionID, msg.AnsiBytes)
		}

	case framing.TypeRegistered:
		if h.OnRegistered == nil {
			return
		}
		var resp RegisteredResponse
		if decodeJSON(f.Payload, &resp) == nil {
			h.OnRegistered(resp)
		}

	case framing.TypePong:
		if h.OnPong != nil {
			h.OnPong()
		}
	}
}
