// Package hub provides the central state management for botster-hub.
//
// This file defines the client registry: the tagged ClientID variant and
// per-client viewer state spec.md §9 calls for in place of polymorphism
// over client kinds ("Deep inheritance-free polymorphism over clients").
// Tui, Browser, and Socket clients all go through the same registry and
// the same ClientXForClient command surface; only the ClientID's kind
// tag differs.
package hub

import "fmt"

// ClientKind tags which of the three viewer variants a ClientID names.
type ClientKind int

const (
	ClientTui ClientKind = iota
	ClientBrowser
	ClientSocket
)

func (k ClientKind) String() string {
	switch k {
	case ClientTui:
		return "tui"
	case ClientBrowser:
		return "browser"
	case ClientSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// ClientID identifies one connected viewer. The Tui variant is a
// singleton (Value is always ""); Browser carries the peer's identity
// key; Socket carries a per-connection id allocated by the attach
// socket server.
type ClientID struct {
	Kind  ClientKind
	Value string
}

// TuiClientID is the one, permanent local TUI viewer.
var TuiClientID = ClientID{Kind: ClientTui}

// BrowserClientID names a browser peer by its ratchet identity key.
func BrowserClientID(identityKey string) ClientID {
	return ClientID{Kind: ClientBrowser, Value: identityKey}
}

// SocketClientID names one attach-socket connection.
func SocketClientID(id string) ClientID {
	return ClientID{Kind: ClientSocket, Value: id}
}

// String renders a ClientID for logging.
func (c ClientID) String() string {
	if c.Value == "" {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s:%s", c.Kind, c.Value)
}

// clientState is the per-viewer state the hub registry holds: most
// recently reported dimensions, which agent/PTY the client is currently
// viewing, and a client-local scroll offset. Per spec.md §3's Viewer
// invariant, a client's dimensions only drive the PTY size when that
// client is the PTY's size owner; that ownership lives in
// internal/ptysession, not here.
type clientState struct {
	Rows, Cols    uint16
	SelectedAgent string // session key, "" if none selected
	ScrollOffset  int
	ViewingServer bool // true if viewing the agent's server PTY rather than CLI
}

// clientRegistry maps ClientID to its viewer state. Not independently
// thread-safe: callers serialize access through HubHandle's command
// loop, per spec.md §9's "one lock in the hub actor" rule.
type clientRegistry struct {
	clients map[ClientID]*clientState
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[ClientID]*clientState)}
}

func (r *clientRegistry) connect(id ClientID) *clientState {
	st, ok := r.clients[id]
	if !ok {
		st = &clientState{Rows: 24, Cols: 80}
		r.clients[id] = st
	}
	return st
}

func (r *clientRegistry) disconnect(id ClientID) {
	delete(r.clients, id)
}

func (r *clientRegistry) get(id ClientID) (*clientState, bool) {
	st, ok := r.clients[id]
	return st, ok
}
