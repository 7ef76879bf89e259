package ptysession

// ViewerID addresses one of the subscribers connected to a Session. The
// hub encodes its own hub.ClientID values as strings when calling down into
// a Session, keeping this package free of any dependency on the client
// registry above it.
type ViewerID string

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventOutput carries raw bytes read from the child process.
	EventOutput EventKind = iota
	// EventResized reports that the PTY's dimensions changed.
	EventResized
	// EventProcessExited reports that the child process has exited.
	EventProcessExited
	// EventOwnerChanged reports that the size owner changed, e.g. after
	// the previous owner disconnected.
	EventOwnerChanged
)

// Event is the tagged union published to subscribers of a Session.
type Event struct {
	Kind EventKind

	Output []byte // EventOutput

	Rows, Cols uint16 // EventResized

	ExitCode *int // EventProcessExited; nil means unknown/signaled

	NewOwner ViewerID // EventOwnerChanged
}
