package port

// Connection is a live, authenticated client connection.
type Connection interface {
	// ID is unique per physical connection; two logins of one user never share it.
	ID() string
	UserID() string
	// Emit queues an outbound event without blocking.
	Emit(event string, data any) error
	// Supersede tells the client a newer login replaced it, then closes it.
	Supersede()
}

// PresenceRegistry maps a user to its single live connection.
type PresenceRegistry interface {
	// Register installs conn for userID and returns the connection it displaced, if any.
	Register(userID string, conn Connection) Connection
	Lookup(userID string) (Connection, bool)
	// Remove deletes the entry only while it still points at conn.
	Remove(userID string, conn Connection) bool
	Count() int
}

// PresenceObserver is told about presence transitions after they happen.
type PresenceObserver interface {
	Online(userID, connID string)
	Offline(userID, connID string)
}

// Socket is the transport half of a connection: a non-blocking outbound event queue
// that can be shut down once.
type Socket interface {
	ID() string
	Emit(event string, data any) error
	Reply(event, requestID string, data any) error
	// Close flushes queued events and closes the transport. It is idempotent.
	Close()
	// OnClose registers fn to run once the transport is gone, immediately if it already is.
	OnClose(fn func())
}
