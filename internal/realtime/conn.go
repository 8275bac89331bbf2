package realtime

// Conn is the transport-level connection handle the registries deliver to.
// The registry owns room membership only, never the connection lifecycle;
// Send must return an error when the peer is gone so the registry can prune.
// Defined at the consumer side per Go conventions.
type Conn interface {
	// ID returns a stable identifier for this connection.
	ID() string
	// Send delivers a JSON-serializable payload to the peer.
	Send(v any) error
}

// ConnInfo carries optional metadata recorded when a connection joins a room.
type ConnInfo struct {
	UserID    string
	SessionID string
	Remote    string
}
