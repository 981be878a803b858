package core

// Frame is a raw payload pushed to a member's connection.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SessionID is the client token a browser keeps across connections.
type SessionID string
