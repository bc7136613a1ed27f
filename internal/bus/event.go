package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the orchestrator, sync task and ingestion path.
// The socket hub bridges these to subscribed client connections.
const (
	KindQRCode          = "session.qr_code"
	KindSessionStatus   = "session.status"
	KindSyncProgress    = "sync.progress"
	KindMessageReceived = "message.received"
	KindMessageAck      = "message.ack"
)

// QRCodeEvent carries a fresh pairing payload for a session.
type QRCodeEvent struct {
	SessionID string
	UserID    string
	Code      string
}

// StatusEvent carries a session status transition.
type StatusEvent struct {
	SessionID string
	UserID    string
	From      string
	To        string
}

// SyncProgressEvent carries sync progress for a session, 0..100.
type SyncProgressEvent struct {
	SessionID string
	UserID    string
	Progress  int
}

// MessagePayload is the wire-facing snapshot of a stored message.
type MessagePayload struct {
	ChatID      string
	MsgID       string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	HasMedia    bool
	Timestamp   int64
}

// MessageEvent is published exactly once per newly stored message.
type MessageEvent struct {
	SessionID string
	UserID    string
	Message   MessagePayload
}

// AckEvent carries a delivery acknowledgment level change.
type AckEvent struct {
	SessionID string
	UserID    string
	ChatID    string
	MsgIDs    []string
	Level     int
}
