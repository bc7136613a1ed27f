package store

// Session is one external-network connection owned by exactly one user.
// QRPayload and PhoneNumber are never both set: the QR payload exists only
// while pairing is pending and is cleared on authentication.
type Session struct {
	ID           string
	UserID       string
	Status       string
	PhoneNumber  string
	QRPayload    string
	SyncProgress int
	LastSyncedAt int64
	CreatedAt    int64
	UpdatedAt    int64
}

// Chat represents one remote conversation thread scoped to a session.
type Chat struct {
	SessionID          string
	ChatID             string
	Name               string
	IsGroup            bool
	Participants       string // comma-separated JIDs, groups only
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Delivery acknowledgment levels, monotonically non-decreasing once set.
const (
	AckNone      = 0
	AckSent      = 1
	AckDelivered = 2
	AckRead      = 3
	AckPlayed    = 4
)

// Message represents one remote message scoped to a session, unique per
// (SessionID, MsgID).
type Message struct {
	ID          int64
	SessionID   string
	ChatID      string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	HasMedia    bool
	AckLevel    int
	Read        bool
	ReadAt      int64
	Timestamp   int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	SessionID    string
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
