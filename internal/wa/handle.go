package wa

import (
	"context"
	"errors"

	"github.com/dmarquesp/wahub/internal/store"
)

// ErrHandleClosed is returned by handle operations after Destroy.
var ErrHandleClosed = errors.New("client handle closed")

// Lifecycle and data event kinds delivered on a handle's event channel.
const (
	EventPairingCode   = "pairing_code"
	EventAuthenticated = "authenticated"
	EventAuthFailure   = "auth_failure"
	EventDisconnected  = "disconnected"
	EventMessage       = "message"
	EventAck           = "ack"
)

// Event is one normalized inbound event from the messaging network. Events
// for a session are consumed in arrival order by the orchestrator.
type Event struct {
	Kind    string
	Code    string // pairing payload, EventPairingCode only
	Phone   string // EventAuthenticated only
	Message *store.Message
	Ack     *AckUpdate
	Reason  string // EventAuthFailure / EventDisconnected detail
}

// AckUpdate reports an acknowledgment level change for one or more messages
// in a chat. SelfRead is set when the receipt came from the session owner's
// own device reading the chat, which also clears its unread counter.
type AckUpdate struct {
	ChatID    string
	MsgIDs    []string
	Level     int
	SelfRead  bool
	Timestamp int64
}

// Conversation is one remote conversation as listed by the client.
type Conversation struct {
	ChatID        string
	Name          string
	IsGroup       bool
	Participants  []string
	UnreadCount   int
	LastMessageAt int64
}

// Handle is a live connection to the messaging network for one session.
// The orchestrator exclusively owns the mapping from session ID to Handle.
type Handle interface {
	// Initialize connects to the network. For an unauthenticated session it
	// starts the pairing flow; pairing codes arrive as events.
	Initialize(ctx context.Context) error
	// Destroy tears the connection down. Credentials are kept so a later
	// restore can reconnect without pairing. Safe to call more than once.
	Destroy()
	IsReady() bool
	PhoneNumber() string
	// Events delivers lifecycle and data events in arrival order. The
	// channel stays open for the life of the handle; consumers stop reading
	// when they discard the handle.
	Events() <-chan Event
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchMessages(ctx context.Context, chatID string, limit int) ([]*store.Message, error)
	SendText(ctx context.Context, chatID, body string) (string, error)
}
