package wa

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/dmarquesp/wahub/internal/paths"
	"github.com/dmarquesp/wahub/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

// Client wraps a whatsmeow client bound to one session's credential store.
// It implements Handle.
type Client struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	logger    *zap.Logger
	events    chan Event
	history   *historyBuffer

	mu     sync.Mutex
	closed chan struct{}
	done   bool
}

// Open creates a client handle for the given session. The whatsmeow device
// store lives under <dataDir>/sessions/<sessionID>/session.db, so re-opening
// with the same session ID reuses previously persisted credentials.
func Open(ctx context.Context, dataDir, sessionID string, logger *zap.Logger) (*Client, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WAHub", [3]uint32{0, 1, 0})

	if err := paths.EnsureSessionDir(dataDir, sessionID); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dbPath := paths.SessionDBPath(dataDir, sessionID)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	c := &Client{
		sessionID: sessionID,
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		logger:    logger.With(zap.String("session_id", sessionID)),
		events:    make(chan Event, 256),
		history:   newHistoryBuffer(),
		closed:    make(chan struct{}),
	}
	c.client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Initialize connects to WhatsApp. For an unauthenticated session the QR
// pairing flow is started and pairing codes are delivered as events.
func (c *Client) Initialize(ctx context.Context) error {
	if c.client.Store.ID != nil {
		c.logger.Info("connecting with stored credentials")
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		return nil
	}

	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				c.emit(Event{Kind: EventPairingCode, Code: item.Code})
			case "success":
				// Connected event follows and carries the phone number.
			case "timeout":
				c.emit(Event{Kind: EventAuthFailure, Reason: "pairing timeout"})
			default:
				if item.Error != nil {
					c.emit(Event{Kind: EventAuthFailure, Reason: item.Error.Error()})
				}
			}
		}
	}()
	return nil
}

// Destroy disconnects and marks the handle closed. Credentials stay on disk
// so the session can be restored later. Safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	close(c.closed)
	c.mu.Unlock()

	c.logger.Info("destroying client handle")
	c.client.Disconnect()
}

// IsReady reports whether the handle is connected and authenticated.
func (c *Client) IsReady() bool {
	return c.client.IsConnected() && c.client.Store.ID != nil
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (c *Client) PhoneNumber() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

// Events delivers normalized inbound events in arrival order.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ListConversations waits for the initial history delivery to settle, then
// returns the conversations in the order the server listed them.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	if c.isClosed() {
		return nil, ErrHandleClosed
	}
	if err := c.history.wait(ctx); err != nil {
		if c.isClosed() {
			return nil, ErrHandleClosed
		}
		return nil, err
	}
	return c.history.conversations(), nil
}

// FetchMessages returns up to limit most recent buffered messages for a chat.
func (c *Client) FetchMessages(_ context.Context, chatID string, limit int) ([]*store.Message, error) {
	if c.isClosed() {
		return nil, ErrHandleClosed
	}
	return c.history.recentMessages(chatID, limit), nil
}

// SendText sends a text message to the given chat. Returns the server message ID.
func (c *Client) SendText(ctx context.Context, chatID, body string) (string, error) {
	if c.isClosed() {
		return "", ErrHandleClosed
	}
	to, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := c.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		c.emit(Event{Kind: EventAuthenticated, Phone: c.PhoneNumber()})
	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.LoggedOut:
		c.emit(Event{Kind: EventAuthFailure, Reason: evt.Reason.String()})
	case *events.Message:
		c.emit(Event{Kind: EventMessage, Message: ParseLiveMessage(c.sessionID, evt)})
	case *events.Receipt:
		if ack := ParseReceipt(evt); ack != nil {
			c.emit(Event{Kind: EventAck, Ack: ack})
		}
	case *events.HistorySync:
		c.bufferHistory(evt)
	}
}

func (c *Client) bufferHistory(evt *events.HistorySync) {
	if evt.Data == nil {
		return
	}
	for _, conv := range evt.Data.GetConversations() {
		parsed, msgs := ParseHistoryConversation(c.sessionID, conv)
		c.history.addConversation(parsed, msgs)
	}
}

// emit delivers an event without blocking whatsmeow's dispatcher. A full
// channel drops the event, matching the bus's non-blocking contract.
func (c *Client) emit(evt Event) {
	if c.isClosed() {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping event", zap.String("kind", evt.Kind))
	}
}
