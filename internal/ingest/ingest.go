// Package ingest is the single write path for remote messages. Both the
// live message event and the history sync task go through it.
package ingest

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/store"
)

const previewLen = 100

// Ingestor performs idempotent message ingestion.
type Ingestor struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an ingestor.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Ingest stores one remote message keyed by (sessionID, msgID). A message
// already stored is absorbed silently: no content overwrite, no chat touch,
// no notification. Only the first successful insert updates the owning
// chat's preview, increments its unread counter for inbound messages, and
// publishes a message.received event for the owning user.
func (i *Ingestor) Ingest(userID string, msg *store.Message) error {
	inserted, err := i.db.InsertMessageIfAbsent(msg)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		return nil
	}

	if err := i.db.TouchChat(msg.SessionID, msg.ChatID, truncate(msg.Body, previewLen), msg.Timestamp, !msg.FromMe); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	i.bus.Publish(bus.Event{
		Kind:      bus.KindMessageReceived,
		Timestamp: time.Now(),
		Payload: bus.MessageEvent{
			SessionID: msg.SessionID,
			UserID:    userID,
			Message: bus.MessagePayload{
				ChatID:      msg.ChatID,
				MsgID:       msg.MsgID,
				SenderName:  msg.SenderName,
				Body:        msg.Body,
				MessageType: msg.MessageType,
				FromMe:      msg.FromMe,
				HasMedia:    msg.HasMedia,
				Timestamp:   msg.Timestamp,
			},
		},
	})
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
