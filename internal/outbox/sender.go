// Package outbox drains the durable outgoing-message queue and sends
// through each session's live client handle.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/ingest"
	"github.com/dmarquesp/wahub/internal/registry"
	"github.com/dmarquesp/wahub/internal/store"
)

// Sender polls the outbox and sends pending messages via whichever session
// handles are currently ready. Entries for sessions without a ready handle
// stay queued until one appears.
type Sender struct {
	db       *store.DB
	registry *registry.Registry
	ingestor *ingest.Ingestor
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, reg *registry.Registry, ingestor *ingest.Ingestor, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		registry: reg,
		ingestor: ingestor,
		logger:   logger,
	}
}

// Start requeues entries a previous process left mid-send, then begins
// polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.recoverInFlight()
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// recoverInFlight returns entries stranded in the sending state to the
// queue. A send either resolves to sent or failed within one pass, so
// anything still marked sending at startup belongs to a crashed process
// and must be retried rather than stranded.
func (s *Sender) recoverInFlight() {
	stuck, err := s.db.SendingOutbox()
	if err != nil {
		s.logger.Error("failed to read in-flight outbox entries", zap.Error(err))
		return
	}
	for _, entry := range stuck {
		if err := s.db.RequeueOutbox(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to requeue outbox entry",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			continue
		}
		s.logger.Warn("requeued message left in flight by a previous run",
			zap.String("session_id", entry.SessionID),
			zap.String("client_msg_id", entry.ClientMsgID))
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		handle, ok := s.registry.Get(entry.SessionID)
		if !ok || !handle.IsReady() {
			continue
		}

		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			continue
		}

		serverMsgID, err := handle.SendText(ctx, entry.ChatID, entry.Body)
		if err != nil {
			s.logger.Error("failed to send message",
				zap.String("session_id", entry.SessionID),
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		}

		// Record our own copy through the same idempotent path; the echo
		// from the network is absorbed as a duplicate.
		sess, err := s.db.GetSession(entry.SessionID)
		if err != nil || sess == nil {
			continue
		}
		if err := s.ingestor.Ingest(sess.UserID, &store.Message{
			SessionID:   entry.SessionID,
			ChatID:      entry.ChatID,
			MsgID:       serverMsgID,
			Body:        entry.Body,
			MessageType: "text",
			FromMe:      true,
			AckLevel:    store.AckSent,
			Timestamp:   time.Now().UnixMilli(),
		}); err != nil {
			s.logger.Error("failed to record sent message",
				zap.String("client_msg_id", entry.ClientMsgID), zap.Error(err))
		}

		s.logger.Info("message sent",
			zap.String("session_id", entry.SessionID),
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
	}
}
