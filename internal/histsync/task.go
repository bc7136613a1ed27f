// Package histsync runs the one-shot full-history synchronization pass a
// session goes through after it becomes authenticated.
package histsync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/ingest"
	"github.com/dmarquesp/wahub/internal/status"
	"github.com/dmarquesp/wahub/internal/store"
	"github.com/dmarquesp/wahub/internal/wa"
)

// Task walks a session's remote conversations, persists them and a bounded
// window of their recent messages, and reports per-conversation progress.
// At most one Task runs per session; the orchestrator enforces that.
type Task struct {
	sessionID    string
	userID       string
	handle       wa.Handle
	machine      *status.Machine
	db           *store.DB
	ingestor     *ingest.Ingestor
	bus          *bus.Bus
	logger       *zap.Logger
	messageLimit int
}

// New creates a sync task for one session.
func New(sessionID, userID string, handle wa.Handle, machine *status.Machine, db *store.DB, ingestor *ingest.Ingestor, b *bus.Bus, logger *zap.Logger, messageLimit int) *Task {
	return &Task{
		sessionID:    sessionID,
		userID:       userID,
		handle:       handle,
		machine:      machine,
		db:           db,
		ingestor:     ingestor,
		bus:          b,
		logger:       logger.With(zap.String("session_id", sessionID)),
		messageLimit: messageLimit,
	}
}

// Run executes the pass. Cancellation (session teardown mid-pass) is
// absorbed quietly; a pass-level failure moves the session to FAILED. The
// error return exists for the orchestrator's supervision and logging, never
// to crash anything.
func (t *Task) Run(ctx context.Context) error {
	if err := t.begin(); err != nil {
		return err
	}

	convs, err := t.handle.ListConversations(ctx)
	if err != nil {
		if canceled(ctx, err) {
			t.logger.Info("sync pass canceled during listing")
			return nil
		}
		t.fail(err)
		return fmt.Errorf("list conversations: %w", err)
	}

	total := len(convs)
	t.logger.Info("sync pass started", zap.Int("conversations", total))

	for i, conv := range convs {
		if ctx.Err() != nil {
			t.logger.Info("sync pass canceled", zap.Int("processed", i))
			return nil
		}
		if err := t.syncConversation(ctx, conv); err != nil {
			if canceled(ctx, err) {
				t.logger.Info("sync pass canceled mid-conversation", zap.String("chat_id", conv.ChatID))
				return nil
			}
			// One conversation's failure never aborts the pass.
			t.logger.Warn("skipping conversation",
				zap.String("chat_id", conv.ChatID), zap.Error(err))
		}
		t.reportProgress(i+1, total)
	}

	return t.complete(total)
}

func (t *Task) begin() error {
	if err := t.db.BeginSessionSync(t.sessionID, string(status.Syncing)); err != nil {
		return fmt.Errorf("persist sync start: %w", err)
	}
	if err := t.machine.Transition(status.Syncing); err != nil {
		t.logger.Warn("sync start transition rejected", zap.Error(err))
	}
	t.publishProgress(0)
	return nil
}

func (t *Task) syncConversation(ctx context.Context, conv wa.Conversation) error {
	if err := t.db.UpsertChat(&store.Chat{
		SessionID:     t.sessionID,
		ChatID:        conv.ChatID,
		Name:          conv.Name,
		IsGroup:       conv.IsGroup,
		Participants:  strings.Join(conv.Participants, ","),
		UnreadCount:   conv.UnreadCount,
		LastMessageAt: conv.LastMessageAt,
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	msgs, err := t.handle.FetchMessages(ctx, conv.ChatID, t.messageLimit)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	for _, msg := range msgs {
		if err := t.ingestor.Ingest(t.userID, msg); err != nil {
			// A single bad message is logged and skipped like a bad
			// conversation; ingestion stays convergent either way.
			t.logger.Warn("skipping message",
				zap.String("chat_id", conv.ChatID),
				zap.String("msg_id", msg.MsgID), zap.Error(err))
		}
	}
	return nil
}

func (t *Task) reportProgress(processed, total int) {
	progress := progressPercent(processed, total)
	if err := t.db.SetSessionSyncProgress(t.sessionID, progress); err != nil {
		t.logger.Warn("persist sync progress", zap.Error(err))
	}
	t.publishProgress(progress)
}

func (t *Task) complete(total int) error {
	if err := t.db.CompleteSessionSync(t.sessionID, string(status.Ready)); err != nil {
		return fmt.Errorf("persist sync completion: %w", err)
	}
	if err := t.machine.Transition(status.Ready); err != nil {
		t.logger.Warn("sync completion transition rejected", zap.Error(err))
	}
	t.publishProgress(100)
	t.logger.Info("sync pass complete", zap.Int("conversations", total))
	return nil
}

func (t *Task) fail(cause error) {
	t.logger.Error("sync pass failed", zap.Error(cause))
	if err := t.db.SetSessionStatus(t.sessionID, string(status.Failed)); err != nil {
		t.logger.Warn("persist failed status", zap.Error(err))
	}
	if err := t.machine.Transition(status.Failed); err != nil {
		t.logger.Warn("failure transition rejected", zap.Error(err))
	}
}

func (t *Task) publishProgress(progress int) {
	t.bus.Publish(bus.Event{
		Kind:      bus.KindSyncProgress,
		Timestamp: time.Now(),
		Payload: bus.SyncProgressEvent{
			SessionID: t.sessionID,
			UserID:    t.userID,
			Progress:  progress,
		},
	})
}

// progressPercent rounds to the nearest whole percent; an empty account
// completes at 100 immediately.
func progressPercent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(processed) / float64(total)))
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, wa.ErrHandleClosed)
}
