// Package session orchestrates the lifecycle of every messaging session in
// the process: creation, startup restoration, event-driven state
// transitions, sync supervision and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/config"
	"github.com/dmarquesp/wahub/internal/histsync"
	"github.com/dmarquesp/wahub/internal/ingest"
	"github.com/dmarquesp/wahub/internal/registry"
	"github.com/dmarquesp/wahub/internal/status"
	"github.com/dmarquesp/wahub/internal/store"
	"github.com/dmarquesp/wahub/internal/wa"
)

var (
	// ErrSessionLimit is returned when a user is at their session capacity.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionActive is returned when restoring a session that already
	// has a live handle.
	ErrSessionActive = errors.New("session already active")
)

// OpenHandleFunc opens a client handle bound to a session ID. Re-opening
// with the same ID reuses that session's persisted credentials.
type OpenHandleFunc func(ctx context.Context, sessionID string) (wa.Handle, error)

type syncRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the session orchestrator. It exclusively owns the handle
// registry and drives each session's state machine from the session's
// event stream, one event at a time per session.
type Manager struct {
	cfg      *config.Config
	db       *store.DB
	registry *registry.Registry
	bus      *bus.Bus
	ingestor *ingest.Ingestor
	logger   *zap.Logger
	open     OpenHandleFunc

	mu           sync.Mutex
	machines     map[string]*status.Machine
	loops        map[string]context.CancelFunc
	syncs        map[string]*syncRun
	onDisconnect func(sessionID string)

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewManager creates the orchestrator. open is how it acquires client
// handles; production wiring passes wa.Open, tests substitute fakes.
func NewManager(cfg *config.Config, db *store.DB, reg *registry.Registry, b *bus.Bus, ingestor *ingest.Ingestor, logger *zap.Logger, open OpenHandleFunc) *Manager {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		db:         db,
		registry:   reg,
		bus:        b,
		ingestor:   ingestor,
		logger:     logger,
		open:       open,
		machines:   make(map[string]*status.Machine),
		loops:      make(map[string]context.CancelFunc),
		syncs:      make(map[string]*syncRun),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

// SetDisconnectCallback registers a callback invoked after a session's
// handle is released on an external disconnect.
func (m *Manager) SetDisconnectCallback(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = fn
}

// Create provisions a new session for a user. It rejects with
// ErrSessionLimit when the user already has the configured number of
// sessions in READY or SYNCING, without touching the registry or the store.
func (m *Manager) Create(ctx context.Context, userID string) (string, error) {
	active, err := m.db.CountUserSessions(userID, string(status.Ready), string(status.Syncing))
	if err != nil {
		return "", fmt.Errorf("count active sessions: %w", err)
	}
	if active >= m.cfg.MaxSessionsPerUser {
		return "", fmt.Errorf("%w: user %s has %d active sessions", ErrSessionLimit, userID, active)
	}

	sessionID := uuid.NewString()
	if err := m.db.CreateSession(&store.Session{
		ID:     sessionID,
		UserID: userID,
		Status: string(status.Initializing),
	}); err != nil {
		return "", fmt.Errorf("persist session: %w", err)
	}

	if err := m.startSession(ctx, sessionID, userID); err != nil {
		return "", err
	}

	m.logger.Info("session created",
		zap.String("session_id", sessionID), zap.String("user_id", userID))
	return sessionID, nil
}

// Restore re-opens a client handle for a persisted session under the same
// session ID, so previously stored credentials are reused and no pairing
// step recurs.
func (m *Manager) Restore(ctx context.Context, sessionID, userID string) error {
	if _, live := m.registry.Get(sessionID); live {
		return fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	if err := m.db.SetSessionStatus(sessionID, string(status.Initializing)); err != nil {
		return fmt.Errorf("persist restore: %w", err)
	}
	if err := m.startSession(ctx, sessionID, userID); err != nil {
		return err
	}
	m.logger.Info("session restored",
		zap.String("session_id", sessionID), zap.String("user_id", userID))
	return nil
}

// RestoreAll restores every persisted session whose last known status was
// READY, SYNCING or DISCONNECTED. One session's restoration failure never
// aborts the others; failures are aggregated for observability.
func (m *Manager) RestoreAll(ctx context.Context) error {
	sessions, err := m.db.ListSessionsByStatus(
		string(status.Ready), string(status.Syncing), string(status.Disconnected))
	if err != nil {
		return fmt.Errorf("list restorable sessions: %w", err)
	}

	var errs []error
	for _, s := range sessions {
		if err := m.Restore(ctx, s.ID, s.UserID); err != nil {
			m.logger.Error("session restore failed",
				zap.String("session_id", s.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("restore %s: %w", s.ID, err))
		}
	}
	m.logger.Info("restoration pass finished",
		zap.Int("total", len(sessions)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// startSession opens and registers the handle, starts the session's event
// loop and connects. Open and connect failures propagate to the caller
// after the session is marked FAILED.
func (m *Manager) startSession(ctx context.Context, sessionID, userID string) error {
	machine := status.NewMachine(sessionID, userID, m.bus)

	handle, err := m.open(ctx, sessionID)
	if err != nil {
		m.markFailed(sessionID, machine)
		return fmt.Errorf("open handle: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(m.rootCtx)
	m.mu.Lock()
	m.machines[sessionID] = machine
	m.loops[sessionID] = loopCancel
	m.mu.Unlock()
	if prev, had := m.registry.Set(sessionID, handle); had {
		prev.Destroy()
	}

	m.wg.Add(1)
	go m.runEvents(loopCtx, sessionID, userID, handle)

	if err := handle.Initialize(ctx); err != nil {
		m.teardown(sessionID)
		m.markFailed(sessionID, machine)
		return fmt.Errorf("initialize handle: %w", err)
	}
	return nil
}

// Destroy tears a session down: the sync task is canceled, the handle is
// destroyed best-effort and removed from the registry, and the session is
// persisted as DISCONNECTED. Safe to call while a sync pass is mid-flight.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	sess, err := m.db.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	m.cancelSync(sessionID, ctx)

	m.mu.Lock()
	if cancel, ok := m.loops[sessionID]; ok {
		cancel()
		delete(m.loops, sessionID)
	}
	machine := m.machines[sessionID]
	delete(m.machines, sessionID)
	m.mu.Unlock()

	if handle, ok := m.registry.Remove(sessionID); ok {
		handle.Destroy()
	}

	if err := m.db.SetSessionStatus(sessionID, string(status.Disconnected)); err != nil {
		return fmt.Errorf("persist disconnect: %w", err)
	}
	m.publishStatus(machine, sessionID, sess.UserID, status.Disconnected)

	m.logger.Info("session destroyed", zap.String("session_id", sessionID))
	return nil
}

// GetHandle returns the live client handle for a session, if any.
func (m *Manager) GetHandle(sessionID string) (wa.Handle, bool) {
	return m.registry.Get(sessionID)
}

// SyncDone returns a channel closed when the session's in-flight sync pass
// finishes. An already-closed channel is returned when none is running.
func (m *Manager) SyncDone(sessionID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.syncs[sessionID]; ok {
		return run.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels all sync tasks and event loops and tears down every
// registered handle, bounded by ctx. Outstanding work past the deadline is
// abandoned.
func (m *Manager) Shutdown(ctx context.Context) {
	m.rootCancel()

	m.registry.ForEach(func(sessionID string, h wa.Handle) {
		h.Destroy()
		m.registry.Remove(sessionID)
	})

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		m.logger.Info("all session workers stopped")
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached with workers outstanding")
	}
}

// runEvents consumes one session's inbound events in arrival order. A
// session's handlers never run concurrently with each other; different
// sessions' loops run independently.
func (m *Manager) runEvents(ctx context.Context, sessionID, userID string, handle wa.Handle) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-handle.Events():
			m.handleEvent(sessionID, userID, handle, evt)
		}
	}
}

func (m *Manager) handleEvent(sessionID, userID string, handle wa.Handle, evt wa.Event) {
	switch evt.Kind {
	case wa.EventPairingCode:
		m.handlePairingCode(sessionID, userID, evt.Code)
	case wa.EventAuthenticated:
		m.handleAuthenticated(sessionID, userID, handle, evt.Phone)
	case wa.EventAuthFailure:
		m.handleAuthFailure(sessionID, evt.Reason)
	case wa.EventDisconnected:
		m.handleDisconnected(sessionID, userID, evt.Reason)
	case wa.EventMessage:
		if err := m.ingestor.Ingest(userID, evt.Message); err != nil {
			m.logger.Error("failed to ingest message",
				zap.String("session_id", sessionID),
				zap.String("msg_id", evt.Message.MsgID), zap.Error(err))
		}
	case wa.EventAck:
		m.handleAck(sessionID, userID, evt.Ack)
	}
}

func (m *Manager) handlePairingCode(sessionID, userID, code string) {
	if err := m.db.SetSessionQR(sessionID, string(status.QRScanPending), code); err != nil {
		m.logger.Error("persist QR payload", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if err := m.machineFor(sessionID).Transition(status.QRScanPending); err != nil {
		m.logger.Warn("QR transition rejected", zap.Error(err))
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindQRCode,
		Timestamp: time.Now(),
		Payload:   bus.QRCodeEvent{SessionID: sessionID, UserID: userID, Code: code},
	})
}

func (m *Manager) handleAuthenticated(sessionID, userID string, handle wa.Handle, phone string) {
	if err := m.db.SetSessionAuthenticated(sessionID, string(status.Ready), phone); err != nil {
		m.logger.Error("persist authentication", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	machine := m.machineFor(sessionID)
	if err := machine.Transition(status.Ready); err != nil {
		// Duplicate ready from the SDK; the sync guard below is the real
		// protection against a second pass.
		m.logger.Warn("ready transition rejected", zap.Error(err))
	}
	m.logger.Info("session authenticated",
		zap.String("session_id", sessionID), zap.String("phone", phone))
	m.launchSync(sessionID, userID, handle, machine)
}

func (m *Manager) handleAuthFailure(sessionID, reason string) {
	m.logger.Warn("authentication failed",
		zap.String("session_id", sessionID), zap.String("reason", reason))
	if err := m.db.SetSessionStatus(sessionID, string(status.Failed)); err != nil {
		m.logger.Error("persist failure", zap.Error(err))
	}
	if err := m.machineFor(sessionID).Transition(status.Failed); err != nil {
		m.logger.Warn("failure transition rejected", zap.Error(err))
	}
	if handle, ok := m.registry.Remove(sessionID); ok {
		handle.Destroy()
	}
}

func (m *Manager) handleDisconnected(sessionID, userID, reason string) {
	m.logger.Warn("session disconnected",
		zap.String("session_id", sessionID), zap.String("reason", reason))

	m.cancelSync(sessionID, context.Background())
	if handle, ok := m.registry.Remove(sessionID); ok {
		handle.Destroy()
	}
	if err := m.db.SetSessionStatus(sessionID, string(status.Disconnected)); err != nil {
		m.logger.Error("persist disconnect", zap.Error(err))
	}
	if err := m.machineFor(sessionID).Transition(status.Disconnected); err != nil {
		m.logger.Warn("disconnect transition rejected", zap.Error(err))
	}

	m.mu.Lock()
	cb := m.onDisconnect
	m.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}

func (m *Manager) handleAck(sessionID, userID string, ack *wa.AckUpdate) {
	if ack == nil {
		return
	}
	for _, msgID := range ack.MsgIDs {
		if err := m.db.UpdateMessageAck(sessionID, msgID, ack.Level); err != nil {
			m.logger.Error("persist ack",
				zap.String("session_id", sessionID),
				zap.String("msg_id", msgID), zap.Error(err))
		}
	}
	// The owner reading the chat on their own device clears its unread
	// counter, same as the explicit mark-read call.
	if ack.SelfRead {
		if err := m.db.MarkChatRead(sessionID, ack.ChatID); err != nil {
			m.logger.Error("clear unread on self read",
				zap.String("session_id", sessionID),
				zap.String("chat_id", ack.ChatID), zap.Error(err))
		}
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMessageAck,
		Timestamp: time.Now(),
		Payload: bus.AckEvent{
			SessionID: sessionID,
			UserID:    userID,
			ChatID:    ack.ChatID,
			MsgIDs:    ack.MsgIDs,
			Level:     ack.Level,
		},
	})
}

// launchSync starts the session's history pass. A no-op when one is
// already in flight, so a duplicate ready event never doubles the work.
func (m *Manager) launchSync(sessionID, userID string, handle wa.Handle, machine *status.Machine) {
	m.mu.Lock()
	if _, running := m.syncs[sessionID]; running {
		m.mu.Unlock()
		m.logger.Info("sync already in flight", zap.String("session_id", sessionID))
		return
	}
	syncCtx, cancel := context.WithCancel(m.rootCtx)
	run := &syncRun{cancel: cancel, done: make(chan struct{})}
	m.syncs[sessionID] = run
	m.mu.Unlock()

	task := histsync.New(sessionID, userID, handle, machine,
		m.db, m.ingestor, m.bus, m.logger, m.cfg.SyncMessageLimit)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(run.done)
		if err := task.Run(syncCtx); err != nil {
			m.logger.Error("sync task failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.syncs, sessionID)
		m.mu.Unlock()
	}()
}

// cancelSync stops the session's in-flight sync pass, if any, and waits for
// it to wind down, bounded by ctx.
func (m *Manager) cancelSync(sessionID string, ctx context.Context) {
	m.mu.Lock()
	run, ok := m.syncs[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	run.cancel()
	select {
	case <-run.done:
	case <-ctx.Done():
	}
}

// teardown undoes startSession's registrations after a failed initialize.
func (m *Manager) teardown(sessionID string) {
	m.mu.Lock()
	if cancel, ok := m.loops[sessionID]; ok {
		cancel()
		delete(m.loops, sessionID)
	}
	delete(m.machines, sessionID)
	m.mu.Unlock()
	if handle, ok := m.registry.Remove(sessionID); ok {
		handle.Destroy()
	}
}

func (m *Manager) markFailed(sessionID string, machine *status.Machine) {
	if err := m.db.SetSessionStatus(sessionID, string(status.Failed)); err != nil {
		m.logger.Error("persist failure", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := machine.Transition(status.Failed); err != nil {
		m.logger.Warn("failure transition rejected", zap.Error(err))
	}
}

// machineFor returns the session's machine, or a detached one so handlers
// for a torn-down session stay harmless.
func (m *Manager) machineFor(sessionID string) *status.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if machine, ok := m.machines[sessionID]; ok {
		return machine
	}
	return status.NewMachine(sessionID, "", nil)
}

// publishStatus emits a status change for sessions without a live machine.
func (m *Manager) publishStatus(machine *status.Machine, sessionID, userID string, to status.State) {
	if machine != nil {
		if err := machine.Transition(to); err == nil {
			return
		}
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindSessionStatus,
		Timestamp: time.Now(),
		Payload: bus.StatusEvent{
			SessionID: sessionID,
			UserID:    userID,
			To:        string(to),
		},
	})
}
