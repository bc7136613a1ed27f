package histsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/ingest"
	"github.com/dmarquesp/wahub/internal/status"
	"github.com/dmarquesp/wahub/internal/store"
	"github.com/dmarquesp/wahub/internal/wa"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeHandle serves canned conversations and messages to the sync pass.
type fakeHandle struct {
	convs     []wa.Conversation
	messages  map[string][]*store.Message
	listErr   error
	fetchErr  map[string]error
	onList    func()
	fetchCall int
}

func (f *fakeHandle) Initialize(context.Context) error { return nil }
func (f *fakeHandle) Destroy()                         {}
func (f *fakeHandle) IsReady() bool                    { return true }
func (f *fakeHandle) PhoneNumber() string              { return "+550000" }
func (f *fakeHandle) Events() <-chan wa.Event          { return nil }

func (f *fakeHandle) ListConversations(ctx context.Context) ([]wa.Conversation, error) {
	if f.onList != nil {
		f.onList()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.convs, f.listErr
}

func (f *fakeHandle) FetchMessages(ctx context.Context, chatID string, limit int) ([]*store.Message, error) {
	f.fetchCall++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.fetchErr[chatID]; err != nil {
		return nil, err
	}
	msgs := f.messages[chatID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (f *fakeHandle) SendText(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func fixtureMessages(sessionID, chatID string, n int) []*store.Message {
	msgs := make([]*store.Message, 0, n)
	for i := range n {
		msgs = append(msgs, &store.Message{
			SessionID: sessionID, ChatID: chatID,
			MsgID:     fmt.Sprintf("%s-m%d", chatID, i),
			Body:      "body", MessageType: "text",
			Timestamp: int64(1000 + i),
		})
	}
	return msgs
}

func newTask(t *testing.T, db *store.DB, b *bus.Bus, handle wa.Handle) (*Task, *status.Machine) {
	t.Helper()
	if err := db.CreateSession(&store.Session{ID: "s1", UserID: "u1", Status: "READY"}); err != nil {
		t.Fatal(err)
	}
	machine := status.NewMachine("s1", "u1", b)
	_ = machine.Transition(status.Ready)
	ing := ingest.New(db, b, zap.NewNop())
	return New("s1", "u1", handle, machine, db, ing, b, zap.NewNop(), 50), machine
}

func TestRunFullPass(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	handle := &fakeHandle{
		convs: []wa.Conversation{
			{ChatID: "a@s", Name: "Alice", LastMessageAt: 1000},
			{ChatID: "b@s", Name: "Bob", LastMessageAt: 2000},
			{ChatID: "g@g", Name: "Group", IsGroup: true, LastMessageAt: 3000},
		},
		messages: map[string][]*store.Message{
			"a@s": fixtureMessages("s1", "a@s", 10),
			"b@s": nil, // conversation with no recent messages
			"g@g": fixtureMessages("s1", "g@g", 5),
		},
	}

	ch, unsub := b.Subscribe("sync.", 20)
	defer unsub()

	task, machine := newTask(t, db, b, handle)
	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Per-conversation progress plus the leading 0 and trailing 100.
	want := []int{0, 33, 67, 100, 100}
	for i, p := range want {
		evt := <-ch
		prog, ok := evt.Payload.(bus.SyncProgressEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SyncProgressEvent", evt.Payload)
		}
		if prog.Progress != p {
			t.Errorf("progress event %d = %d, want %d", i, prog.Progress, p)
		}
	}

	n, err := db.CountMessages("s1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 15 {
		t.Errorf("stored %d messages, want 15", n)
	}
	chats, _ := db.ListChats("s1", 10, 0)
	if len(chats) != 3 {
		t.Errorf("stored %d chats, want 3", len(chats))
	}

	sess, _ := db.GetSession("s1")
	if sess.Status != "READY" || sess.SyncProgress != 100 || sess.LastSyncedAt == 0 {
		t.Errorf("session = %+v, want READY/100 with last_synced_at set", sess)
	}
	if machine.Current() != status.Ready {
		t.Errorf("machine state = %s, want READY", machine.Current())
	}
}

// TestRunAbsorbsLiveDuplicates verifies a message that arrived live during
// the pass is not doubled when history delivers it again.
func TestRunAbsorbsLiveDuplicates(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	msgs := fixtureMessages("s1", "a@s", 3)
	handle := &fakeHandle{
		convs:    []wa.Conversation{{ChatID: "a@s"}},
		messages: map[string][]*store.Message{"a@s": msgs},
	}

	task, _ := newTask(t, db, b, handle)

	// Simulate a live arrival before history covers the same message.
	live := *msgs[1]
	ing := ingest.New(db, b, zap.NewNop())
	if err := ing.Ingest("u1", &live); err != nil {
		t.Fatal(err)
	}

	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, _ := db.CountMessages("s1")
	if n != 3 {
		t.Errorf("stored %d messages, want 3 (live duplicate absorbed)", n)
	}
}

func TestRunEmptyAccountCompletesImmediately(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	task, _ := newTask(t, db, b, &fakeHandle{})

	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess, _ := db.GetSession("s1")
	if sess.Status != "READY" || sess.SyncProgress != 100 {
		t.Errorf("session = %+v, want READY/100", sess)
	}
}

// TestRunSkipsFailingConversation verifies one conversation's fetch failure
// doesn't abort the pass or fail the session.
func TestRunSkipsFailingConversation(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	handle := &fakeHandle{
		convs: []wa.Conversation{
			{ChatID: "bad@s"},
			{ChatID: "good@s"},
		},
		messages: map[string][]*store.Message{"good@s": fixtureMessages("s1", "good@s", 2)},
		fetchErr: map[string]error{"bad@s": errors.New("server hiccup")},
	}

	task, _ := newTask(t, db, b, handle)
	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, _ := db.CountMessages("s1")
	if n != 2 {
		t.Errorf("stored %d messages, want 2 from the good conversation", n)
	}
	sess, _ := db.GetSession("s1")
	if sess.Status != "READY" || sess.SyncProgress != 100 {
		t.Errorf("session = %+v, want READY/100 despite one bad conversation", sess)
	}
}

// TestRunCanceledQuietly verifies teardown mid-pass is not treated as a
// failure: no error, no FAILED status.
func TestRunCanceledQuietly(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	handle := &fakeHandle{
		convs:  []wa.Conversation{{ChatID: "a@s"}},
		onList: cancel, // cancel while the pass is listing
	}

	task, _ := newTask(t, db, b, handle)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("canceled pass returned error: %v", err)
	}

	sess, _ := db.GetSession("s1")
	if sess.Status == "FAILED" {
		t.Error("canceled pass marked the session FAILED")
	}
}

func TestRunListFailureFailsSession(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	handle := &fakeHandle{listErr: errors.New("connection reset")}

	task, machine := newTask(t, db, b, handle)
	if err := task.Run(context.Background()); err == nil {
		t.Fatal("expected error from failed listing")
	}

	sess, _ := db.GetSession("s1")
	if sess.Status != "FAILED" {
		t.Errorf("status = %q, want FAILED", sess.Status)
	}
	if machine.Current() != status.Failed {
		t.Errorf("machine state = %s, want FAILED", machine.Current())
	}
}

func TestProgressPercentRounding(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 0, 100},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 7, 14},
		{1, 200, 1},
	}
	for _, tt := range tests {
		if got := progressPercent(tt.processed, tt.total); got != tt.want {
			t.Errorf("progressPercent(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}
