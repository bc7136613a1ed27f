package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/dmarquesp/wahub/internal/auth"
	"github.com/dmarquesp/wahub/internal/bus"
	"github.com/dmarquesp/wahub/internal/store"
)

const testSecret = "test-secret"

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

func newTestHub(t *testing.T) (*Hub, *bus.Bus, *store.DB, *httptest.Server) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	hub := NewHub(db, b, auth.NewVerifier(testSecret), zap.NewNop())
	hub.Run(context.Background())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, b, db, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	token := auth.Sign(testSecret, userID, time.Now().Add(time.Hour))
	ws, _, err := websocket.Dial(ctx, srv.URL+"/?token="+token, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestRejectsUnauthenticated(t *testing.T) {
	_, _, _, srv := newTestHub(t)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUserScopedDelivery(t *testing.T) {
	_, b, _, srv := newTestHub(t)

	ws := dial(t, srv, "u1")
	time.Sleep(50 * time.Millisecond) // let the hub register the connection

	b.Publish(bus.Event{
		Kind:      bus.KindSessionStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusEvent{SessionID: "s1", UserID: "u1", From: "SYNCING", To: "READY"},
	})

	f := readFrame(t, ws)
	if f.Event != eventSessionStatus {
		t.Errorf("event = %q, want %s", f.Event, eventSessionStatus)
	}
	data := f.Data.(map[string]any)
	if data["session_id"] != "s1" || data["status"] != "READY" {
		t.Errorf("data = %+v, want s1/READY", data)
	}
}

// TestForeignEventsNotDelivered verifies a client only sees its own user's
// events.
func TestForeignEventsNotDelivered(t *testing.T) {
	_, b, _, srv := newTestHub(t)

	ws := dial(t, srv, "u1")
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{
		Kind:      bus.KindSessionStatus,
		Timestamp: time.Now(),
		Payload:   bus.StatusEvent{SessionID: "other", UserID: "u2", To: "READY"},
	})
	// A subsequent own event must be the first thing delivered.
	b.Publish(bus.Event{
		Kind:      bus.KindQRCode,
		Timestamp: time.Now(),
		Payload:   bus.QRCodeEvent{SessionID: "mine", UserID: "u1", Code: "qr"},
	})

	f := readFrame(t, ws)
	if f.Event != eventQRCode {
		t.Errorf("first delivered event = %q, want %s (foreign event leaked)", f.Event, eventQRCode)
	}
}

func TestMessageAndProgressFrames(t *testing.T) {
	_, b, _, srv := newTestHub(t)

	ws := dial(t, srv, "u1")
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{
		Kind:      bus.KindSyncProgress,
		Timestamp: time.Now(),
		Payload:   bus.SyncProgressEvent{SessionID: "s1", UserID: "u1", Progress: 67},
	})
	f := readFrame(t, ws)
	if f.Event != eventSyncProgress {
		t.Fatalf("event = %q, want %s", f.Event, eventSyncProgress)
	}
	if p := f.Data.(map[string]any)["progress"].(float64); p != 67 {
		t.Errorf("progress = %v, want 67", p)
	}

	b.Publish(bus.Event{
		Kind:      bus.KindMessageReceived,
		Timestamp: time.Now(),
		Payload: bus.MessageEvent{
			SessionID: "s1", UserID: "u1",
			Message: bus.MessagePayload{ChatID: "c1", MsgID: "m1", Body: "hi", MessageType: "text", Timestamp: 1000},
		},
	})
	f = readFrame(t, ws)
	if f.Event != eventMessageReceived {
		t.Fatalf("event = %q, want %s", f.Event, eventMessageReceived)
	}
	msg := f.Data.(map[string]any)["message"].(map[string]any)
	if msg["msg_id"] != "m1" || msg["body"] != "hi" {
		t.Errorf("message = %+v, want m1/hi", msg)
	}
}

// TestJoinSessionOwnershipCheck verifies join_session only takes effect for
// sessions the caller's user owns.
func TestJoinSessionOwnershipCheck(t *testing.T) {
	_, b, db, srv := newTestHub(t)

	if err := db.CreateSession(&store.Session{ID: "owned", UserID: "u1", Status: "READY"}); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateSession(&store.Session{ID: "foreign", UserID: "u2", Status: "READY"}); err != nil {
		t.Fatal(err)
	}

	ws := dial(t, srv, "u1")
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range []string{"owned", "foreign"} {
		cmd, _ := json.Marshal(command{Action: "join_session", SessionID: id})
		if err := ws.Write(ctx, websocket.MessageText, cmd); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond) // let the hub process the commands

	// Events addressed to the foreign session's user must not arrive even
	// after the refused join; the owned session's do.
	b.Publish(bus.Event{
		Kind:      bus.KindSyncProgress,
		Timestamp: time.Now(),
		Payload:   bus.SyncProgressEvent{SessionID: "foreign", UserID: "u2", Progress: 10},
	})
	b.Publish(bus.Event{
		Kind:      bus.KindSyncProgress,
		Timestamp: time.Now(),
		Payload:   bus.SyncProgressEvent{SessionID: "owned", UserID: "u1", Progress: 20},
	})

	f := readFrame(t, ws)
	if p := f.Data.(map[string]any)["progress"].(float64); p != 20 {
		t.Errorf("delivered progress = %v, want 20 (foreign join must be refused)", p)
	}
}

func TestAuthorizationHeaderAccepted(t *testing.T) {
	_, _, _, srv := newTestHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	token := auth.Sign(testSecret, "u1", time.Now().Add(time.Hour))
	ws, _, err := websocket.Dial(ctx, srv.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial with header auth: %v", err)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "")
}
