package registry

import (
	"context"
	"testing"

	"github.com/dmarquesp/wahub/internal/store"
	"github.com/dmarquesp/wahub/internal/wa"
)

// stubHandle is the minimal wa.Handle for registry bookkeeping tests.
type stubHandle struct {
	id        string
	destroyed bool
}

func (s *stubHandle) Initialize(context.Context) error { return nil }
func (s *stubHandle) Destroy()                         { s.destroyed = true }
func (s *stubHandle) IsReady() bool                    { return true }
func (s *stubHandle) PhoneNumber() string              { return "" }
func (s *stubHandle) Events() <-chan wa.Event          { return nil }
func (s *stubHandle) ListConversations(context.Context) ([]wa.Conversation, error) {
	return nil, nil
}
func (s *stubHandle) FetchMessages(context.Context, string, int) ([]*store.Message, error) {
	return nil, nil
}
func (s *stubHandle) SendText(context.Context, string, string) (string, error) {
	return "", nil
}

func TestSetGetRemove(t *testing.T) {
	r := New()

	if _, ok := r.Get("s1"); ok {
		t.Error("empty registry returned a handle")
	}

	h := &stubHandle{id: "a"}
	if _, had := r.Set("s1", h); had {
		t.Error("first Set reported a previous handle")
	}
	got, ok := r.Get("s1")
	if !ok || got != h {
		t.Errorf("Get = %v/%v, want the registered handle", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	removed, ok := r.Remove("s1")
	if !ok || removed != h {
		t.Errorf("Remove = %v/%v, want the registered handle", removed, ok)
	}
	if _, ok := r.Get("s1"); ok {
		t.Error("handle still present after Remove")
	}
	if _, ok := r.Remove("s1"); ok {
		t.Error("second Remove reported a handle")
	}
}

func TestSetReplacesReturnsPrevious(t *testing.T) {
	r := New()
	first := &stubHandle{id: "a"}
	second := &stubHandle{id: "b"}

	r.Set("s1", first)
	prev, had := r.Set("s1", second)
	if !had || prev != first {
		t.Errorf("Set returned %v/%v, want the first handle", prev, had)
	}
	got, _ := r.Get("s1")
	if got != second {
		t.Error("replacement did not take effect")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1 (at most one handle per session)", r.Len())
	}
}

func TestForEachAllowsMutation(t *testing.T) {
	r := New()
	r.Set("s1", &stubHandle{id: "a"})
	r.Set("s2", &stubHandle{id: "b"})

	// Removing inside the callback must not deadlock.
	visited := 0
	r.ForEach(func(sessionID string, h wa.Handle) {
		visited++
		r.Remove(sessionID)
	})
	if visited != 2 {
		t.Errorf("visited %d handles, want 2", visited)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after removal, want 0", r.Len())
	}
}
