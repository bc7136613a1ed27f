package wa

import (
	"context"
	"sync"
	"time"

	"github.com/dmarquesp/wahub/internal/store"
)

// settleWindow is how long the history buffer waits after the last received
// history batch before considering the listing complete. WhatsApp delivers
// initial history as a burst of batches with no explicit terminator on
// every server version, so quiescence is the completion signal.
const settleWindow = 3 * time.Second

// historyBuffer accumulates conversations and their recent messages from
// history sync payloads so the sync task can walk them on demand.
type historyBuffer struct {
	mu        sync.Mutex
	convs     map[string]*Conversation
	order     []string
	messages  map[string][]*store.Message
	lastBatch time.Time
	sawBatch  bool
}

func newHistoryBuffer() *historyBuffer {
	return &historyBuffer{
		convs:    make(map[string]*Conversation),
		messages: make(map[string][]*store.Message),
	}
}

func (b *historyBuffer) addConversation(conv Conversation, msgs []*store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.convs[conv.ChatID]
	if !ok {
		c := conv
		b.convs[conv.ChatID] = &c
		b.order = append(b.order, conv.ChatID)
	} else {
		if conv.Name != "" {
			existing.Name = conv.Name
		}
		if conv.LastMessageAt > existing.LastMessageAt {
			existing.LastMessageAt = conv.LastMessageAt
		}
	}
	b.messages[conv.ChatID] = append(b.messages[conv.ChatID], msgs...)
	b.lastBatch = time.Now()
	b.sawBatch = true
}

// emptyWindow bounds the wait for accounts that deliver no history at all.
const emptyWindow = 10 * time.Second

// wait blocks until history delivery has quiesced or ctx is done. An
// account with no history settles after emptyWindow with an empty listing.
func (b *historyBuffer) wait(ctx context.Context) error {
	start := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		settled := b.sawBatch && time.Since(b.lastBatch) > settleWindow
		if !b.sawBatch && time.Since(start) > emptyWindow {
			settled = true
		}
		b.mu.Unlock()
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// conversations returns a snapshot in first-seen order.
func (b *historyBuffer) conversations() []Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conversation, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.convs[id])
	}
	return out
}

// recentMessages returns up to limit most recent buffered messages for a
// chat, in the order they were delivered.
func (b *historyBuffer) recentMessages(chatID string, limit int) []*store.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*store.Message, len(msgs))
	copy(out, msgs)
	return out
}
