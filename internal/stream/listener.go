package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

// Listener accumulates one conversation's message stream. Messages are
// kept in arrival order exactly as the transport delivered them; the
// listener never reorders or deduplicates. The accumulated sequence is
// owned by the listener and discarded when it is closed.
type Listener struct {
	sub transport.Subscription

	mu          sync.Mutex
	messages    []model.Message
	authorNames map[string]struct{}
	loading     bool
	closed      bool
	onArrival   func()
}

// Subscribe attaches a listener to the conversation's partition. The
// optional onArrival hook fires after each message has been accumulated,
// outside the listener lock.
func Subscribe(ctx context.Context, tr transport.Transport, conv model.Conversation, onArrival func()) (*Listener, error) {
	l := &Listener{
		authorNames: map[string]struct{}{},
		loading:     true,
		onArrival:   onArrival,
	}
	sub, err := tr.SubscribeAppend(ctx, PartitionFor(conv), l.accept)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", PartitionFor(conv), err)
	}
	l.sub = sub
	return l, nil
}

func (l *Listener) accept(msg model.Message) {
	l.mu.Lock()
	if l.closed {
		// Arrival raced with Close; the stream it belonged to is gone.
		l.mu.Unlock()
		return
	}
	l.messages = append(l.messages, msg)
	l.authorNames[msg.Author.DisplayName] = struct{}{}
	l.loading = false
	hook := l.onArrival
	l.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Messages returns a copy of the accumulated stream in arrival order.
func (l *Listener) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Message(nil), l.messages...)
}

// Loading reports whether the first event has arrived yet. An empty
// partition stays loading until its first live append; callers treat
// the flag as advisory.
func (l *Listener) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// ParticipantLabel returns the pluralized distinct-author count over the
// accumulated stream. Authors are distinguished by display name.
func (l *Listener) ParticipantLabel() string {
	l.mu.Lock()
	n := len(l.authorNames)
	l.mu.Unlock()
	if n == 1 {
		return "1 user"
	}
	return fmt.Sprintf("%d users", n)
}

// Close tears down the subscription. Arrivals racing with Close are
// discarded, never appended.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.sub.Close()
}
