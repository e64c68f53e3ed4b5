// Package memory provides an in-process transport backend. It keeps
// partitions and keyed records in maps and delivers live arrivals over
// per-subscription queues, so a single process can run the full engine
// with no external services. It is the default backend and the one the
// test suite runs against.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

func init() {
	transport.Register(transport.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (transport.Transport, error) {
			return New(), nil
		},
	})
}

type partition struct {
	log    []model.Message
	lastTS int64
	subs   map[*subscription]struct{}
}

// Transport is the in-memory transport backend.
type Transport struct {
	mu         sync.Mutex
	partitions map[string]*partition
	kv         map[string]map[string]json.RawMessage
	closed     bool
}

// New returns an empty in-memory transport.
func New() *Transport {
	return &Transport{
		partitions: map[string]*partition{},
		kv:         map[string]map[string]json.RawMessage{},
	}
}

func (t *Transport) partitionLocked(name string) *partition {
	p := t.partitions[name]
	if p == nil {
		p = &partition{subs: map[*subscription]struct{}{}}
		t.partitions[name] = p
	}
	return p
}

// SubscribeAppend replays the stored backlog and then delivers live
// arrivals, each exactly once and in order. Delivery happens on a
// dedicated goroutine so callbacks never run under the transport lock.
func (t *Transport) SubscribeAppend(ctx context.Context, name string, onAppend func(model.Message)) (transport.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport is closed")
	}
	p := t.partitionLocked(name)
	sub := &subscription{t: t, p: p, onAppend: onAppend}
	sub.cond = sync.NewCond(&t.mu)
	// Queue the backlog before registering for live delivery; anything
	// appended after this point lands behind it in the same queue.
	sub.queue = append(sub.queue, p.log...)
	p.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Append commits msg to the partition with the next timestamp and wakes
// every subscription.
func (t *Transport) Append(ctx context.Context, name string, msg model.Message) (model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return model.Message{}, &transport.AppendError{Partition: name, Cause: fmt.Errorf("transport is closed")}
	}
	p := t.partitionLocked(name)
	p.lastTS++
	msg.Timestamp = p.lastTS
	p.log = append(p.log, msg)
	for sub := range p.subs {
		sub.queue = append(sub.queue, msg)
		sub.cond.Signal()
	}
	return msg, nil
}

// ReadOnce returns a copy of the records stored under path.
func (t *Transport) ReadOnce(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.kv[path]
	out := make(map[string]json.RawMessage, len(records))
	for k, v := range records {
		out[k] = v
	}
	return out, nil
}

// Upsert stores record under path/key, replacing any previous value.
func (t *Transport) Upsert(ctx context.Context, path, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kv[path] == nil {
		t.kv[path] = map[string]json.RawMessage{}
	}
	t.kv[path][key] = data
	return nil
}

// Remove deletes path/key. Removing an absent key is a no-op.
func (t *Transport) Remove(ctx context.Context, path, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.kv[path], key)
	return nil
}

// Close stops all subscriptions and rejects further appends.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, p := range t.partitions {
		for sub := range p.subs {
			sub.closed = true
			sub.cond.Signal()
		}
		p.subs = map[*subscription]struct{}{}
	}
	return nil
}

// subscription delivers queued messages serially on its own goroutine.
// queue, closed and cond are guarded by the transport mutex.
type subscription struct {
	t        *Transport
	p        *partition
	onAppend func(model.Message)
	cond     *sync.Cond
	queue    []model.Message
	closed   bool
}

func (s *subscription) run() {
	for {
		s.t.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.t.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		closed := s.closed
		s.t.mu.Unlock()
		if closed {
			return
		}
		s.onAppend(msg)
	}
}

// Close stops delivery. Messages not yet handed to the callback are dropped.
func (s *subscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	delete(s.p.subs, s)
	s.cond.Signal()
	return nil
}
