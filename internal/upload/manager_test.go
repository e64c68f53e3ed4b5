package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/plugin/transport/memory"
	"github.com/voxchat/chat-engine/internal/registry/objstore"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

// scriptedStore plays back a fixed sequence of job events, so every
// state transition can be driven deterministically.
type scriptedStore struct {
	events     []objstore.Event
	putErr     error
	resolveErr error
	lastKey    string
}

type scriptedJob struct {
	events chan objstore.Event
}

func (j *scriptedJob) Events() <-chan objstore.Event { return j.events }

func (s *scriptedStore) PutObject(ctx context.Context, key string, data io.Reader, meta objstore.Metadata) (objstore.Job, error) {
	if s.putErr != nil {
		return nil, s.putErr
	}
	s.lastKey = key
	j := &scriptedJob{events: make(chan objstore.Event, len(s.events))}
	for _, ev := range s.events {
		j.events <- ev
	}
	close(j.events)
	return j, nil
}

func (s *scriptedStore) ResolveDownloadURL(ctx context.Context, key string) (string, error) {
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	return "https://cdn.example.com/" + key, nil
}

var _ objstore.ObjectStore = (*scriptedStore)(nil)

func conv() model.Conversation {
	return model.Conversation{ID: "general", DisplayName: "general", Visibility: model.VisibilityShared}
}

func author() model.Author {
	return model.Author{ID: "u1", DisplayName: "Ann"}
}

func partitionSnapshot(t *testing.T, tr transport.Transport, partition string) (func() []model.Message, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []model.Message
	sub, err := tr.SubscribeAppend(context.Background(), partition, func(msg model.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	return func() []model.Message {
			mu.Lock()
			defer mu.Unlock()
			return append([]model.Message(nil), got...)
		}, func() {
			_ = sub.Close()
		}
}

func await(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not reach a terminal state")
	}
}

func TestSuccessfulUploadCommitsAndJoinsBack(t *testing.T) {
	tr := memory.New()
	defer tr.Close()
	store := &scriptedStore{events: []objstore.Event{
		{Type: objstore.EventProgress, BytesTransferred: 250, BytesTotal: 1000},
		{Type: objstore.EventProgress, BytesTransferred: 500, BytesTotal: 1000},
		{Type: objstore.EventProgress, BytesTransferred: 1000, BytesTotal: 1000},
		{Type: objstore.EventDone, BytesTransferred: 1000, BytesTotal: 1000},
	}}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "photo.png", "image/png", 1000, strings.NewReader("data"))
	require.NoError(t, err)
	await(t, done)

	snap := m.View()
	require.Equal(t, StateCommitted, snap.State)
	require.Equal(t, 100, snap.PercentComplete)
	require.NoError(t, snap.Err)
	require.Contains(t, snap.MediaURL, "chat/public/general/")
	require.True(t, strings.HasSuffix(snap.MediaURL, ".png"))

	// The join-back lands in the same partition text messages use.
	snapshot, stop := partitionSnapshot(t, tr, "messages/general")
	defer stop()
	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := snapshot()
	require.Equal(t, snap.MediaURL, got[0].MediaURL)
	require.Empty(t, got[0].Content)
	require.Equal(t, "Ann", got[0].Author.DisplayName)
}

func TestPercentIsNonDecreasingAndEndsAt100(t *testing.T) {
	tr := memory.New()
	defer tr.Close()
	store := &scriptedStore{events: []objstore.Event{
		{Type: objstore.EventProgress, BytesTransferred: 250, BytesTotal: 1000},
		{Type: objstore.EventProgress, BytesTransferred: 240, BytesTotal: 1000},
		{Type: objstore.EventProgress, BytesTransferred: 999, BytesTotal: 1000},
		{Type: objstore.EventDone, BytesTransferred: 1000, BytesTotal: 1000},
	}}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "clip.mp4", "video/mp4", 1000, strings.NewReader("data"))
	require.NoError(t, err)
	await(t, done)

	snap := m.View()
	require.Equal(t, StateCommitted, snap.State)
	require.Equal(t, 100, snap.PercentComplete)
}

func TestTransferErrorFailsWithoutAppend(t *testing.T) {
	tr := memory.New()
	defer tr.Close()
	boom := errors.New("connection reset")
	store := &scriptedStore{events: []objstore.Event{
		{Type: objstore.EventProgress, BytesTransferred: 250, BytesTotal: 1000},
		{Type: objstore.EventError, Err: boom},
	}}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "photo.png", "image/png", 1000, strings.NewReader("data"))
	require.NoError(t, err)
	await(t, done)

	snap := m.View()
	require.Equal(t, StateFailed, snap.State)
	require.ErrorIs(t, snap.Err, boom)

	snapshot, stop := partitionSnapshot(t, tr, "messages/general")
	defer stop()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, snapshot())
}

func TestFailedAppendLeavesFailedNotCommitted(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	tr := &appendRejecting{Transport: inner}
	store := &scriptedStore{events: []objstore.Event{
		{Type: objstore.EventDone, BytesTransferred: 1000, BytesTotal: 1000},
	}}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "photo.png", "image/png", 1000, strings.NewReader("data"))
	require.NoError(t, err)
	await(t, done)

	snap := m.View()
	require.Equal(t, StateFailed, snap.State)
	var aerr *transport.AppendError
	require.ErrorAs(t, snap.Err, &aerr)
	// The object was stored; nothing references it. It stays orphaned.
	require.NotEmpty(t, store.lastKey)
}

func TestResolveFailureFails(t *testing.T) {
	tr := memory.New()
	defer tr.Close()
	store := &scriptedStore{
		events:     []objstore.Event{{Type: objstore.EventDone, BytesTransferred: 10, BytesTotal: 10}},
		resolveErr: errors.New("no such object"),
	}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "photo.png", "image/png", 10, strings.NewReader("data"))
	require.NoError(t, err)
	await(t, done)
	require.Equal(t, StateFailed, m.View().State)
}

func TestAcknowledgeReturnsToIdleAndAllowsRetry(t *testing.T) {
	tr := memory.New()
	defer tr.Close()
	store := &scriptedStore{events: []objstore.Event{
		{Type: objstore.EventError, Err: errors.New("boom")},
	}}
	m := NewManager(tr, store, conv(), author())

	done, err := m.Start(context.Background(), "a.png", "image/png", 1, strings.NewReader("x"))
	require.NoError(t, err)
	await(t, done)
	require.Equal(t, StateFailed, m.View().State)

	require.NoError(t, m.Acknowledge())
	require.Equal(t, StateIdle, m.View().State)

	store.events = []objstore.Event{{Type: objstore.EventDone, BytesTransferred: 1, BytesTotal: 1}}
	done, err = m.Start(context.Background(), "a.png", "image/png", 1, strings.NewReader("x"))
	require.NoError(t, err)
	await(t, done)
	require.Equal(t, StateCommitted, m.View().State)
}

func TestDestinationKeyScopesByVisibility(t *testing.T) {
	shared := destinationKey(conv(), "a.png", "image/png")
	require.True(t, strings.HasPrefix(shared, "chat/public/general/"))
	require.True(t, strings.HasSuffix(shared, ".png"))

	private := destinationKey(model.Conversation{ID: "dm1", Visibility: model.VisibilityRestricted}, "", "image/jpeg")
	require.True(t, strings.HasPrefix(private, "chat/private/dm1/"))

	// Two uploads of the same file never collide.
	require.NotEqual(t, shared, destinationKey(conv(), "a.png", "image/png"))
}

// appendRejecting rejects partition appends but leaves everything else
// to the wrapped transport.
type appendRejecting struct {
	transport.Transport
}

func (a *appendRejecting) Append(ctx context.Context, partition string, msg model.Message) (model.Message, error) {
	return model.Message{}, &transport.AppendError{Partition: partition, Cause: errors.New("write rejected")}
}
