package memstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxchat/chat-engine/internal/registry/objstore"
)

func drain(t *testing.T, j objstore.Job) []objstore.Event {
	t.Helper()
	var events []objstore.Event
	for ev := range j.Events() {
		events = append(events, ev)
	}
	return events
}

func TestPutObjectEmitsProgressThenDone(t *testing.T) {
	s := New()
	data := bytes.Repeat([]byte("x"), 3*chunkSize/2)

	j, err := s.PutObject(context.Background(), "chat/public/c1/obj", bytes.NewReader(data), objstore.Metadata{
		ContentType: "application/octet-stream",
		Size:        int64(len(data)),
	})
	require.NoError(t, err)

	events := drain(t, j)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, objstore.EventDone, last.Type)
	require.Equal(t, int64(len(data)), last.BytesTransferred)

	var prev int64
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, objstore.EventProgress, ev.Type)
		require.GreaterOrEqual(t, ev.BytesTransferred, prev)
		prev = ev.BytesTransferred
	}

	stored, ok := s.Object("chat/public/c1/obj")
	require.True(t, ok)
	require.Equal(t, data, stored)
}

func TestPutObjectReaderFailure(t *testing.T) {
	s := New()
	boom := errors.New("disk gone")
	j, err := s.PutObject(context.Background(), "k", failingReader{err: boom}, objstore.Metadata{Size: 10})
	require.NoError(t, err)

	events := drain(t, j)
	require.Len(t, events, 1)
	require.Equal(t, objstore.EventError, events[0].Type)
	require.ErrorIs(t, events[0].Err, boom)

	_, ok := s.Object("k")
	require.False(t, ok)
}

func TestResolveDownloadURL(t *testing.T) {
	s := New()
	j, err := s.PutObject(context.Background(), "k", bytes.NewReader([]byte("hi")), objstore.Metadata{Size: 2})
	require.NoError(t, err)
	drain(t, j)

	u, err := s.ResolveDownloadURL(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "mem://k", u)

	_, err = s.ResolveDownloadURL(context.Background(), "missing")
	require.Error(t, err)
}

type failingReader struct{ err error }

func (r failingReader) Read(p []byte) (int, error) { return 0, r.err }

var _ io.Reader = failingReader{}
