package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

func openTestTransport(t *testing.T) transport.Transport {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "chat.db"), 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestBacklogThenLiveDelivery(t *testing.T) {
	tr := openTestTransport(t)
	ctx := context.Background()

	_, err := tr.Append(ctx, "messages/general", model.Message{Content: "first"})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	sub, err := tr.SubscribeAppend(ctx, "messages/general", func(m model.Message) {
		mu.Lock()
		got = append(got, m.Content)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	_, err = tr.Append(ctx, "messages/general", model.Message{Content: "second"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, got)
}

func TestTimestampsStrictlyIncreasePerPartition(t *testing.T) {
	tr := openTestTransport(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := tr.Append(ctx, "messages/general", model.Message{Content: "m"})
		require.NoError(t, err)
		require.Greater(t, msg.Timestamp, last)
		last = msg.Timestamp
	}
}

func TestKeyedRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.db")
	ctx := context.Background()

	tr, err := Open(path, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, tr.Upsert(ctx, "users/u1/starred", "general", map[string]string{"name": "general"}))
	require.NoError(t, tr.Close())

	tr, err = Open(path, 10*time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()

	records, err := tr.ReadOnce(ctx, "users/u1/starred")
	require.NoError(t, err)
	require.Contains(t, records, "general")

	require.NoError(t, tr.Remove(ctx, "users/u1/starred", "general"))
	records, err = tr.ReadOnce(ctx, "users/u1/starred")
	require.NoError(t, err)
	require.Empty(t, records)
}
