package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxchat/chat-engine/internal/model"
)

func collect(t *testing.T, tr *Transport, partition string) (func() []model.Message, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []model.Message
	sub, err := tr.SubscribeAppend(context.Background(), partition, func(m model.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)
	snapshot := func() []model.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.Message(nil), got...)
	}
	return snapshot, func() { _ = sub.Close() }
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubscribeDeliversBacklogThenLive(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	for _, text := range []string{"one", "two"} {
		_, err := tr.Append(ctx, "messages/general", model.Message{Content: text})
		require.NoError(t, err)
	}

	snapshot, stop := collect(t, tr, "messages/general")
	defer stop()

	_, err := tr.Append(ctx, "messages/general", model.Message{Content: "three"})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(snapshot()) == 3 })
	got := snapshot()
	require.Equal(t, "one", got[0].Content)
	require.Equal(t, "two", got[1].Content)
	require.Equal(t, "three", got[2].Content)
}

func TestAppendAssignsMonotonicTimestamps(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		msg, err := tr.Append(ctx, "messages/general", model.Message{Content: "m"})
		require.NoError(t, err)
		require.Greater(t, msg.Timestamp, last)
		last = msg.Timestamp
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	snapshot, stop := collect(t, tr, "messages/general")
	defer stop()

	_, err := tr.Append(ctx, "private-messages/dm1", model.Message{Content: "secret"})
	require.NoError(t, err)
	_, err = tr.Append(ctx, "messages/general", model.Message{Content: "public"})
	require.NoError(t, err)

	waitFor(t, func() bool { return len(snapshot()) == 1 })
	require.Equal(t, "public", snapshot()[0].Content)
}

func TestCloseStopsDelivery(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	snapshot, stop := collect(t, tr, "messages/general")
	stop()

	_, err := tr.Append(ctx, "messages/general", model.Message{Content: "late"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, snapshot())
}

func TestKeyedStoreRoundTrip(t *testing.T) {
	tr := New()
	defer tr.Close()
	ctx := context.Background()

	type rec struct {
		Name string `json:"name"`
	}

	require.NoError(t, tr.Upsert(ctx, "users/u1/starred", "general", rec{Name: "general"}))
	require.NoError(t, tr.Upsert(ctx, "users/u1/starred", "general", rec{Name: "general"}))

	records, err := tr.ReadOnce(ctx, "users/u1/starred")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"name":"general"}`, string(records["general"]))

	require.NoError(t, tr.Remove(ctx, "users/u1/starred", "general"))
	require.NoError(t, tr.Remove(ctx, "users/u1/starred", "general"))

	records, err = tr.ReadOnce(ctx, "users/u1/starred")
	require.NoError(t, err)
	require.Empty(t, records)
}
