// Package metrics decorates a Transport with Prometheus instrumentation.
// It wraps whichever backend was selected; it is not a registered plugin
// of its own.
package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/security"
)

// Wrap returns a Transport that records operation latency, append counts
// and delivered-event counts around inner.
func Wrap(inner transport.Transport) transport.Transport {
	return &instrumented{inner: inner}
}

type instrumented struct {
	inner transport.Transport
}

func observe(op string, start time.Time) {
	if security.TransportOpLatency != nil {
		security.TransportOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// partitionKind reduces a partition name to its kind prefix so the
// append counter stays low-cardinality.
func partitionKind(partition string) string {
	if idx := strings.IndexByte(partition, '/'); idx > 0 {
		return partition[:idx]
	}
	return partition
}

func (t *instrumented) Append(ctx context.Context, partition string, msg model.Message) (model.Message, error) {
	defer observe("append", time.Now())
	out, err := t.inner.Append(ctx, partition, msg)
	if err == nil && security.TransportAppendsTotal != nil {
		security.TransportAppendsTotal.WithLabelValues(partitionKind(partition)).Inc()
	}
	return out, err
}

func (t *instrumented) SubscribeAppend(ctx context.Context, partition string, onAppend func(model.Message)) (transport.Subscription, error) {
	defer observe("subscribe", time.Now())
	return t.inner.SubscribeAppend(ctx, partition, func(m model.Message) {
		if security.TransportEventsDeliveredTotal != nil {
			security.TransportEventsDeliveredTotal.Inc()
		}
		onAppend(m)
	})
}

func (t *instrumented) ReadOnce(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	defer observe("read_once", time.Now())
	return t.inner.ReadOnce(ctx, path)
}

func (t *instrumented) Upsert(ctx context.Context, path, key string, record any) error {
	defer observe("upsert", time.Now())
	return t.inner.Upsert(ctx, path, key, record)
}

func (t *instrumented) Remove(ctx context.Context, path, key string) error {
	defer observe("remove", time.Now())
	return t.inner.Remove(ctx, path, key)
}

func (t *instrumented) Close() error {
	return t.inner.Close()
}

var _ transport.Transport = (*instrumented)(nil)
