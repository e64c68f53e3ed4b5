package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxchat/chat-engine/internal/model"
)

// Subscription is the capability returned by SubscribeAppend. Closing it
// stops delivery; events racing with Close are dropped by the caller's
// guard, never delivered to a reused callback.
type Subscription interface {
	Close() error
}

// Transport is the realtime event-source collaborator. One partition is
// one append-only ordered channel of messages; the keyed-store methods
// cover small per-user records such as the starred set.
type Transport interface {
	// SubscribeAppend delivers every record of the partition exactly once
	// and in order: the stored backlog first, then live arrivals. onAppend
	// is invoked serially per subscription, never concurrently.
	SubscribeAppend(ctx context.Context, partition string, onAppend func(model.Message)) (Subscription, error)

	// Append commits the record to the partition and returns it with the
	// server-assigned timestamp. Timestamps increase monotonically within
	// a partition; no two records of one partition share a timestamp.
	Append(ctx context.Context, partition string, msg model.Message) (model.Message, error)

	// ReadOnce is a single point-in-time read of the keyed records stored
	// under path. An absent path yields an empty (or nil) map, not an error.
	ReadOnce(ctx context.Context, path string) (map[string]json.RawMessage, error)

	// Upsert stores record under path/key, overwriting any previous value.
	Upsert(ctx context.Context, path, key string, record any) error

	// Remove deletes path/key. Removing an absent key is a no-op.
	Remove(ctx context.Context, path, key string) error

	Close() error
}

// Loader creates a Transport from config carried in ctx.
type Loader func(ctx context.Context) (Transport, error)

// Plugin represents a transport backend plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a transport plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered transport plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named transport plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown transport %q; valid: %v", name, Names())
}
