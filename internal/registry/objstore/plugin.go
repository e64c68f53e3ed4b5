package objstore

import (
	"context"
	"fmt"
	"io"
)

// EventType classifies upload job events.
type EventType string

const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one observation emitted by an upload job.
type Event struct {
	Type             EventType
	BytesTransferred int64
	BytesTotal       int64
	Err              error
}

// Job is a handle on an in-flight object upload. Its channel carries
// zero or more progress events followed by exactly one terminal event
// (done or error), after which the channel is closed.
type Job interface {
	Events() <-chan Event
}

// Metadata describes the object being stored. Size must be the exact
// byte length of the data; progress percentages are computed from it.
type Metadata struct {
	ContentType string
	Size        int64
}

// ObjectStore is the object-upload collaborator.
type ObjectStore interface {
	// PutObject starts storing data under key. A non-nil return means the
	// store accepted the job; outcome and progress arrive on the job channel.
	PutObject(ctx context.Context, key string, data io.Reader, meta Metadata) (Job, error)

	// ResolveDownloadURL returns a dereferenceable URI for a stored object.
	ResolveDownloadURL(ctx context.Context, key string) (string, error)
}

// Loader creates an ObjectStore from config carried in ctx.
type Loader func(ctx context.Context) (ObjectStore, error)

// Plugin represents an object store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds an object store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered object store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named object store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown object store %q; valid: %v", name, Names())
}
