// Package memstore provides an in-process object store. Objects live in
// a map and upload jobs report progress in fixed-size chunks, which gives
// the upload state machine realistic intermediate events to consume in
// tests and single-process deployments.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/voxchat/chat-engine/internal/registry/objstore"
)

func init() {
	objstore.Register(objstore.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (objstore.ObjectStore, error) {
			return New(), nil
		},
	})
}

// chunkSize controls how many bytes each progress event covers.
const chunkSize = 64 << 10

// Store is the in-memory object store.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New returns an empty in-memory object store.
func New() *Store {
	return &Store{objects: map[string][]byte{}}
}

type job struct {
	events chan objstore.Event
}

func (j *job) Events() <-chan objstore.Event { return j.events }

// PutObject copies data chunk by chunk, emitting a progress event after
// each chunk and a single terminal event when the copy ends.
func (s *Store) PutObject(ctx context.Context, key string, data io.Reader, meta objstore.Metadata) (objstore.Job, error) {
	if key == "" {
		return nil, fmt.Errorf("memstore: object key is required")
	}
	j := &job{events: make(chan objstore.Event, 8)}
	go func() {
		defer close(j.events)
		var buf bytes.Buffer
		chunk := make([]byte, chunkSize)
		var transferred int64
		for {
			if err := ctx.Err(); err != nil {
				j.events <- objstore.Event{Type: objstore.EventError, Err: err}
				return
			}
			n, err := data.Read(chunk)
			if n > 0 {
				buf.Write(chunk[:n])
				transferred += int64(n)
				j.events <- objstore.Event{
					Type:             objstore.EventProgress,
					BytesTransferred: transferred,
					BytesTotal:       meta.Size,
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				j.events <- objstore.Event{Type: objstore.EventError, Err: err}
				return
			}
		}
		s.mu.Lock()
		s.objects[key] = buf.Bytes()
		s.mu.Unlock()
		j.events <- objstore.Event{
			Type:             objstore.EventDone,
			BytesTransferred: transferred,
			BytesTotal:       meta.Size,
		}
	}()
	return j, nil
}

// ResolveDownloadURL returns a mem:// URI for a stored object.
func (s *Store) ResolveDownloadURL(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("memstore: no object stored at %q", key)
	}
	return "mem://" + key, nil
}

// Object returns the stored bytes for key. Test helper.
func (s *Store) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

var _ objstore.ObjectStore = (*Store)(nil)
