// Package upload drives the media-upload lifecycle as an explicit state
// machine. One manager owns at most one in-flight job; the job's discrete
// events (progress, done, error) arrive on a channel and each one maps to
// a single state transition, which keeps every edge unit-testable,
// including the orphaned-object case where the stored object commits but
// the join-back append fails.
package upload

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/objstore"
	"github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/security"
	"github.com/voxchat/chat-engine/internal/stream"
)

// State is the upload lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateQueued       State = "queued"
	StateTransferring State = "transferring"
	StateFinalizing   State = "finalizing"
	StateCommitted    State = "committed"
	StateFailed       State = "failed"
)

// Snapshot is a point-in-time view of the manager for the presentation
// layer.
type Snapshot struct {
	State            State
	PercentComplete  int
	BytesTransferred int64
	BytesTotal       int64
	MediaURL         string
	Err              error
}

// Manager runs one upload at a time into one conversation.
type Manager struct {
	tr     transport.Transport
	store  objstore.ObjectStore
	conv   model.Conversation
	author model.Author

	mu      sync.Mutex
	state   State
	percent int
	bytes   int64
	total   int64
	url     string
	err     error
	done    chan struct{}
}

// NewManager creates an idle manager bound to a conversation and author.
func NewManager(tr transport.Transport, store objstore.ObjectStore, conv model.Conversation, author model.Author) *Manager {
	return &Manager{
		tr:     tr,
		store:  store,
		conv:   conv,
		author: author,
		state:  StateIdle,
	}
}

// destinationKey derives the object key for an upload. The prefix scopes
// by visibility, the conversation id isolates conversations, and the
// fresh unique id prevents collisions between concurrent uploads.
func destinationKey(conv model.Conversation, filename, contentType string) string {
	prefix := "chat/public"
	if conv.Visibility == model.VisibilityRestricted {
		prefix = "chat/private"
	}
	return prefix + "/" + conv.ID + "/" + uuid.New().String() + extensionFor(filename, contentType)
}

// extensionFor keeps the original file extension when there is one and
// otherwise derives it from the declared content type.
func extensionFor(filename, contentType string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	return strings.ToLower(ext)
}

// Start begins a new upload. It is only legal when no job is in flight:
// from idle, or from a terminal state, in which case the previous outcome
// is discarded. The returned channel closes when the job reaches a
// terminal state.
func (m *Manager) Start(ctx context.Context, filename, contentType string, size int64, data io.Reader) (<-chan struct{}, error) {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateCommitted, StateFailed:
	default:
		st := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("upload already in flight (state %s)", st)
	}
	m.state = StateQueued
	m.percent = 0
	m.bytes = 0
	m.total = size
	m.url = ""
	m.err = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	key := destinationKey(m.conv, filename, contentType)
	job, err := m.store.PutObject(ctx, key, data, objstore.Metadata{ContentType: contentType, Size: size})
	if err != nil {
		m.fail(fmt.Errorf("start upload: %w", err))
		return done, nil
	}
	if security.UploadsStartedTotal != nil {
		security.UploadsStartedTotal.Inc()
	}

	m.mu.Lock()
	m.state = StateTransferring
	m.mu.Unlock()

	go m.drive(ctx, key, job)
	return done, nil
}

// drive consumes the job's event channel to completion. Each event is
// handled fully before the next is read, so transitions never interleave.
func (m *Manager) drive(ctx context.Context, key string, job objstore.Job) {
	for ev := range job.Events() {
		switch ev.Type {
		case objstore.EventProgress:
			m.observeProgress(ev.BytesTransferred, ev.BytesTotal)
		case objstore.EventError:
			m.fail(ev.Err)
			return
		case objstore.EventDone:
			m.finalize(ctx, key, ev.BytesTransferred)
			return
		}
	}
	// Channel closed without a terminal event; treat as a transport fault.
	m.fail(fmt.Errorf("upload job ended without a terminal event"))
}

func (m *Manager) observeProgress(transferred, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateTransferring {
		return
	}
	m.bytes = transferred
	if total > 0 {
		m.total = total
	}
	if m.total > 0 {
		pct := int(math.Round(float64(transferred) / float64(m.total) * 100))
		if pct > 100 {
			pct = 100
		}
		// Progress is reported non-decreasing even if the source stutters.
		if pct > m.percent {
			m.percent = pct
		}
	}
}

func (m *Manager) finalize(ctx context.Context, key string, transferred int64) {
	m.mu.Lock()
	m.state = StateFinalizing
	m.bytes = transferred
	m.mu.Unlock()

	url, err := m.store.ResolveDownloadURL(ctx, key)
	if err != nil {
		m.fail(fmt.Errorf("resolve download URL: %w", err))
		return
	}
	if _, err := stream.SendMedia(ctx, m.tr, m.conv, m.author, url); err != nil {
		// The object is stored but nothing references it. Known gap:
		// the orphan is left behind rather than silently cleaned up.
		log.Error("Media join-back append failed, object orphaned",
			"conversation", m.conv.ID, "key", key, "error", err)
		m.fail(err)
		return
	}

	m.mu.Lock()
	m.state = StateCommitted
	m.percent = 100
	m.url = url
	done := m.done
	m.mu.Unlock()
	close(done)
}

func (m *Manager) fail(err error) {
	if security.UploadsFailedTotal != nil {
		security.UploadsFailedTotal.Inc()
	}
	m.mu.Lock()
	m.state = StateFailed
	m.err = err
	done := m.done
	m.mu.Unlock()
	close(done)
}

// Acknowledge returns a terminal manager to idle so the next Start is
// legal. Acknowledging mid-flight is an error.
func (m *Manager) Acknowledge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateCommitted, StateFailed, StateIdle:
		m.state = StateIdle
		m.err = nil
		return nil
	default:
		return fmt.Errorf("upload still in flight (state %s)", m.state)
	}
}

// View returns the current snapshot.
func (m *Manager) View() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:            m.state,
		PercentComplete:  m.percent,
		BytesTransferred: m.bytes,
		BytesTotal:       m.total,
		MediaURL:         m.url,
		Err:              m.err,
	}
}
