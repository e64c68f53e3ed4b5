// Package session composes the stream listener, starred registry, search
// filter and upload manager into one conversation view. A session is the
// unit the HTTP surface operates on: one user looking at one conversation.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/objstore"
	"github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/search"
	"github.com/voxchat/chat-engine/internal/security"
	"github.com/voxchat/chat-engine/internal/starred"
	"github.com/voxchat/chat-engine/internal/stream"
	"github.com/voxchat/chat-engine/internal/upload"
)

// View is the presentation-layer projection of a session.
type View struct {
	Conversation     string          `json:"conversation"`
	Loading          bool            `json:"loading"`
	Messages         []model.Message `json:"messages"`
	ParticipantLabel string          `json:"participantLabel"`
	Starred          bool            `json:"starred"`
	Query            string          `json:"query,omitempty"`
	Upload           UploadView      `json:"upload"`
	Errors           []string        `json:"errors,omitempty"`
}

// UploadView is the serializable slice of the upload snapshot.
type UploadView struct {
	State            string `json:"state"`
	PercentComplete  int    `json:"percentComplete"`
	BytesTransferred int64  `json:"bytesTransferred"`
	BytesTotal       int64  `json:"bytesTotal"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Session is one user's live view of one conversation.
type Session struct {
	tr     transport.Transport
	author model.Author
	conv   model.Conversation

	listener *stream.Listener
	registry *starred.Registry
	uploads  *upload.Manager

	mu     sync.Mutex
	query  string
	errors []string
	closed bool
}

// Open subscribes to the conversation and seeds the starred flag. The
// listener and the starred read run against the same transport but stay
// otherwise independent; they coordinate only through the conversation id.
func Open(ctx context.Context, tr transport.Transport, store objstore.ObjectStore, author model.Author, conv model.Conversation) (*Session, error) {
	listener, err := stream.Subscribe(ctx, tr, conv, nil)
	if err != nil {
		return nil, err
	}
	registry, err := starred.Load(ctx, tr, author.ID, conv)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	return &Session{
		tr:       tr,
		author:   author,
		conv:     conv,
		listener: listener,
		registry: registry,
		uploads:  upload.NewManager(tr, store, conv, author),
	}, nil
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.errors = append(s.errors, err.Error())
	s.mu.Unlock()
}

// SendMessage appends text to the conversation. Failures, including
// validation rejections, land on the session's error list and are also
// returned to the caller.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if _, err := stream.SendText(ctx, s.tr, s.conv, s.author, text); err != nil {
		s.recordError(err)
		return err
	}
	return nil
}

// SetQuery updates the active search term. The filtered view is
// recomputed on every View call, so new arrivals are filtered too.
func (s *Session) SetQuery(query string) {
	s.mu.Lock()
	s.query = query
	s.mu.Unlock()
}

// ToggleStarred flips the starred flag and reconciles the remote set.
func (s *Session) ToggleStarred(ctx context.Context) (bool, error) {
	now, err := s.registry.Toggle(ctx)
	if err != nil {
		s.recordError(err)
	}
	return now, err
}

// StartUpload begins a media upload into this conversation. When the job
// ends in failure its error is surfaced on the session error list.
func (s *Session) StartUpload(ctx context.Context, filename, contentType string, size int64, data io.Reader) error {
	done, err := s.uploads.Start(ctx, filename, contentType, size, data)
	if err != nil {
		s.recordError(err)
		return err
	}
	go func() {
		<-done
		if snap := s.uploads.View(); snap.State == upload.StateFailed && snap.Err != nil {
			s.recordError(fmt.Errorf("upload failed: %w", snap.Err))
		}
	}()
	return nil
}

// AcknowledgeUpload returns a terminal upload to idle.
func (s *Session) AcknowledgeUpload() error {
	return s.uploads.Acknowledge()
}

// Upload exposes the upload manager for callers that want to observe
// the job directly.
func (s *Session) Upload() *upload.Manager { return s.uploads }

// View assembles the current projection: the accumulated stream filtered
// by the active query, the participant label, flags and errors.
func (s *Session) View() View {
	s.mu.Lock()
	query := s.query
	errs := append([]string(nil), s.errors...)
	s.mu.Unlock()

	messages := search.Filter(s.listener.Messages(), query)
	snap := s.uploads.View()
	uv := UploadView{
		State:            string(snap.State),
		PercentComplete:  snap.PercentComplete,
		BytesTransferred: snap.BytesTransferred,
		BytesTotal:       snap.BytesTotal,
		MediaURL:         snap.MediaURL,
	}
	if snap.Err != nil {
		uv.Error = snap.Err.Error()
	}
	return View{
		Conversation:     s.conv.Label(),
		Loading:          s.listener.Loading(),
		Messages:         messages,
		ParticipantLabel: s.listener.ParticipantLabel(),
		Starred:          s.registry.Starred(),
		Query:            query,
		Upload:           uv,
		Errors:           errs,
	}
}

// Close tears down the stream subscription. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.listener.Close()
}

// Manager tracks at most one open session per user. Opening a new
// session for a user tears the previous one down first, so a rapid
// conversation switch can never leave two listeners appending into the
// same view.
type Manager struct {
	tr    transport.Transport
	store objstore.ObjectStore

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager over the given backends.
func NewManager(tr transport.Transport, store objstore.ObjectStore) *Manager {
	return &Manager{tr: tr, store: store, sessions: map[string]*Session{}}
}

// Open switches the user to the given conversation.
func (m *Manager) Open(ctx context.Context, author model.Author, conv model.Conversation) (*Session, error) {
	m.mu.Lock()
	prev := m.sessions[author.ID]
	delete(m.sessions, author.ID)
	m.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
		if security.SessionsOpen != nil {
			security.SessionsOpen.Dec()
		}
	}

	s, err := Open(ctx, m.tr, m.store, author, conv)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[author.ID] = s
	m.mu.Unlock()
	if security.SessionsOpen != nil {
		security.SessionsOpen.Inc()
	}
	return s, nil
}

// Get returns the user's open session, if any.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Close tears down the user's session. Closing an absent session is a
// no-op.
func (m *Manager) Close(userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	if security.SessionsOpen != nil {
		security.SessionsOpen.Dec()
	}
	return s.Close()
}

// CloseAll tears down every open session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
		if security.SessionsOpen != nil {
			security.SessionsOpen.Dec()
		}
	}
}
