// Package starred reconciles a user's starred flag for a conversation
// against the remotely stored per-user starred set. The local flag flips
// optimistically; a failed remote write rolls it back, so the flag never
// stays divergent from the store it mirrors.
package starred

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/stream"
)

// Registry tracks the starred flag for one user and one conversation.
type Registry struct {
	tr     transport.Transport
	userID string
	conv   model.Conversation

	mu      sync.Mutex
	starred bool
}

// Load creates a Registry and seeds the flag with a one-shot read of the
// user's starred set.
func Load(ctx context.Context, tr transport.Transport, userID string, conv model.Conversation) (*Registry, error) {
	records, err := tr.ReadOnce(ctx, stream.StarredPath(userID))
	if err != nil {
		return nil, err
	}
	_, starred := records[conv.ID]
	return &Registry{tr: tr, userID: userID, conv: conv, starred: starred}, nil
}

// Starred returns the current local flag.
func (r *Registry) Starred() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starred
}

// Toggle flips the flag optimistically and reconciles the remote starred
// set: an upsert of the conversation snapshot when starring, a remove
// when unstarring. Both writes are idempotent. If the remote write fails
// the flag is rolled back and the error returned.
func (r *Registry) Toggle(ctx context.Context) (bool, error) {
	r.mu.Lock()
	r.starred = !r.starred
	now := r.starred
	r.mu.Unlock()

	var err error
	if now {
		err = r.tr.Upsert(ctx, stream.StarredPath(r.userID), r.conv.ID, model.SnapshotOf(r.conv))
	} else {
		err = r.tr.Remove(ctx, stream.StarredPath(r.userID), r.conv.ID)
	}
	if err != nil {
		log.Error("Starred reconciliation failed, rolling back",
			"user", r.userID, "conversation", r.conv.ID, "starred", now, "error", err)
		r.mu.Lock()
		r.starred = !now
		rolled := r.starred
		r.mu.Unlock()
		return rolled, err
	}
	return now, nil
}
