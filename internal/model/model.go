package model

import "strings"

// Visibility controls which backing partition a conversation reads and writes.
type Visibility string

const (
	VisibilityShared     Visibility = "shared"
	VisibilityRestricted Visibility = "restricted"
)

// ParseVisibility normalizes a visibility string, defaulting to shared.
func ParseVisibility(raw string) Visibility {
	if strings.EqualFold(strings.TrimSpace(raw), string(VisibilityRestricted)) {
		return VisibilityRestricted
	}
	return VisibilityShared
}

// Author identifies the sender of a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is an immutable record in a conversation partition.
// Exactly one of Content and MediaURL is set. Timestamp is assigned by
// the transport at append time and increases monotonically within a
// partition; it doubles as the record's identity there.
type Message struct {
	Timestamp int64  `json:"timestamp"`
	Author    Author `json:"author"`
	Content   string `json:"content,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
}

// IsMedia reports whether the message carries a media reference
// instead of text content.
func (m Message) IsMedia() bool { return m.MediaURL != "" }

// Creator is the denormalized author snapshot stored on a Conversation
// and inside StarredSnapshot records.
type Creator struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Conversation is read-only context owned by an external collaborator.
type Conversation struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Details     string     `json:"details,omitempty"`
	Creator     Creator    `json:"creator"`
	Visibility  Visibility `json:"visibility"`
}

// Label renders the conversation name the way the view shows it:
// "#name" for shared conversations, "@name" for restricted ones.
func (c Conversation) Label() string {
	if c.DisplayName == "" {
		return ""
	}
	if c.Visibility == VisibilityRestricted {
		return "@" + c.DisplayName
	}
	return "#" + c.DisplayName
}

// StarredSnapshot is the denormalized record kept under a user's
// starred set, keyed by conversation id.
type StarredSnapshot struct {
	Name    string  `json:"name"`
	Details string  `json:"details,omitempty"`
	Creator Creator `json:"creator"`
}

// SnapshotOf builds the starred-set record for a conversation.
func SnapshotOf(c Conversation) StarredSnapshot {
	return StarredSnapshot{
		Name:    c.DisplayName,
		Details: c.Details,
		Creator: c.Creator,
	}
}
