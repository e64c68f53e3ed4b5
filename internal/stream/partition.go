package stream

import "github.com/voxchat/chat-engine/internal/model"

// PartitionFor selects the event partition backing a conversation.
// Shared conversations and restricted ones live in separate namespaces
// so a listener can never be pointed at the wrong visibility scope by a
// bare conversation id.
func PartitionFor(c model.Conversation) string {
	if c.Visibility == model.VisibilityRestricted {
		return "private-messages/" + c.ID
	}
	return "messages/" + c.ID
}

// StarredPath returns the keyed-store path of a user's starred set.
func StarredPath(userID string) string {
	return "users/" + userID + "/starred"
}
