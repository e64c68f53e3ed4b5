package stream

import (
	"context"
	"strings"

	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
)

// SendText appends a text message to the conversation's partition.
// Empty or whitespace-only text never reaches the transport; it is
// rejected as a validation error.
func SendText(ctx context.Context, tr transport.Transport, conv model.Conversation, author model.Author, text string) (model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return model.Message{}, &transport.ValidationError{
			Field:   "content",
			Message: "message text must not be empty",
		}
	}
	return tr.Append(ctx, PartitionFor(conv), model.Message{
		Author:  author,
		Content: text,
	})
}

// SendMedia appends a media-reference message through the same append
// path text messages use, so listeners observe it as an ordinary arrival.
func SendMedia(ctx context.Context, tr transport.Transport, conv model.Conversation, author model.Author, mediaURL string) (model.Message, error) {
	if strings.TrimSpace(mediaURL) == "" {
		return model.Message{}, &transport.ValidationError{
			Field:   "mediaUrl",
			Message: "media URL must not be empty",
		}
	}
	return tr.Append(ctx, PartitionFor(conv), model.Message{
		Author:   author,
		MediaURL: mediaURL,
	})
}
