package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voxchat/chat-engine/internal/model"
)

const (
	// ContextKeyUserID is the gin context key for the caller's user ID.
	ContextKeyUserID = "userID"
	// ContextKeyAuthor is the gin context key for the caller's full identity.
	ContextKeyAuthor = "author"

	headerUserID    = "X-User-ID"
	headerUserName  = "X-User-Name"
	headerAvatarURL = "X-User-Avatar"
)

// IdentityMiddleware extracts the caller identity from request headers.
// Authentication itself is an external collaborator; by the time a
// request reaches this engine a gateway has verified the caller and
// stamped these headers. Requests without X-User-ID are rejected.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + headerUserID + " header"})
			return
		}
		displayName := strings.TrimSpace(c.GetHeader(headerUserName))
		if displayName == "" {
			displayName = userID
		}
		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyAuthor, model.Author{
			ID:          userID,
			DisplayName: displayName,
			AvatarURL:   strings.TrimSpace(c.GetHeader(headerAvatarURL)),
		})
		c.Next()
	}
}

// GetUserID returns the caller's user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetAuthor returns the caller's full identity from the gin context.
func GetAuthor(c *gin.Context) model.Author {
	v, _ := c.Get(ContextKeyAuthor)
	a, _ := v.(model.Author)
	return a
}
