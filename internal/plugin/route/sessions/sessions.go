// Package sessions exposes the conversation view over HTTP. One user has
// at most one open session; every route below operates on the caller's
// session, identified by the authenticated user id.
package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/model"
	"github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/security"
	"github.com/voxchat/chat-engine/internal/session"
)

// MountRoutes mounts session routes.
func MountRoutes(r *gin.Engine, sessions *session.Manager, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/session", auth)

	g.POST("", func(c *gin.Context) { openSession(c, sessions) })
	g.DELETE("", func(c *gin.Context) { closeSession(c, sessions) })
	g.GET("/view", func(c *gin.Context) { viewSession(c, sessions) })
	g.POST("/messages", func(c *gin.Context) { sendMessage(c, sessions) })
	g.POST("/star", func(c *gin.Context) { toggleStarred(c, sessions) })
	g.POST("/uploads", func(c *gin.Context) { startUpload(c, sessions, cfg.UploadMaxSize) })
	g.POST("/uploads/ack", func(c *gin.Context) { acknowledgeUpload(c, sessions) })
}

type openRequest struct {
	Conversation struct {
		ID          string        `json:"id" binding:"required"`
		DisplayName string        `json:"displayName"`
		Details     string        `json:"details"`
		Creator     model.Creator `json:"creator"`
		Visibility  string        `json:"visibility"`
	} `json:"conversation" binding:"required"`
}

func openSession(c *gin.Context, sessions *session.Manager) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	conv := model.Conversation{
		ID:          req.Conversation.ID,
		DisplayName: req.Conversation.DisplayName,
		Details:     req.Conversation.Details,
		Creator:     req.Conversation.Creator,
		Visibility:  model.ParseVisibility(req.Conversation.Visibility),
	}
	s, err := sessions.Open(c.Request.Context(), security.GetAuthor(c), conv)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.View())
}

func closeSession(c *gin.Context, sessions *session.Manager) {
	if err := sessions.Close(security.GetUserID(c)); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func activeSession(c *gin.Context, sessions *session.Manager) (*session.Session, bool) {
	s, ok := sessions.Get(security.GetUserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "no open session"})
		return nil, false
	}
	return s, true
}

func viewSession(c *gin.Context, sessions *session.Manager) {
	s, ok := activeSession(c, sessions)
	if !ok {
		return
	}
	if query, present := c.GetQuery("query"); present {
		s.SetQuery(query)
	}
	c.JSON(http.StatusOK, s.View())
}

type messageRequest struct {
	Text string `json:"text"`
}

func sendMessage(c *gin.Context, sessions *session.Manager) {
	s, ok := activeSession(c, sessions)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := s.SendMessage(c.Request.Context(), req.Text); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func toggleStarred(c *gin.Context, sessions *session.Manager) {
	s, ok := activeSession(c, sessions)
	if !ok {
		return
	}
	starred, err := s.ToggleStarred(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"starred": starred})
}

func startUpload(c *gin.Context, sessions *session.Manager, maxSize int64) {
	s, ok := activeSession(c, sessions)
	if !ok {
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	if maxSize > 0 && header.Size > maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds maximum upload size"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return
	}
	// The transfer outlives this request, so the bytes are buffered here
	// rather than streamed from the request body. Size is bounded by the
	// configured upload maximum.
	data, err := io.ReadAll(file)
	_ = file.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded file"})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.StartUpload(context.WithoutCancel(c.Request.Context()), header.Filename, contentType, int64(len(data)), bytes.NewReader(data)); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.View().Upload)
}

func acknowledgeUpload(c *gin.Context, sessions *session.Manager) {
	s, ok := activeSession(c, sessions)
	if !ok {
		return
	}
	if err := s.AcknowledgeUpload(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.View().Upload)
}

func handleError(c *gin.Context, err error) {
	var verr *transport.ValidationError
	var nerr *transport.NotFoundError
	var aerr *transport.AppendError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation", "error": verr.Error()})
	case errors.As(err, &nerr):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": nerr.Error()})
	case errors.As(err, &aerr):
		c.JSON(http.StatusBadGateway, gin.H{"code": "append_failed", "error": aerr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
