package server

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tubechat/tubechat-backend/internal/apierrors"
	"github.com/tubechat/tubechat-backend/internal/chat"
	"github.com/tubechat/tubechat-backend/internal/llm"
)

type chatStreamRequest struct {
	Messages  []llm.Message `json:"messages"`
	VideoID   string        `json:"videoId"`
	ChannelID string        `json:"channelId"`
	SessionID string        `json:"sessionId"`
}

func (s *Server) videoChatStream(c *gin.Context) {
	var req chatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VideoID == "" {
		s.respondError(c, apierrors.BadRequest("videoId and messages are required").WithCause(err))
		return
	}
	s.streamChat(c, chat.Request{
		Messages:  req.Messages,
		VideoID:   req.VideoID,
		SessionID: req.SessionID,
		UserID:    c.GetString(ctxUserID),
	})
}

func (s *Server) channelChatStream(c *gin.Context) {
	var req chatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChannelID == "" {
		s.respondError(c, apierrors.BadRequest("channelId and messages are required").WithCause(err))
		return
	}
	s.streamChat(c, chat.Request{
		Messages:   req.Messages,
		ChannelRef: req.ChannelID,
		SessionID:  req.SessionID,
		UserID:     c.GetString(ctxUserID),
	})
}

// streamChat runs the orchestrator against an SSE sink and cancels the
// stream when the client disconnects.
func (s *Server) streamChat(c *gin.Context, req chat.Request) {
	req.StreamID = uuid.New().String()
	sink := newSSESink(c)

	// Flip the registry entry as soon as the transport notices the client
	// is gone; the orchestrator checks it between model deltas.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.Request.Context().Done():
			s.registry.Cancel(req.StreamID)
		case <-done:
		}
	}()

	if err := s.chat.Stream(c.Request.Context(), req, sink); err != nil {
		// The sink already carried an error frame; log only.
		s.logger.LogError(c.Request.Context(), err, "chat stream failed")
	}
}
