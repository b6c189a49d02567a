package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// sseSink writes chat frames to the HTTP response in SSE format. Writes are
// serialized; a failed write means the client disconnected.
type sseSink struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
}

func newSSESink(c *gin.Context) *sseSink {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	return &sseSink{writer: c.Writer, flusher: flusher}
}

func (s *sseSink) WriteFrame(frame interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE frame: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
