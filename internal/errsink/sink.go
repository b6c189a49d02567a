// Package errsink captures application errors into the store through a
// buffered worker pool, so a slow store never blocks the hot path. Context
// objects are redacted before persistence.
package errsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

// sensitiveKeys are context keys whose values are never persisted.
// Matching is case-insensitive on the normalized key.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"token":         true,
	"apikey":        true,
	"secret":        true,
	"authorization": true,
}

const insertTimeout = 10 * time.Second

// Store persists error events.
type Store interface {
	InsertErrorEvent(ctx context.Context, message, errType, stack string, context json.RawMessage) error
}

type event struct {
	message string
	errType string
	stack   string
	context json.RawMessage
}

type Sink struct {
	store  Store
	logger *logger.Logger

	buffer  chan event
	workers int
	wg      sync.WaitGroup

	mu      sync.Mutex
	dropped int64
	closed  bool
}

func New(store Store, bufferSize, workers int, log *logger.Logger) *Sink {
	if bufferSize <= 0 {
		bufferSize = 500
	}
	if workers <= 0 {
		workers = 2
	}
	return &Sink{
		store:   store,
		logger:  log.WithComponent("errsink"),
		buffer:  make(chan event, bufferSize),
		workers: workers,
	}
}

// Start launches the insert workers.
func (s *Sink) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Capture buffers an error event with the caller's stack. A full buffer
// drops the event rather than blocking.
func (s *Sink) Capture(err error, errType string, errContext map[string]interface{}) {
	if err == nil {
		return
	}

	ev := event{
		message: err.Error(),
		errType: errType,
		stack:   string(debug.Stack()),
		context: marshalContext(Redact(errContext)),
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.buffer <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		s.logger.Warn("error sink buffer full, dropping event",
			slog.String("type", errType),
			slog.Int64("dropped_total", dropped))
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for ev := range s.buffer {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := s.store.InsertErrorEvent(ctx, ev.message, ev.errType, ev.stack, ev.context); err != nil {
			s.logger.Error("error event insert failed",
				slog.String("type", ev.errType),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Shutdown closes the buffer and waits for workers to drain it.
func (s *Sink) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("error sink shutdown timed out with events unflushed")
	}
}

// Redact returns a copy of errContext with sensitive values replaced.
// Nested maps are redacted recursively; key matching ignores case, spaces,
// underscores, and dashes.
func Redact(errContext map[string]interface{}) map[string]interface{} {
	if errContext == nil {
		return nil
	}

	out := make(map[string]interface{}, len(errContext))
	for key, value := range errContext {
		if sensitiveKeys[normalizeKey(key)] {
			out[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			out[key] = Redact(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	key = strings.ReplaceAll(key, " ", "")
	return key
}

func marshalContext(errContext map[string]interface{}) json.RawMessage {
	if errContext == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(errContext)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
