package chat

import (
	"sync"
)

// StreamState is the lifecycle of one chat stream.
type StreamState string

const (
	StreamActive    StreamState = "active"
	StreamCompleted StreamState = "completed"
	StreamCancelled StreamState = "cancelled"
	StreamErrored   StreamState = "errored"
)

// Registry tracks in-flight chat streams. The transport cancels a stream on
// client disconnect; the orchestrator checks liveness between model deltas
// and stops emitting once the stream is no longer active.
type Registry struct {
	mu      sync.Mutex
	streams map[string]StreamState
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]StreamState)}
}

// Register marks a stream active.
func (r *Registry) Register(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[streamID] = StreamActive
}

// IsActive reports whether the stream may keep emitting content frames.
func (r *Registry) IsActive(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamID] == StreamActive
}

// Cancel flips an active stream to cancelled. Terminal streams are untouched.
func (r *Registry) Cancel(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[streamID] == StreamActive {
		r.streams[streamID] = StreamCancelled
	}
}

// Finish drops the stream entry once the orchestrator has observed its
// terminal state.
func (r *Registry) Finish(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, streamID)
}

// ActiveCount returns how many streams are currently active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, state := range r.streams {
		if state == StreamActive {
			n++
		}
	}
	return n
}
