package chat

// Sink is where the orchestrator writes SSE frames. The transport implements
// it over the HTTP response; a write error means the client is gone.
type Sink interface {
	WriteFrame(frame interface{}) error
}

// ContentFrame carries one model delta.
type ContentFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// DoneFrame terminates a successful stream with the merged citations.
type DoneFrame struct {
	Type      string        `json:"type"`
	Citations []interface{} `json:"citations"`
	Done      bool          `json:"done"`
}

// ErrorFrame terminates a failed stream.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newContentFrame(delta string) ContentFrame {
	return ContentFrame{Type: "content", Content: delta, Done: false}
}

func newDoneFrame(citations []interface{}) DoneFrame {
	if citations == nil {
		citations = []interface{}{}
	}
	return DoneFrame{Type: "done", Citations: citations, Done: true}
}

func newErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: message}
}
