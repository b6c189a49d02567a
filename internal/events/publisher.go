// Package events publishes processing lifecycle events to NATS. Publishing
// is optional and strictly best-effort: a nil publisher or a broken
// connection never affects the pipelines.
package events

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

// Subjects for lifecycle events.
const (
	SubjectVideoProcessed = "tubechat.video.processed"
	SubjectQueueCompleted = "tubechat.queue.completed"
	SubjectQueueFailed    = "tubechat.queue.failed"
)

type Publisher struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Connect dials NATS and returns a publisher. An empty URL returns a nil
// publisher, which is safe to use.
func Connect(url string, log *logger.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		conn:   conn,
		logger: log.WithComponent("events"),
	}, nil
}

// Publish sends a JSON event on subject. Safe on a nil receiver.
func (p *Publisher) Publish(subject string, payload interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("event marshal failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("event publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Close drains the connection. Safe on a nil receiver.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
