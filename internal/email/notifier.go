// Package email sends channel indexing notifications through the Resend
// API. Without an API key the notifier is disabled and every send is a no-op.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

const defaultBaseURL = "https://api.resend.com"

// Stats is the channel indexing outcome reported in the completion email.
// Processed counts newly processed plus already cached videos.
type Stats struct {
	Processed    int
	Existing     int
	NoTranscript int
	Failed       int
	Total        int
}

type Notifier struct {
	apiKey     string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewNotifier(apiKey, from string, log *logger.Logger) *Notifier {
	return &Notifier{
		apiKey:  apiKey,
		from:    from,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithComponent("email"),
	}
}

// SetBaseURL overrides the provider endpoint, for tests.
func (n *Notifier) SetBaseURL(baseURL string) {
	n.baseURL = baseURL
}

// Enabled reports whether an API key is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.apiKey != ""
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendChannelComplete emails the indexing summary to the requester.
func (n *Notifier) SendChannelComplete(ctx context.Context, to, channelTitle string, stats Stats) error {
	subject := fmt.Sprintf("Your channel %q is ready to chat", channelTitle)
	html := fmt.Sprintf(`<h2>%s is indexed</h2>
<p>We finished processing the channel. You can start asking questions now.</p>
<ul>
<li>Videos processed: %d</li>
<li>Already indexed: %d</li>
<li>Without captions: %d</li>
<li>Failed: %d</li>
<li>Total: %d</li>
</ul>`,
		channelTitle, stats.Processed, stats.Existing, stats.NoTranscript, stats.Failed, stats.Total)
	return n.send(ctx, to, subject, html)
}

// SendChannelFailed emails a failure notice to the requester.
func (n *Notifier) SendChannelFailed(ctx context.Context, to, channelTitle, reason string) error {
	subject := fmt.Sprintf("Indexing %q did not finish", channelTitle)
	html := fmt.Sprintf(`<h2>Something went wrong</h2>
<p>We could not finish indexing %s. We will retry automatically.</p>
<p>Details: %s</p>`, channelTitle, reason)
	return n.send(ctx, to, subject, html)
}

func (n *Notifier) send(ctx context.Context, to, subject, html string) error {
	if !n.Enabled() {
		return nil
	}
	if to == "" {
		return nil
	}

	body, err := json.Marshal(sendRequest{
		From:    n.from,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("email API returned status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
