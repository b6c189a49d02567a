package email

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

func testLogger() *logger.Logger {
	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{Level: level})
}

type capturedMail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func newMailServer(t *testing.T, sent *[]capturedMail) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/emails" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var mail capturedMail
		if err := json.NewDecoder(r.Body).Decode(&mail); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		*sent = append(*sent, mail)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestSendChannelComplete(t *testing.T) {
	var sent []capturedMail
	server := newMailServer(t, &sent)
	defer server.Close()

	n := NewNotifier("test-key", "noreply@tubechat.app", testLogger())
	n.SetBaseURL(server.URL)

	stats := Stats{Processed: 8, Existing: 2, NoTranscript: 1, Failed: 1, Total: 10}
	if err := n.SendChannelComplete(context.Background(), "user@example.com", "Tech Talks", stats); err != nil {
		t.Fatal(err)
	}

	if len(sent) != 1 {
		t.Fatalf("%d emails sent, want 1", len(sent))
	}
	mail := sent[0]
	if mail.From != "noreply@tubechat.app" {
		t.Errorf("from = %q", mail.From)
	}
	if len(mail.To) != 1 || mail.To[0] != "user@example.com" {
		t.Errorf("to = %v", mail.To)
	}
	if !strings.Contains(mail.Subject, "Tech Talks") {
		t.Errorf("subject = %q", mail.Subject)
	}
	for _, want := range []string{"8", "2", "1", "10"} {
		if !strings.Contains(mail.HTML, want) {
			t.Errorf("body missing stat %q", want)
		}
	}
}

func TestSendChannelFailed(t *testing.T) {
	var sent []capturedMail
	server := newMailServer(t, &sent)
	defer server.Close()

	n := NewNotifier("test-key", "noreply@tubechat.app", testLogger())
	n.SetBaseURL(server.URL)

	if err := n.SendChannelFailed(context.Background(), "user@example.com", "Tech Talks", "upstream quota exceeded"); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("%d emails sent, want 1", len(sent))
	}
	if !strings.Contains(sent[0].HTML, "upstream quota exceeded") {
		t.Errorf("body missing the failure reason: %q", sent[0].HTML)
	}
}

// A notifier without an API key is disabled and sends nothing.
func TestDisabledNotifier(t *testing.T) {
	var sent []capturedMail
	server := newMailServer(t, &sent)
	defer server.Close()

	n := NewNotifier("", "noreply@tubechat.app", testLogger())
	n.SetBaseURL(server.URL)

	if n.Enabled() {
		t.Error("keyless notifier reports enabled")
	}
	if err := n.SendChannelComplete(context.Background(), "user@example.com", "Tech Talks", Stats{}); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Errorf("%d emails sent by a disabled notifier", len(sent))
	}
}

func TestSendSkipsEmptyRecipient(t *testing.T) {
	var sent []capturedMail
	server := newMailServer(t, &sent)
	defer server.Close()

	n := NewNotifier("test-key", "noreply@tubechat.app", testLogger())
	n.SetBaseURL(server.URL)

	if err := n.SendChannelComplete(context.Background(), "", "Tech Talks", Stats{}); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Errorf("%d emails sent with no recipient", len(sent))
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"invalid from address"}`))
	}))
	defer server.Close()

	n := NewNotifier("test-key", "bad-from", testLogger())
	n.SetBaseURL(server.URL)

	err := n.SendChannelComplete(context.Background(), "user@example.com", "Tech Talks", Stats{})
	if err == nil {
		t.Fatal("API error not surfaced")
	}
	if !strings.Contains(err.Error(), "422") {
		t.Errorf("error %q does not carry the status", err)
	}
}

func TestNilNotifierEnabled(t *testing.T) {
	var n *Notifier
	if n.Enabled() {
		t.Error("nil notifier reports enabled")
	}
}
