// Package transcript retrieves timed-text captions for a video and
// classifies failures so the pipeline can record a precise outcome.
package transcript

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

// Segment is one caption cue with times floored to integer seconds.
type Segment struct {
	StartSeconds int
	EndSeconds   int
	Text         string
}

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	// KindNoTranscript means captions are absent or disabled.
	KindNoTranscript ErrorKind = "no_transcript"
	// KindUnavailable means the video is private, deleted, or region-restricted.
	KindUnavailable ErrorKind = "unavailable"
	// KindNetwork means DNS or transport failure.
	KindNetwork ErrorKind = "network"
	// KindRateLimited means upstream throttling persisted through all retries.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnknown covers everything else.
	KindUnknown ErrorKind = "unknown"
)

// Error is a classified fetch failure.
type Error struct {
	Kind    ErrorKind
	VideoID string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcript fetch for %s failed (%s): %v", e.VideoID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

const (
	maxAttempts    = 3
	initialBackoff = 5 * time.Second
)

type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewFetcher(log *logger.Logger) *Fetcher {
	return &Fetcher{
		baseURL: "https://www.youtube.com/api/timedtext",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithComponent("transcript"),
	}
}

// SetBaseURL overrides the timed-text endpoint, for tests.
func (f *Fetcher) SetBaseURL(baseURL string) {
	f.baseURL = baseURL
}

// Fetch retrieves the caption track for a video. Rate-limit responses are
// retried with exponential backoff (5s, 10s, 20s); all other failures are
// classified and returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, videoID string) ([]Segment, error) {
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		segments, err := f.fetchOnce(ctx, videoID)
		if err == nil {
			return segments, nil
		}

		var te *Error
		if !errors.As(err, &te) || te.Kind != KindRateLimited || attempt >= maxAttempts {
			return nil, err
		}

		f.logger.Warn("transcript fetch rate limited, backing off",
			slog.String("video_id", videoID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, &Error{Kind: KindNetwork, VideoID: videoID, Err: ctx.Err()}
		}
		backoff *= 2
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, videoID string) ([]Segment, error) {
	params := url.Values{}
	params.Set("v", videoID)
	params.Set("lang", "en")
	params.Set("fmt", "json3")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, VideoID: videoID, Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, VideoID: videoID, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, VideoID: videoID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return nil, &Error{Kind: KindUnavailable, VideoID: videoID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNoTranscript, VideoID: videoID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &Error{Kind: KindUnknown, VideoID: videoID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, VideoID: videoID, Err: err}
	}

	// An empty body means the video exists but has no caption track.
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, &Error{Kind: KindNoTranscript, VideoID: videoID, Err: errors.New("captions absent or disabled")}
	}

	segments, err := parseTimedText(body)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, VideoID: videoID, Err: err}
	}
	if len(segments) == 0 {
		return nil, &Error{Kind: KindNoTranscript, VideoID: videoID, Err: errors.New("caption track is empty")}
	}
	return segments, nil
}

// timedTextJSON is the json3 timed-text shape: events with millisecond
// offsets and segmented text runs.
type timedTextJSON struct {
	Events []struct {
		StartMs    int64 `json:"tStartMs"`
		DurationMs int64 `json:"dDurationMs"`
		Segs       []struct {
			Text string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// timedTextXML is the legacy XML shape, kept as a fallback.
type timedTextXML struct {
	Texts []struct {
		Start    float64 `xml:"start,attr"`
		Duration float64 `xml:"dur,attr"`
		Body     string  `xml:",chardata"`
	} `xml:"text"`
}

func parseTimedText(body []byte) ([]Segment, error) {
	var asJSON timedTextJSON
	if err := json.Unmarshal(body, &asJSON); err == nil && len(asJSON.Events) > 0 {
		var segments []Segment
		for _, ev := range asJSON.Events {
			var text strings.Builder
			for _, seg := range ev.Segs {
				text.WriteString(seg.Text)
			}
			cleaned := cleanText(text.String())
			if cleaned == "" {
				continue
			}
			start := int(ev.StartMs / 1000)
			end := int((ev.StartMs + ev.DurationMs) / 1000)
			segments = append(segments, Segment{StartSeconds: start, EndSeconds: end, Text: cleaned})
		}
		return segments, nil
	}

	var asXML timedTextXML
	if err := xml.Unmarshal(body, &asXML); err != nil {
		return nil, fmt.Errorf("unrecognized timed-text payload: %w", err)
	}

	var segments []Segment
	for _, t := range asXML.Texts {
		cleaned := cleanText(t.Body)
		if cleaned == "" {
			continue
		}
		segments = append(segments, Segment{
			StartSeconds: int(t.Start),
			EndSeconds:   int(t.Start + t.Duration),
			Text:         cleaned,
		})
	}
	return segments, nil
}

func cleanText(s string) string {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
