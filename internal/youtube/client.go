// Package youtube is the video metadata provider: it resolves channel
// handles to channel ids and lists a channel's videos newest-first.
package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

type VideoMeta struct {
	ID              string
	Title           string
	Description     string
	DurationSeconds int
	PublishedAt     time.Time
}

type ChannelMeta struct {
	ID    string
	Title string
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

func NewClient(apiKey string, log *logger.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: "https://www.googleapis.com/youtube/v3",
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithComponent("youtube"),
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// ResolveChannel accepts a channel id (UC...) or a handle (@name / name) and
// returns the canonical channel id and title.
func (c *Client) ResolveChannel(ctx context.Context, handleOrID string) (ChannelMeta, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	if strings.HasPrefix(handleOrID, "UC") && len(handleOrID) == 24 {
		params.Set("id", handleOrID)
	} else {
		params.Set("forHandle", strings.TrimPrefix(handleOrID, "@"))
	}

	var parsed struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/channels", params, &parsed); err != nil {
		return ChannelMeta{}, err
	}
	if len(parsed.Items) == 0 {
		return ChannelMeta{}, fmt.Errorf("channel not found: %s", handleOrID)
	}

	return ChannelMeta{ID: parsed.Items[0].ID, Title: parsed.Items[0].Snippet.Title}, nil
}

// ListVideos returns up to limit of the channel's videos in
// reverse-chronological order, optionally restricted to those published
// after the given time.
func (c *Client) ListVideos(ctx context.Context, channelID string, limit int, publishedAfter time.Time) ([]VideoMeta, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("channelId", channelID)
	params.Set("type", "video")
	params.Set("order", "date")
	params.Set("maxResults", strconv.Itoa(limit))
	if !publishedAfter.IsZero() {
		params.Set("publishedAfter", publishedAfter.UTC().Format(time.RFC3339))
	}

	var parsed struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				PublishedAt string `json:"publishedAt"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/search", params, &parsed); err != nil {
		return nil, err
	}

	videos := make([]VideoMeta, 0, len(parsed.Items))
	ids := make([]string, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.ID.VideoID == "" {
			continue
		}
		published, _ := time.Parse(time.RFC3339, item.Snippet.PublishedAt)
		videos = append(videos, VideoMeta{
			ID:          item.ID.VideoID,
			Title:       item.Snippet.Title,
			Description: item.Snippet.Description,
			PublishedAt: published,
		})
		ids = append(ids, item.ID.VideoID)
	}

	if len(ids) > 0 {
		durations, err := c.fetchDurations(ctx, ids)
		if err != nil {
			// Durations are best-effort metadata; the pipeline recomputes
			// them from transcript segments anyway.
			c.logger.Warn("failed to fetch video durations", slog.String("error", err.Error()))
		} else {
			for i := range videos {
				videos[i].DurationSeconds = durations[videos[i].ID]
			}
		}
	}

	return videos, nil
}

func (c *Client) fetchDurations(ctx context.Context, ids []string) (map[string]int, error) {
	params := url.Values{}
	params.Set("part", "contentDetails")
	params.Set("id", strings.Join(ids, ","))

	var parsed struct {
		Items []struct {
			ID             string `json:"id"`
			ContentDetails struct {
				Duration string `json:"duration"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/videos", params, &parsed); err != nil {
		return nil, err
	}

	durations := make(map[string]int, len(parsed.Items))
	for _, item := range parsed.Items {
		durations[item.ID] = parseISODuration(item.ContentDetails.Duration)
	}
	return durations, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create metadata request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata API returned status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode metadata response: %w", err)
	}
	return nil
}

// parseISODuration converts an ISO-8601 duration like PT1H2M3S to seconds.
func parseISODuration(s string) int {
	s = strings.TrimPrefix(s, "PT")
	var total, n int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			n = n*10 + int(r-'0')
		case r == 'H':
			total += n * 3600
			n = 0
		case r == 'M':
			total += n * 60
			n = 0
		case r == 'S':
			total += n
			n = 0
		default:
			n = 0
		}
	}
	return total
}
