// Package embedding vectorizes text through the OpenAI embeddings API in
// rate-limit-aware batches.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tubechat/tubechat-backend/internal/logger"
)

const (
	// Dimensions is the fixed embedding width.
	Dimensions = 1536

	defaultModel   = "text-embedding-3-small"
	defaultBaseURL = "https://api.openai.com/v1"

	// defaultBatchSize and defaultBatchPause keep us inside provider rate limits.
	defaultBatchSize  = 10
	defaultBatchPause = 1000 * time.Millisecond

	// defaultCacheCap bounds the single-input vector cache.
	defaultCacheCap = 1000
)

// Config tunes the client; zero fields fall back to defaults.
type Config struct {
	APIKey     string
	BatchSize  int
	BatchPause time.Duration
	CacheCap   int
}

type Client struct {
	apiKey     string
	baseURL    string
	model      string
	batchSize  int
	batchPause time.Duration
	cacheCap   int
	httpClient *http.Client
	logger     *logger.Logger

	// Single-input vector cache, evicting oldest-inserted on overflow.
	cacheMu    sync.Mutex
	cache      map[string][]float64
	cacheOrder []string
}

func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = defaultBatchPause
	}
	if cfg.CacheCap <= 0 {
		cfg.CacheCap = defaultCacheCap
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		batchSize:  cfg.BatchSize,
		batchPause: cfg.BatchPause,
		cacheCap:   cfg.CacheCap,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.WithComponent("embedding"),
		cache:  make(map[string][]float64),
	}
}

// SetBaseURL overrides the provider endpoint, for tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed vectorizes texts in batches. A failed call yields a nil vector at
// that position and the batch continues; callers treat nil vectors as
// excluded from similarity search. The returned slice always has len(texts).
func (c *Client) Embed(ctx context.Context, texts []string) [][]float64 {
	vectors := make([][]float64, len(texts))

	for start := 0; start < len(texts); start += c.batchSize {
		if start > 0 {
			select {
			case <-time.After(c.batchPause):
			case <-ctx.Done():
				return vectors
			}
		}

		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				vector, err := c.EmbedOne(ctx, texts[i])
				if err != nil {
					c.logger.Error("embedding call failed, keeping chunk without vector",
						slog.Int("index", i),
						slog.String("error", err.Error()))
					return
				}
				vectors[i] = vector
			}(i)
		}
		wg.Wait()
	}

	return vectors
}

// EmbedOne vectorizes a single input, consulting the in-memory cache first.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float64, error) {
	c.cacheMu.Lock()
	if vector, ok := c.cache[text]; ok {
		c.cacheMu.Unlock()
		return vector, nil
	}
	c.cacheMu.Unlock()

	vector, err := c.callAPI(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	if _, ok := c.cache[text]; !ok {
		if len(c.cacheOrder) >= c.cacheCap {
			oldest := c.cacheOrder[0]
			c.cacheOrder = c.cacheOrder[1:]
			delete(c.cache, oldest)
		}
		c.cache[text] = vector
		c.cacheOrder = append(c.cacheOrder, text)
	}
	c.cacheMu.Unlock()

	return vector, nil
}

// CacheSize returns the entry count of the vector cache.
func (c *Client) CacheSize() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	return len(c.cache)
}

func (c *Client) callAPI(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API returned status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding API returned no data")
	}

	vector := parsed.Data[0].Embedding
	if len(vector) != Dimensions {
		return nil, fmt.Errorf("embedding API returned %d dimensions, want %d", len(vector), Dimensions)
	}
	return vector, nil
}
