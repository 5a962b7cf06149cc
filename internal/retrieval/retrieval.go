// Package retrieval fetches ranked context chunks for a user query from
// an external retrieval service.
package retrieval

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/nugget/conduit/internal/httpkit"
)

// Chunk is one piece of retrieved context.
type Chunk struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// Retriever returns up to topK chunks relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error)
}

// Nop is a Retriever that never returns context.
type Nop struct{}

// Retrieve returns no chunks.
func (Nop) Retrieve(context.Context, string, int) ([]Chunk, error) {
	return nil, nil
}

// Config for the HTTP retriever.
type Config struct {
	URL      string        // Endpoint accepting POST {"query", "top_k"}
	MinScore float64       // Chunks scoring below this are dropped
	Timeout  time.Duration // Per-request bound (default 10s)
}

// Client queries a retrieval service over HTTP.
type Client struct {
	url      string
	minScore float64
	client   *http.Client
}

// New creates an HTTP retriever.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		url:      cfg.URL,
		minScore: cfg.MinScore,
		client: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
		),
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []Chunk `json:"chunks"`
}

// Retrieve posts the query and returns the service's chunks ordered by
// descending score, filtered by MinScore and capped at topK.
func (c *Client) Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("retrieval returned status %d: %s", resp.StatusCode, errBody)
	}

	var rr retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	chunks := slices.DeleteFunc(rr.Chunks, func(ch Chunk) bool {
		return ch.Text == "" || ch.Score < c.minScore
	})
	slices.SortStableFunc(chunks, func(a, b Chunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks, nil
}
