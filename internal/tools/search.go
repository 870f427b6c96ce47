// Package tools executes tool calls intercepted from the model stream.
// The only declared tool today is web search.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/choruslabs/chorus/internal/config"
	"github.com/choruslabs/chorus/internal/log"
)

// Searcher answers a natural-language query with a text result suitable
// for feeding back to the model as a function response.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20 // 1MB of search results is plenty
	maxResults      = 5
)

// HTTPSearcher queries a SearXNG-compatible JSON endpoint and flattens
// the top results into a single text block with source URLs.
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
	logger   log.Logger
}

func NewHTTPSearcher(cfg config.Search, logger log.Logger) *HTTPSearcher {
	if logger == nil {
		logger = log.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSearcher{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs the query and returns a result block of the form
// "title: snippet (url)" per line. Errors are returned to the caller,
// which substitutes the user-facing fallback text.
func (s *HTTPSearcher) Search(ctx context.Context, query string) (string, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return "No results found.", nil
	}

	var b strings.Builder
	for i, r := range parsed.Results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&b, "%s: %s (%s)\n", r.Title, r.Content, r.URL)
	}
	s.logger.Debug("web search completed", "query", query, "results", len(parsed.Results))
	return b.String(), nil
}
