// Package pterodactyl is a minimal read-only client for the panel's
// application API, covering the node allocation listing this service needs.
package pterodactyl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 15 * time.Second
	perPage        = 100
)

// Allocation is a desired port/IP binding defined on a managed node.
type Allocation struct {
	ID       int    `json:"id"`
	IP       string `json:"ip"`
	Alias    string `json:"alias"`
	Port     int    `json:"port"`
	Notes    string `json:"notes"`
	Assigned bool   `json:"assigned"`
}

// Client talks to the Pterodactyl application API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Client for the given panel base URL and application API key.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// allocationPage mirrors one page of the panel's list envelope.
type allocationPage struct {
	Object string `json:"object"`
	Data   []struct {
		Object     string     `json:"object"`
		Attributes Allocation `json:"attributes"`
	} `json:"data"`
	Meta struct {
		Pagination struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

// ListAllocations returns every allocation of the given node, transparently
// following pagination.
func (c *Client) ListAllocations(ctx context.Context, nodeID int) ([]Allocation, error) {
	var allocations []Allocation

	page := 1
	for {
		pageData, err := c.fetchPage(ctx, nodeID, page)
		if err != nil {
			return nil, err
		}

		for _, entry := range pageData.Data {
			allocations = append(allocations, entry.Attributes)
		}

		totalPages := pageData.Meta.Pagination.TotalPages
		if totalPages <= 0 || page >= totalPages {
			break
		}
		page++
	}

	c.logger.Debug("fetched allocations",
		zap.Int("node_id", nodeID),
		zap.Int("count", len(allocations)),
	)
	return allocations, nil
}

// fetchPage retrieves and decodes a single page of the allocation list.
func (c *Client) fetchPage(ctx context.Context, nodeID, page int) (*allocationPage, error) {
	url := fmt.Sprintf("%s/api/application/nodes/%d/allocations?page=%d&per_page=%d",
		c.baseURL, nodeID, page, perPage)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build allocation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("allocation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read allocation response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("allocation request for node %d returned status %d: %s",
			nodeID, resp.StatusCode, truncate(body, 512))
	}

	var pageData allocationPage
	if err := json.Unmarshal(body, &pageData); err != nil {
		return nil, fmt.Errorf("failed to decode allocation page %d: %w", page, err)
	}
	if pageData.Object != "list" {
		return nil, fmt.Errorf("unexpected allocation payload shape on page %d: object is %q, want \"list\"",
			page, pageData.Object)
	}

	return &pageData, nil
}

// truncate returns body as a string capped at max bytes.
func truncate(body []byte, max int) string {
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
