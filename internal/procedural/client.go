// Package procedural is a voxelmap.WorldStore backed by the world generation
// service over HTTP.
package procedural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pilecraft/server/internal/config"
	"github.com/pilecraft/server/internal/voxelmap"
)

// ErrWorldNotFound is returned when the service does not know a world.
var ErrWorldNotFound = errors.New("world not found")

// errNotFound marks a 404 inside the request loop.
var errNotFound = errors.New("not found")

// Client fetches world metadata and chunks from the generation service.
type Client struct {
	baseURL    string
	timeout    time.Duration
	retryCount int
	client     *http.Client
}

// NewClient creates a client from the world source configuration.
func NewClient(cfg *config.WorldSourceConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		retryCount: cfg.RetryCount,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// chunkResponse is the wire form of a chunk. An empty pile list means the
// chunk holds no blocks.
type chunkResponse struct {
	Coord voxelmap.BlockCoord `json:"coord"`
	Piles []pileResponse      `json:"piles"`
}

type pileResponse struct {
	Coord  voxelmap.BlockCoord `json:"coord"`
	Layers []voxelmap.Layer    `json:"layers"`
}

// HealthCheck checks if the generation service is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close procedural health response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "ok" {
		return fmt.Errorf("service reported unhealthy status: %s", health.Status)
	}

	return nil
}

// GetWorldMetadata fetches GET /api/v1/worlds/{id}.
func (c *Client) GetWorldMetadata(ctx context.Context, worldID string) (voxelmap.WorldMetadata, error) {
	var meta voxelmap.WorldMetadata
	endpoint := fmt.Sprintf("%s/api/v1/worlds/%s", c.baseURL, url.PathEscape(worldID))
	if err := c.getJSON(ctx, endpoint, &meta); err != nil {
		if errors.Is(err, errNotFound) {
			return voxelmap.WorldMetadata{}, fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
		}
		return voxelmap.WorldMetadata{}, err
	}
	if meta.Depth < 0 || meta.Height <= 0 {
		return voxelmap.WorldMetadata{}, fmt.Errorf("invalid metadata for world %s: depth %d, height %d", worldID, meta.Depth, meta.Height)
	}
	return meta, nil
}

// GetChunk fetches GET /api/v1/worlds/{id}/chunks/{x}/{z}. A chunk the
// service has no data for is returned empty.
func (c *Client) GetChunk(ctx context.Context, worldID string, chunkCoord voxelmap.BlockCoord) (*voxelmap.Chunk, error) {
	origin := voxelmap.ChunkOrigin(chunkCoord)
	endpoint := fmt.Sprintf("%s/api/v1/worlds/%s/chunks/%d/%d", c.baseURL, url.PathEscape(worldID), origin.X, origin.Z)

	var response chunkResponse
	if err := c.getJSON(ctx, endpoint, &response); err != nil {
		if errors.Is(err, errNotFound) {
			return voxelmap.EmptyChunk(origin), nil
		}
		return nil, err
	}
	if len(response.Piles) == 0 {
		return voxelmap.EmptyChunk(origin), nil
	}

	piles := make([]voxelmap.Pile, len(response.Piles))
	for i, p := range response.Piles {
		pile, err := voxelmap.NewPile(p.Coord, p.Layers)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk %s: %w", origin, err)
		}
		piles[i] = pile
	}
	chunk, err := voxelmap.NewChunk(origin, piles)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk: %w", err)
	}
	return chunk, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms, 400ms
			backoff := time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close procedural response body: %v", closeErr)
		}
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errNotFound
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// 4xx is not retried.
			return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
		case resp.StatusCode != http.StatusOK:
			lastErr = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
			continue
		}

		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", c.retryCount+1, lastErr)
}
