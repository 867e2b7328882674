package materials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSource fetches packs and atlas metadata from the materials API.
type HTTPSource struct {
	baseURL    string
	retryCount int
	client     *http.Client
}

// NewHTTPSource creates a source for the API at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration, retryCount int) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		retryCount: retryCount,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetPack fetches GET /api/materials/block-material-pack/{id}.
func (s *HTTPSource) GetPack(ctx context.Context, packID string) (*Pack, error) {
	var pack Pack
	endpoint := fmt.Sprintf("%s/api/materials/block-material-pack/%s", s.baseURL, url.PathEscape(packID))
	if err := s.getJSON(ctx, endpoint, &pack); err != nil {
		return nil, err
	}
	if pack.ID == "" {
		pack.ID = packID
	}
	return &pack, nil
}

// GetAtlas fetches the atlas metadata of a pack; the image itself is served
// from the same path without the /metadata suffix.
func (s *HTTPSource) GetAtlas(ctx context.Context, packID string, textureSize *int) (*Atlas, error) {
	imageURL := fmt.Sprintf("%s/api/atlas/block-material-packs/%s", s.baseURL, url.PathEscape(packID))
	var textures map[string]AtlasRect
	if err := s.getJSON(ctx, withSize(imageURL+"/metadata", textureSize), &textures); err != nil {
		return nil, err
	}
	return &Atlas{ImageURL: withSize(imageURL, textureSize), Textures: textures}, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, endpoint string, v any) error {
	var lastErr error
	for attempt := 0; attempt <= s.retryCount; attempt++ {
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

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("Warning: failed to close materials response body: %v", closeErr)
		}
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return ErrPackNotFound
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
			continue
		}

		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return fmt.Errorf("request failed after %d attempts: %w", s.retryCount+1, lastErr)
}
