package procedural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilecraft/server/internal/config"
	"github.com/pilecraft/server/internal/testutil"
	"github.com/pilecraft/server/internal/voxelmap"
)

func newTestClient(baseURL string, retries int) *Client {
	return NewClient(&config.WorldSourceConfig{
		BaseURL:    baseURL,
		Timeout:    5 * time.Second,
		RetryCount: retries,
	})
}

func TestNewClient(t *testing.T) {
	client := NewClient(&config.WorldSourceConfig{
		BaseURL:    "http://localhost:8081/",
		Timeout:    30 * time.Second,
		RetryCount: 3,
	})

	if client.baseURL != "http://localhost:8081" {
		t.Errorf("Expected baseURL http://localhost:8081, got %s", client.baseURL)
	}
	if client.timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", client.timeout)
	}
	if client.retryCount != 3 {
		t.Errorf("Expected retryCount 3, got %d", client.retryCount)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    HealthResponse
		wantErr bool
	}{
		{"healthy", http.StatusOK, HealthResponse{Status: "ok", Service: "worldgen"}, false},
		{"unhealthy", http.StatusOK, HealthResponse{Status: "error", Service: "worldgen"}, true},
		{"server error", http.StatusInternalServerError, HealthResponse{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("Expected path /health, got %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			err := newTestClient(server.URL, 0).HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_GetWorldMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/worlds/alpha":
			_ = json.NewEncoder(w).Encode(voxelmap.WorldMetadata{Depth: 64, Height: 192})
		case "/api/v1/worlds/broken":
			_ = json.NewEncoder(w).Encode(voxelmap.WorldMetadata{Depth: 10, Height: 0})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	client := newTestClient(server.URL, 0)
	ctx := context.Background()

	meta, err := client.GetWorldMetadata(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetWorldMetadata: %v", err)
	}
	if meta.Depth != 64 || meta.Height != 192 {
		t.Errorf("unexpected metadata %+v", meta)
	}

	if _, err := client.GetWorldMetadata(ctx, "missing"); !errors.Is(err, ErrWorldNotFound) {
		t.Errorf("expected ErrWorldNotFound, got %v", err)
	}
	if _, err := client.GetWorldMetadata(ctx, "broken"); err == nil {
		t.Error("expected error for zero height")
	}
}

func TestClient_GetChunk(t *testing.T) {
	flat := testutil.FlatChunk(4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/worlds/alpha/chunks/-16/32":
			_ = json.NewEncoder(w).Encode(flat(voxelmap.FlatCoord(-16, 32)))
		case "/api/v1/worlds/alpha/chunks/0/0":
			_, _ = w.Write([]byte(`{"coord":{"x":0,"y":0,"z":0},"piles":[]}`))
		case "/api/v1/worlds/alpha/chunks/16/0":
			// Piles out of order.
			chunk := flat(voxelmap.FlatCoord(16, 0))
			chunk.Piles[0], chunk.Piles[1] = chunk.Piles[1], chunk.Piles[0]
			_ = json.NewEncoder(w).Encode(chunk)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	client := newTestClient(server.URL, 0)
	ctx := context.Background()

	// Any block inside the chunk addresses it.
	chunk, err := client.GetChunk(ctx, "alpha", voxelmap.BlockCoord{X: -3, Y: 7, Z: 40})
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if chunk.Coord != voxelmap.FlatCoord(-16, 32) {
		t.Errorf("chunk coord = %s", chunk.Coord)
	}
	if top := chunk.Pile(3, 5).TopY(0); top != 4 {
		t.Errorf("pile top = %d, want 4", top)
	}

	for _, coord := range []voxelmap.BlockCoord{voxelmap.FlatCoord(0, 0), voxelmap.FlatCoord(160, 160)} {
		empty, err := client.GetChunk(ctx, "alpha", coord)
		if err != nil {
			t.Fatalf("GetChunk %s: %v", coord, err)
		}
		if len(empty.Piles) != voxelmap.ChunkSize*voxelmap.ChunkSize || !empty.Piles[0].IsEmpty() {
			t.Errorf("chunk %s should be empty", coord)
		}
	}

	if _, err := client.GetChunk(ctx, "alpha", voxelmap.FlatCoord(16, 0)); err == nil {
		t.Error("expected error for misplaced piles")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(voxelmap.WorldMetadata{Depth: 1, Height: 1})
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL, 2).GetWorldMetadata(context.Background(), "alpha"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := newTestClient(server.URL, 1).GetWorldMetadata(context.Background(), "alpha"); err == nil {
		t.Error("expected failure when retries run out")
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad world id", http.StatusBadRequest)
	}))
	defer server.Close()

	if _, err := newTestClient(server.URL, 3).GetWorldMetadata(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestClient_WorksWithWorld(t *testing.T) {
	flat := testutil.FlatChunk(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/worlds/alpha" {
			_ = json.NewEncoder(w).Encode(voxelmap.WorldMetadata{Depth: 8, Height: 8})
			return
		}
		var x, z int
		if _, err := fmt.Sscanf(r.URL.Path, "/api/v1/worlds/alpha/chunks/%d/%d", &x, &z); err != nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(flat(voxelmap.FlatCoord(x, z)))
	}))
	defer server.Close()

	world, err := voxelmap.NewWorld(newTestClient(server.URL, 0), "alpha", 16)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	meta, err := world.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Depth != 8 {
		t.Errorf("depth = %d", meta.Depth)
	}
	chunk, err := world.GetChunk(context.Background(), voxelmap.FlatCoord(20, 20))
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if chunk.Coord != voxelmap.FlatCoord(16, 16) {
		t.Errorf("chunk coord = %s", chunk.Coord)
	}
}
