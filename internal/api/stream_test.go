package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pilecraft/server/internal/auth"
	"github.com/pilecraft/server/internal/config"
	"github.com/pilecraft/server/internal/materials"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/testutil"
	"github.com/pilecraft/server/internal/viewer"
	"github.com/pilecraft/server/internal/voxelmap"
	"github.com/pilecraft/server/internal/worker"
	"github.com/pilecraft/server/internal/workerrpc"
)

const testWorldID = "flat"

func newTestFactory(t *testing.T) streaming.BuilderFactory {
	t.Helper()
	packs, err := materials.NewManager(testutil.StaticSource{}, 4)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	worlds := worker.NewWorlds(testutil.NewFlatWorldStore(testWorldID), 128)
	return worker.NewBuilderFactory(worlds, packs, false)
}

type countingSink struct {
	mu     sync.Mutex
	chunks map[voxelmap.BlockCoord]bool
}

func (s *countingSink) UpdateChunk(entry streaming.GeometryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[entry.Coord] = true
}

func (s *countingSink) RemoveChunk(coord voxelmap.BlockCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, coord)
}

func (s *countingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *workerrpc.Thread {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{ProtocolVersion1}, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != ProtocolVersion1 {
		t.Errorf("negotiated protocol %q", got)
	}
	thread := workerrpc.NewThread(workerrpc.NewWSChannel(conn), workerrpc.Options{Name: "viewer", CallTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = thread.Close() })
	return thread
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStreamOverWebSocket(t *testing.T) {
	stream := NewStreamHandlers(newTestFactory(t), StreamOptions{BatchSize: 4})
	server := httptest.NewServer(NewRouter(stream, RouterOptions{}))
	defer server.Close()

	thread := dial(t, wsURL(server), nil)
	eventually(t, "session registered", func() bool { return stream.SessionCount() == 1 })

	sink := &countingSink{chunks: make(map[voxelmap.BlockCoord]bool)}
	client, err := viewer.New(thread, viewer.Options{WorldID: testWorldID, VisibleDistance: 1, BuildMoreDistance: 1, Sink: sink})
	if err != nil {
		t.Fatalf("viewer.New: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	shown, err := client.Goto(ctx, worker.Position{X: 8, Y: 10, Z: 8})
	if err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if shown != 5 {
		t.Errorf("Goto showed %d chunks, want 5", shown)
	}

	stats, err := workerrpc.Invoke[streaming.Stats](ctx, thread, worker.MethodGetStats, nil)
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.Live == 0 {
		t.Errorf("no live cells after goto: %+v", stats)
	}

	sessions := stream.Sessions()
	if len(sessions) != 1 || sessions[0].Version != ProtocolVersion1 {
		t.Errorf("unexpected sessions %+v", sessions)
	}

	_ = thread.Close()
	eventually(t, "session closed", func() bool { return stream.SessionCount() == 0 })
}

func TestStreamRejectsUnknownProtocol(t *testing.T) {
	stream := NewStreamHandlers(newTestFactory(t), StreamOptions{})
	server := httptest.NewServer(NewRouter(stream, RouterOptions{}))
	defer server.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"voxel-v0"}}
	_, resp, err := dialer.Dial(wsURL(server), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	stream := NewStreamHandlers(newTestFactory(t), StreamOptions{AllowedOrigins: []string{"http://localhost:5173"}})
	server := httptest.NewServer(NewRouter(stream, RouterOptions{}))
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestStreamTokenRestrictsWorlds(t *testing.T) {
	jwtService := auth.NewJWTService(&config.AuthConfig{
		JWTSecret:     "stream_test_secret_that_is_32_bytes",
		JWTExpiration: time.Minute,
	})
	stream := NewStreamHandlers(newTestFactory(t), StreamOptions{})
	server := httptest.NewServer(NewRouter(stream, RouterOptions{JWT: jwtService}))
	defer server.Close()

	token, err := jwtService.GenerateToken("viewer-9", "some-other-world")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	thread := dial(t, wsURL(server), header)

	eventually(t, "session registered", func() bool { return stream.SessionCount() == 1 })
	if sessions := stream.Sessions(); sessions[0].ViewerID != "viewer-9" {
		t.Errorf("viewer id = %q", sessions[0].ViewerID)
	}

	sink := &countingSink{chunks: make(map[voxelmap.BlockCoord]bool)}
	client, err := viewer.New(thread, viewer.Options{WorldID: testWorldID, VisibleDistance: 1, Sink: sink})
	if err != nil {
		t.Fatalf("viewer.New: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := client.Goto(ctx, worker.Position{X: 8, Y: 10, Z: 8}); err == nil {
		t.Error("expected goto to fail for a world outside the token")
	}
	if sink.len() != 0 {
		t.Errorf("%d chunks reached the viewer", sink.len())
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	stream := NewStreamHandlers(newTestFactory(t), StreamOptions{})
	server := httptest.NewServer(NewRouter(stream, RouterOptions{}))
	defer server.Close()

	thread := dial(t, wsURL(server), nil)
	eventually(t, "session registered", func() bool { return stream.SessionCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stream.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := stream.SessionCount(); n != 0 {
		t.Errorf("%d sessions after shutdown", n)
	}

	select {
	case <-thread.Done():
	case <-time.After(5 * time.Second):
		t.Error("viewer thread not closed after shutdown")
	}

	dialer := websocket.Dialer{Subprotocols: []string{ProtocolVersion1}}
	if _, resp, err := dialer.Dial(wsURL(server), nil); err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %v", err)
	}
}
