package api

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pilecraft/server/internal/auth"
	"github.com/pilecraft/server/internal/performance"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/worker"
	"github.com/pilecraft/server/internal/workerrpc"
)

const (
	// Supported WebSocket protocol versions
	ProtocolVersion1 = "pilecraft-v1"
)

// StreamOptions configures the streaming endpoint.
type StreamOptions struct {
	AllowedOrigins []string
	BatchSize      int
	EvictMargin    *int
	Debug          bool
	Profiler       *performance.Profiler
}

// session is one upgraded connection and the worker serving it.
type session struct {
	id       string
	viewerID string
	version  string
	started  time.Time
	channel  *workerrpc.WSChannel
	worker   *worker.Worker
}

// SessionInfo describes a live session for the health endpoint.
type SessionInfo struct {
	ID       string    `json:"id"`
	ViewerID string    `json:"viewer_id,omitempty"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
	Live     int       `json:"live"`
	Built    int       `json:"built"`
}

// StreamHandlers upgrades viewer connections and runs one worker per
// connection over a workerrpc.WSChannel.
type StreamHandlers struct {
	factory  streaming.BuilderFactory
	opts     StreamOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewStreamHandlers creates the handlers. Builders for every session come
// from factory.
func NewStreamHandlers(factory streaming.BuilderFactory, opts StreamOptions) *StreamHandlers {
	return &StreamHandlers{
		factory: factory,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originAllowed(opts.AllowedOrigins),
		},
		sessions: make(map[string]*session),
	}
}

// HandleWebSocket upgrades the request and serves a streaming session until
// the connection closes.
func (h *StreamHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Negotiate protocol version
	requestedVersions := r.Header.Get("Sec-WebSocket-Protocol")
	selectedVersion := negotiateVersion(requestedVersions)
	if selectedVersion == "" {
		log.Printf("WebSocket version negotiation failed: requested=%s", requestedVersions)
		http.Error(w, "Unsupported protocol version", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	var responseHeaders http.Header
	if requestedVersions != "" {
		responseHeaders = http.Header{}
		responseHeaders.Set("Sec-WebSocket-Protocol", selectedVersion)
	}

	conn, err := h.upgrader.Upgrade(w, r, responseHeaders)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s := &session{
		id:      "session-" + uuid.NewString(),
		version: selectedVersion,
		started: time.Now(),
		channel: workerrpc.NewWSChannel(conn),
	}
	opts := worker.Options{
		Name:        s.id,
		BatchSize:   h.opts.BatchSize,
		EvictMargin: h.opts.EvictMargin,
		Debug:       h.opts.Debug,
		Profiler:    h.opts.Profiler,
	}
	if claims, ok := auth.GetClaims(r); ok {
		s.viewerID = claims.ViewerID
		opts.AllowWorld = claims.AllowsWorld
	}
	s.worker = worker.New(s.channel, h.factory, opts)

	if !h.register(s) {
		s.worker.Close()
		_ = s.channel.Close()
		return
	}
	log.Printf("[Stream] %s: connected viewer=%q version=%s", s.id, s.viewerID, s.version)

	// The request context ends with the handler, so the session gets its own.
	go func() {
		defer h.unregister(s)
		if err := s.worker.Serve(context.Background()); err != nil {
			log.Printf("[Stream] %s: %v", s.id, err)
		}
		_ = s.channel.Close()
	}()
}

func (h *StreamHandlers) register(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	return true
}

func (h *StreamHandlers) unregister(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.wg.Done()
	log.Printf("[Stream] %s: disconnected after %v", s.id, time.Since(s.started).Round(time.Millisecond))
}

// SessionCount returns the number of live sessions.
func (h *StreamHandlers) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sessions lists the live sessions.
func (h *StreamHandlers) Sessions() []SessionInfo {
	h.mu.Lock()
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	infos := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		stats := s.worker.Stats()
		infos = append(infos, SessionInfo{
			ID:       s.id,
			ViewerID: s.viewerID,
			Version:  s.version,
			Started:  s.started,
			Live:     stats.Live,
			Built:    stats.Built,
		})
	}
	return infos
}

// Shutdown refuses new sessions, closes every live connection and waits for
// the workers to stop or ctx to end.
func (h *StreamHandlers) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for _, s := range h.sessions {
		_ = s.channel.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// negotiateVersion selects the highest supported protocol version
func negotiateVersion(requested string) string {
	if requested == "" {
		// Default to v1 if no version specified
		return ProtocolVersion1
	}

	requestedVersions := strings.Split(requested, ",")
	for i := range requestedVersions {
		requestedVersions[i] = strings.TrimSpace(requestedVersions[i])
	}

	// Supported versions in order (highest first)
	supportedVersions := []string{ProtocolVersion1}

	for _, supported := range supportedVersions {
		for _, requested := range requestedVersions {
			if requested == supported {
				return supported
			}
		}
	}

	return ""
}
