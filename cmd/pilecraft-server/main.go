package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/pilecraft/server/internal/api"
	"github.com/pilecraft/server/internal/auth"
	"github.com/pilecraft/server/internal/config"
	"github.com/pilecraft/server/internal/database"
	"github.com/pilecraft/server/internal/localstore"
	"github.com/pilecraft/server/internal/materials"
	"github.com/pilecraft/server/internal/performance"
	"github.com/pilecraft/server/internal/procedural"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/viewer"
	"github.com/pilecraft/server/internal/voxelmap"
	"github.com/pilecraft/server/internal/worker"
	"github.com/pilecraft/server/internal/workerrpc"
	"github.com/pilecraft/server/internal/worldgen"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envFlag := &cli.PathFlag{
		Name:  "env-file",
		Usage: "path to the .env file",
	}
	app := &cli.App{
		Name:        "pilecraft-server",
		Description: "streams voxel pile meshes to viewers over WebSocket",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the streaming server",
				Action: commandServe,
				Flags:  []cli.Flag{envFlag},
			},
			{
				Name:   "seed",
				Usage:  "write generated terrain into the configured bolt or postgres world store",
				Action: commandSeed,
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "world", Usage: "world id", Required: true},
					&cli.IntFlag{Name: "radius", Usage: "radius in chunks around the origin", Value: 8},
					&cli.IntFlag{Name: "base", Usage: "surface height", Value: 8},
					&cli.Float64Flag{Name: "amplitude", Usage: "hill height", Value: 4},
					&cli.Float64Flag{Name: "wavelength", Usage: "hill spacing in blocks", Value: 48},
					&cli.IntFlag{Name: "thickness", Usage: "layers per pile", Value: 3},
					&cli.StringFlag{Name: "pack", Usage: "material pack id", Value: "core"},
					&cli.StringFlag{Name: "top", Usage: "surface material id", Value: "grass"},
					&cli.StringFlag{Name: "fill", Usage: "material id below the surface", Value: "dirt"},
				},
			},
			{
				Name:   "token",
				Usage:  "issue a session token",
				Action: commandToken,
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "viewer", Usage: "viewer id", Required: true},
					&cli.StringSliceFlag{Name: "world", Usage: "restrict the token to a world (repeatable)"},
				},
			},
			{
				Name:   "probe",
				Usage:  "connect to a server as a viewer and report what it streams",
				Action: commandProbe,
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "url", Usage: "WebSocket URL", Value: "ws://127.0.0.1:8080/ws"},
					&cli.StringFlag{Name: "world", Usage: "world id", Required: true},
					&cli.StringFlag{Name: "token", Usage: "session token"},
					&cli.Float64Flag{Name: "x", Usage: "viewer x"},
					&cli.Float64Flag{Name: "y", Usage: "viewer y", Value: 10},
					&cli.Float64Flag{Name: "z", Usage: "viewer z"},
					&cli.IntFlag{Name: "texture-size", Usage: "requested atlas size"},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	cfg, err := config.LoadFile(ctx.Path("env-file"))
	if err != nil {
		return nil, err
	}
	if cfg.Logging.OutputPath != "" {
		f, err := os.OpenFile(cfg.Logging.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return cfg, nil
}

// openWorldStore returns the configured store and a function releasing it.
func openWorldStore(ctx context.Context, cfg *config.Config) (voxelmap.WorldStore, func(), error) {
	switch cfg.WorldSource.Kind {
	case config.WorldSourcePostgres:
		db, err := database.Open(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := database.NewWorldStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case config.WorldSourceBolt:
		store, err := localstore.Open(cfg.WorldSource.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		client := procedural.NewClient(&cfg.WorldSource)
		if err := client.HealthCheck(ctx); err != nil {
			// The service may come up after us; chunk requests retry on their own.
			log.Printf("Warning: world generation service not healthy: %v", err)
		}
		return client, func() {}, nil
	}
}

func newMaterialSource(cfg *config.MaterialsConfig) materials.Source {
	if cfg.Kind == config.MaterialSourceHTTP {
		return materials.NewHTTPSource(cfg.BaseURL, cfg.Timeout, cfg.RetryCount)
	}
	return materials.NewFileSource(cfg.Dir)
}

func commandServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, release, err := openWorldStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open world store: %w", err)
	}
	defer release()

	packs, err := materials.NewManager(newMaterialSource(&cfg.Materials), cfg.Materials.CacheSize)
	if err != nil {
		return fmt.Errorf("material manager: %w", err)
	}

	var profiler *performance.Profiler
	if cfg.Profiling.Enabled {
		profiler = performance.NewProfiler(true)
	}

	worlds := worker.NewWorlds(store, cfg.WorldSource.ChunkCacheSize)
	evictMargin := cfg.Streaming.EvictMargin
	stream := api.NewStreamHandlers(worker.NewBuilderFactory(worlds, packs, cfg.Logging.Debug()), api.StreamOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BatchSize:      cfg.Streaming.BatchSize,
		EvictMargin:    &evictMargin,
		Debug:          cfg.Logging.Debug(),
		Profiler:       profiler,
	})

	jwtService := auth.NewJWTService(&cfg.Auth)
	if jwtService == nil {
		log.Printf("Warning: JWT_SECRET not set, the streaming endpoint is open")
	}

	server := &http.Server{
		Addr: net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: api.NewRouter(stream, api.RouterOptions{
			JWT:            jwtService,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimit:      cfg.RateLimit.Requests,
			RatePeriod:     cfg.RateLimit.Period,
			Profiler:       profiler,
			HSTS:           cfg.Server.IsProduction(),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Pilecraft server starting on %s (world source %s, environment %s)",
			server.Addr, cfg.WorldSource.Kind, cfg.Server.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := stream.Shutdown(shutdownCtx); err != nil {
		log.Printf("Session shutdown: %v", err)
	}
	if profiler != nil {
		profiler.LogReport()
	}
	return nil
}

// worldWriter is implemented by the stores seed can write into.
type worldWriter interface {
	PutWorld(ctx context.Context, worldID string, meta voxelmap.WorldMetadata) error
	storeChunk(ctx context.Context, worldID string, chunk *voxelmap.Chunk) error
}

type boltWriter struct{ *localstore.Store }

func (w boltWriter) storeChunk(ctx context.Context, worldID string, chunk *voxelmap.Chunk) error {
	return w.StoreChunk(ctx, worldID, chunk)
}

type postgresWriter struct{ *database.WorldStore }

func (w postgresWriter) storeChunk(ctx context.Context, worldID string, chunk *voxelmap.Chunk) error {
	_, err := w.StoreChunk(ctx, worldID, chunk)
	return err
}

func commandSeed(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	terrain := worldgen.Terrain{
		Base:       c.Int("base"),
		Amplitude:  c.Float64("amplitude"),
		Wavelength: c.Float64("wavelength"),
		Thickness:  c.Int("thickness"),
		Top:        voxelmap.MaterialRef{PackID: c.String("pack"), MaterialID: c.String("top")},
		Fill:       voxelmap.MaterialRef{PackID: c.String("pack"), MaterialID: c.String("fill")},
	}
	if err := terrain.Validate(); err != nil {
		return err
	}

	ctx := c.Context
	store, release, err := openWorldStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open world store: %w", err)
	}
	defer release()

	var writer worldWriter
	switch s := store.(type) {
	case *localstore.Store:
		writer = boltWriter{s}
	case *database.WorldStore:
		writer = postgresWriter{s}
	default:
		return fmt.Errorf("world source %q is read-only, use bolt or postgres", cfg.WorldSource.Kind)
	}

	worldID := c.String("world")
	if err := writer.PutWorld(ctx, worldID, terrain.Metadata()); err != nil {
		return err
	}
	origins := voxelmap.ChunksInRadius(voxelmap.BlockCoord{}, c.Int("radius"))
	for _, origin := range origins {
		chunk, err := terrain.Chunk(origin)
		if err != nil {
			return err
		}
		if err := writer.storeChunk(ctx, worldID, chunk); err != nil {
			return fmt.Errorf("store chunk %s: %w", origin, err)
		}
	}
	log.Printf("Seeded world %s with %d chunks", worldID, len(origins))
	return nil
}

func commandToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	jwtService := auth.NewJWTService(&cfg.Auth)
	if jwtService == nil {
		return errors.New("JWT_SECRET is not set")
	}
	token, err := jwtService.GenerateToken(c.String("viewer"), c.StringSlice("world")...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// logSink prints every chunk the probe receives.
type logSink struct {
	mu       sync.Mutex
	vertices int
}

func (s *logSink) UpdateChunk(entry streaming.GeometryEntry) {
	n := 0
	if entry.Geometry != nil {
		for _, sub := range entry.Geometry.SubGeometries {
			n += sub.VertexCount()
		}
	}
	s.mu.Lock()
	s.vertices += n
	s.mu.Unlock()
	log.Printf("chunk %s: %d vertices", entry.Coord, n)
}

func (s *logSink) RemoveChunk(coord voxelmap.BlockCoord) {
	log.Printf("chunk %s removed", coord)
}

func commandProbe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	header := http.Header{}
	if token := c.String("token"); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{Subprotocols: []string{api.ProtocolVersion1}, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(c.Context, c.String("url"), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.String("url"), err)
	}
	thread := workerrpc.NewThread(workerrpc.NewWSChannel(conn), workerrpc.Options{Name: "probe", CallTimeout: cfg.RPC.CallTimeout})
	defer thread.Close()
	thread.OnError(func(err error) { log.Printf("probe: %v", err) })

	sink := &logSink{}
	opts := viewer.Options{
		WorldID:           c.String("world"),
		VisibleDistance:   cfg.Streaming.VisibleDistance,
		BuildMoreDistance: cfg.Streaming.BuildDistance - cfg.Streaming.VisibleDistance,
		Sink:              sink,
	}
	if c.IsSet("texture-size") {
		size := c.Int("texture-size")
		opts.TextureSize = &size
	}
	client, err := viewer.New(thread, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(c.Context); err != nil {
		return err
	}
	started := time.Now()
	shown, err := client.Goto(c.Context, worker.Position{X: c.Float64("x"), Y: c.Float64("y"), Z: c.Float64("z")})
	if err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	sink.mu.Lock()
	vertices := sink.vertices
	sink.mu.Unlock()
	log.Printf("%s: %d chunks, %d vertices in %v", opts.WorldID, shown, vertices, time.Since(started).Round(time.Millisecond))
	return nil
}
