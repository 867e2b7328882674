// Package worker is the compute side of a streaming session: it owns a
// streaming.Controller, serialises every message through one task queue and
// answers the viewer over a workerrpc channel.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pilecraft/server/internal/compression"
	"github.com/pilecraft/server/internal/mesher"
	"github.com/pilecraft/server/internal/performance"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/taskqueue"
	"github.com/pilecraft/server/internal/voxelmap"
	"github.com/pilecraft/server/internal/workerrpc"
)

// DefaultBatchSize is the number of headers per updatedChunks event.
const DefaultBatchSize = 16

// Options configures a Worker.
type Options struct {
	Name        string
	BatchSize   int
	EvictMargin *int
	Debug       bool
	Profiler    *performance.Profiler
	Now         func() time.Time
	// AllowWorld rejects params for worlds the session may not stream.
	AllowWorld func(worldID string) bool
}

// Worker binds a controller, a task queue and an RPC server.
type Worker struct {
	name       string
	controller *streaming.Controller
	queue      *taskqueue.Queue
	server     *workerrpc.Server
	validate   *validator.Validate
	profiler   *performance.Profiler
	allowWorld func(worldID string) bool
	batchSize  int
	debug      bool

	// generation identifies the latest trigger. Only touched from queue tasks.
	generation uint64
}

// New creates a worker serving ch. Builders for each parameter set come from
// factory.
func New(ch workerrpc.Channel, factory streaming.BuilderFactory, opts Options) *Worker {
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	w := &Worker{
		name:       opts.Name,
		queue:      taskqueue.New(opts.Name),
		validate:   newValidator(),
		profiler:   opts.Profiler,
		allowWorld: opts.AllowWorld,
		batchSize:  opts.BatchSize,
		debug:      opts.Debug,
	}
	w.controller = streaming.NewController(w.profiledFactory(factory), streaming.Options{
		EvictMargin: opts.EvictMargin,
		Debug:       opts.Debug,
		Now:         opts.Now,
	})
	w.server = workerrpc.NewServer(ch, workerrpc.ServerOptions{Name: opts.Name, Executor: w.queue})
	w.server.HandleEvent(w.handleEvent)
	w.server.Handle(MethodGoto, w.handleGoto)
	w.server.Handle(MethodGetGeometries, w.handleGetGeometries)
	w.server.Handle(MethodGetCompressedGeometries, w.handleGetCompressedGeometries)
	w.server.Handle(MethodGetStats, w.handleGetStats)
	return w
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// Serve processes messages until the channel closes or ctx ends, then stops
// the task queue.
func (w *Worker) Serve(ctx context.Context) error {
	log.Printf("[Worker] %s: serving", w.name)
	err := w.server.Serve(ctx)
	w.queue.Close()
	log.Printf("[Worker] %s: stopped", w.name)
	return err
}

// Close stops a worker that never served. Serve closes the queue itself.
func (w *Worker) Close() {
	w.queue.Close()
}

// Stats returns a snapshot of the controller's cache.
func (w *Worker) Stats() streaming.Stats {
	return w.controller.Stats()
}

func (w *Worker) handleEvent(ctx context.Context, payload json.RawMessage) {
	msg, err := w.DecodeInput(payload)
	if err != nil {
		log.Printf("[Worker] %s: dropping event: %v", w.name, err)
		return
	}

	switch m := msg.(type) {
	case *ParamsMessage:
		if w.allowWorld != nil && !w.allowWorld(m.WorldID) {
			log.Printf("[Worker] %s: rejecting params: world %q not allowed", w.name, m.WorldID)
			return
		}
		triggered, err := w.controller.SetParameters(m.Params())
		if err != nil {
			log.Printf("[Worker] %s: rejecting params: %v", w.name, err)
			return
		}
		if triggered {
			w.startBackground()
		}
	case *PositionMessage:
		if w.controller.UpdatePosition(m.Coord.Block()) {
			w.startBackground()
		}
	}
}

// startBackground supersedes any running background computation and queues
// the first step of a new one.
func (w *Worker) startBackground() {
	w.generation++
	gen := w.generation
	if w.debug {
		log.Printf("[Worker] %s: background run %d started", w.name, gen)
	}
	w.pushStep(gen, nil, w.profiler.Start(performance.OpBackgroundRun))
}

func (w *Worker) pushStep(gen uint64, pending []streaming.ChunkHeader, op *performance.Operation) {
	if err := w.queue.Push(w.backgroundStep(gen, pending, op)); err != nil {
		log.Printf("[Worker] %s: background run %d dropped: %v", w.name, gen, err)
	}
}

// backgroundStep computes one cell and requeues itself, so messages that
// arrive meanwhile run between two cells.
func (w *Worker) backgroundStep(gen uint64, pending []streaming.ChunkHeader, op *performance.Operation) taskqueue.Task {
	return func(ctx context.Context) {
		if gen != w.generation {
			w.flush(ctx, pending)
			op.End()
			if w.debug {
				log.Printf("[Worker] %s: background run %d superseded", w.name, gen)
			}
			return
		}

		header, ok := w.controller.ComputeNext(ctx)
		if header != nil {
			pending = append(pending, *header)
			if len(pending) >= w.batchSize {
				w.flush(ctx, pending)
				pending = nil
			}
		}
		if !ok || ctx.Err() != nil {
			w.flush(ctx, pending)
			op.End()
			if w.debug {
				log.Printf("[Worker] %s: background run %d finished", w.name, gen)
			}
			return
		}
		w.pushStep(gen, pending, op)
	}
}

func (w *Worker) flush(ctx context.Context, headers []streaming.ChunkHeader) {
	for _, batch := range streaming.Batch(headers, w.batchSize) {
		if err := w.server.Emit(ctx, NewUpdatedChunks(batch)); err != nil {
			log.Printf("[Worker] %s: failed to emit %d updated chunks: %v", w.name, len(batch), err)
			return
		}
	}
}

func (w *Worker) handleGoto(ctx context.Context, arg json.RawMessage) (any, error) {
	op := w.profiler.Start(performance.OpGoto)
	var req GotoRequest
	if err := w.decode(arg, &req); err != nil {
		op.Fail()
		return nil, err
	}
	if _, ok := w.controller.Params(); !ok {
		op.Fail()
		return nil, streaming.ErrNoParameters
	}

	headers := []streaming.ChunkHeader{}
	if !w.controller.UpdatePosition(req.Coord.Block()) {
		op.End()
		return headers, nil
	}

	within := -1.0
	if req.VisibleDistance != nil {
		within = *req.VisibleDistance
	}
	headers = append(headers, w.controller.ComputeMissing(ctx, within, 0)...)
	if w.controller.HasPending() {
		w.startBackground()
	} else {
		// Supersede a run left over from an earlier trigger.
		w.generation++
	}
	op.End()
	return headers, nil
}

func (w *Worker) handleGetGeometries(ctx context.Context, arg json.RawMessage) (any, error) {
	op := w.profiler.Start(performance.OpGetGeometries)
	coords, err := w.decodeCoords(arg)
	if err != nil {
		op.Fail()
		return nil, err
	}
	entries := w.controller.Geometries(coords)
	op.End()
	return entries, nil
}

func (w *Worker) handleGetCompressedGeometries(ctx context.Context, arg json.RawMessage) (any, error) {
	op := w.profiler.Start(performance.OpCompressGeometries)
	var req CompressedGeometriesRequest
	if err := w.decode(arg, &req); err != nil {
		op.Fail()
		return nil, err
	}

	entries := w.controller.Geometries(req.Coords)
	result := make([]CompressedEntry, 0, len(entries))
	for _, entry := range entries {
		packs, err := compression.CompressChunkGeometry(entry.Geometry, req.Format)
		if err != nil {
			op.Fail()
			return nil, fmt.Errorf("compress chunk %s: %w", entry.Coord, err)
		}
		result = append(result, CompressedEntry{Coord: entry.Coord, UpdatedOn: entry.UpdatedOn, Packs: packs})
	}
	op.End()
	return result, nil
}

func (w *Worker) handleGetStats(ctx context.Context, arg json.RawMessage) (any, error) {
	defer w.profiler.Track(performance.OpGetStats)()
	return w.controller.Stats(), nil
}

func (w *Worker) decodeCoords(arg json.RawMessage) ([]voxelmap.BlockCoord, error) {
	var coords []voxelmap.BlockCoord
	if len(arg) == 0 {
		return nil, &ValidationError{Message: "coordinates are required"}
	}
	if err := json.Unmarshal(arg, &coords); err != nil {
		return nil, &ValidationError{Message: "malformed coordinates", Err: err}
	}
	if err := w.validate.Var(coords, fmt.Sprintf("max=%d", maxCoordsPerCall)); err != nil {
		return nil, newValidationError(err)
	}
	return coords, nil
}

// profiledFactory times every chunk build.
func (w *Worker) profiledFactory(factory streaming.BuilderFactory) streaming.BuilderFactory {
	return func(p streaming.Params) (streaming.CellBuilder, error) {
		builder, err := factory(p)
		if err != nil {
			return nil, err
		}
		return &profiledBuilder{inner: builder, profiler: w.profiler}, nil
	}
}

type profiledBuilder struct {
	inner    streaming.CellBuilder
	profiler *performance.Profiler
}

func (b *profiledBuilder) Build(ctx context.Context, coord voxelmap.BlockCoord) (*mesher.ChunkGeometry, error) {
	op := b.profiler.Start(performance.OpChunkBuild)
	geometry, err := b.inner.Build(ctx, coord)
	if err != nil {
		op.Fail()
		return nil, err
	}
	op.End()
	return geometry, nil
}
