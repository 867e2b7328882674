// Package streaming keeps the per-chunk geometry cache around a moving viewer.
//
// A Controller decides which chunks are needed for the current position,
// computes the missing ones nearest-first and answers geometry lookups.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pilecraft/server/internal/mesher"
	"github.com/pilecraft/server/internal/voxelmap"
)

// DefaultEvictMargin is how many chunks beyond the build distance a cell that
// left the live set is retained before it is evicted.
const DefaultEvictMargin = 2

// ErrNoParameters is returned when an operation needs parameters first.
var ErrNoParameters = errors.New("streaming parameters not set")

// State is the controller's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRecomputing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRecomputing:
		return "recomputing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Params selects the world and the build radius.
type Params struct {
	WorldID       string `json:"worldId"`
	BuildDistance int    `json:"buildDistance"`
	TextureSize   *int   `json:"textureSize,omitempty"`
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.WorldID == "" {
		return fmt.Errorf("worldId is required")
	}
	if p.BuildDistance < 0 {
		return fmt.Errorf("buildDistance must not be negative")
	}
	if p.TextureSize != nil && *p.TextureSize <= 0 {
		return fmt.Errorf("textureSize must be positive")
	}
	return nil
}

// ChunkHeader announces a computed chunk without its geometry.
type ChunkHeader struct {
	Coord     voxelmap.BlockCoord `json:"coord"`
	UpdatedOn int64               `json:"updatedOn"`
}

// GeometryEntry is a computed chunk with its geometry.
type GeometryEntry struct {
	Coord     voxelmap.BlockCoord   `json:"coord"`
	Geometry  *mesher.ChunkGeometry `json:"geometry"`
	UpdatedOn int64                 `json:"updatedOn"`
}

// CellBuilder computes the geometry of one chunk.
type CellBuilder interface {
	Build(ctx context.Context, coord voxelmap.BlockCoord) (*mesher.ChunkGeometry, error)
}

// BuilderFactory creates the builder for a parameter set.
type BuilderFactory func(p Params) (CellBuilder, error)

// Options tunes a Controller.
type Options struct {
	// EvictMargin defaults to DefaultEvictMargin; negative means evict as
	// soon as a cell leaves the build distance.
	EvictMargin *int
	Debug       bool
	// Now stamps computed cells. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of the cache.
type Stats struct {
	State    string `json:"state"`
	Live     int    `json:"live"`
	Retained int    `json:"retained"`
	Built    int    `json:"built"`
	Pending  int    `json:"pending"`
}

type cell struct {
	geometry  *mesher.ChunkGeometry
	updatedOn int64
	// failed is set when a build failed during the current trigger.
	failed bool
}

// Controller owns the cell cache.
type Controller struct {
	factory     BuilderFactory
	evictMargin int
	debug       bool
	now         func() time.Time

	mu       sync.Mutex
	state    State
	params   *Params
	builder  CellBuilder
	position *voxelmap.BlockCoord
	chunk    *voxelmap.BlockCoord
	live     map[voxelmap.BlockCoord]*cell
	retained map[voxelmap.BlockCoord]*cell
	// epoch changes with every parameter set; builds started under an older
	// epoch are discarded.
	epoch uint64
}

// NewController creates a controller in the uninitialized state.
func NewController(factory BuilderFactory, opts Options) *Controller {
	margin := DefaultEvictMargin
	if opts.EvictMargin != nil {
		margin = *opts.EvictMargin
		if margin < 0 {
			margin = 0
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		factory:     factory,
		evictMargin: margin,
		debug:       opts.Debug,
		now:         now,
		live:        make(map[voxelmap.BlockCoord]*cell),
		retained:    make(map[voxelmap.BlockCoord]*cell),
	}
}

// SetParameters replaces the parameters and drops every cell. When a position
// is already known the candidate set is rebuilt at once and true is returned.
func (c *Controller) SetParameters(p Params) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	builder, err := c.factory(p)
	if err != nil {
		return false, fmt.Errorf("create builder for world %s: %w", p.WorldID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	params := p
	c.params = &params
	c.builder = builder
	c.epoch++
	c.chunk = nil
	c.live = make(map[voxelmap.BlockCoord]*cell)
	c.retained = make(map[voxelmap.BlockCoord]*cell)
	log.Printf("[Stream] Parameters set: world=%s, build_distance=%d", p.WorldID, p.BuildDistance)

	if c.position == nil {
		c.state = StateUninitialized
		return false, nil
	}
	c.state = StateReady
	chunk := voxelmap.ChunkOrigin(*c.position)
	c.chunk = &chunk
	c.updateLiveLocked(chunk)
	return true, nil
}

// UpdatePosition records the viewer's block position. It returns true when
// the viewer entered another chunk and the candidate set was recomputed.
func (c *Controller) UpdatePosition(pos voxelmap.BlockCoord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.position = &pos
	if c.params == nil {
		return false
	}
	chunk := voxelmap.ChunkOrigin(pos)
	if c.chunk != nil && *c.chunk == chunk {
		return false
	}
	c.chunk = &chunk
	if c.state == StateUninitialized {
		c.state = StateReady
	}
	c.updateLiveLocked(chunk)
	return true
}

// updateLiveLocked recomputes the live set around chunk. Cells leaving the
// set are retained until they drift past the eviction distance.
func (c *Controller) updateLiveLocked(chunk voxelmap.BlockCoord) {
	previous := make([]voxelmap.BlockCoord, 0, len(c.live))
	for coord := range c.live {
		previous = append(previous, coord)
	}
	next := voxelmap.ChunksInRadius(chunk, c.params.BuildDistance)
	added, removed := diffChunkSets(previous, next)

	reused := 0
	for _, coord := range added {
		if existing, ok := c.retained[coord]; ok {
			delete(c.retained, coord)
			c.live[coord] = existing
			reused++
			continue
		}
		c.live[coord] = &cell{}
	}
	for _, coord := range removed {
		c.retained[coord] = c.live[coord]
		delete(c.live, coord)
	}

	limit := float64(c.params.BuildDistance + c.evictMargin)
	evicted := 0
	for coord := range c.retained {
		if voxelmap.ChunkDistance(coord, chunk) > limit {
			delete(c.retained, coord)
			evicted++
		}
	}

	// A new trigger retries every failed cell once.
	for _, cl := range c.live {
		cl.failed = false
	}

	if c.debug {
		log.Printf("[Stream] Chunk %s: live=%d (added=%d, reused=%d), removed=%d, retained=%d, evicted=%d",
			chunk, len(c.live), len(added), reused, len(removed), len(c.retained), evicted)
	}
}

// ComputeMissing builds live cells that have no geometry, nearest to the
// viewer first, one at a time. Only cells within the given chunk distance of
// the viewer's chunk are considered (negative means no limit) and at most
// limit cells are attempted (0 means no limit). A failing cell is logged, left empty
// and not attempted again until the next trigger.
func (c *Controller) ComputeMissing(ctx context.Context, within float64, limit int) []ChunkHeader {
	var headers []ChunkHeader
	for attempts := 0; limit <= 0 || attempts < limit; attempts++ {
		if ctx.Err() != nil {
			break
		}
		header, ok := c.computeNext(ctx, within)
		if !ok {
			break
		}
		if header != nil {
			headers = append(headers, *header)
		}
	}
	return headers
}

// ComputeNext builds the single nearest missing cell. ok is false when
// nothing is left to build; header is nil when the build failed.
func (c *Controller) ComputeNext(ctx context.Context) (header *ChunkHeader, ok bool) {
	return c.computeNext(ctx, -1)
}

func (c *Controller) computeNext(ctx context.Context, within float64) (*ChunkHeader, bool) {
	c.mu.Lock()
	coord, found := c.nextMissingLocked(within)
	if !found {
		c.mu.Unlock()
		return nil, false
	}
	builder := c.builder
	epoch := c.epoch
	worldID := c.params.WorldID
	c.state = StateRecomputing
	c.mu.Unlock()

	geometry, err := builder.Build(ctx, coord)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		// Parameters changed while building.
		return nil, true
	}
	c.state = StateReady
	cl := c.live[coord]
	if cl == nil {
		cl = c.retained[coord]
	}
	if cl == nil {
		return nil, true
	}
	if err != nil {
		cl.failed = true
		log.Printf("[Stream] Failed to compute chunk %s of world %s: %v", coord, worldID, err)
		return nil, true
	}
	cl.geometry = geometry
	cl.updatedOn = c.now().UnixMilli()
	if c.debug {
		log.Printf("[Stream] Computed chunk %s: %d quads", coord, geometry.QuadCount())
	}
	return &ChunkHeader{Coord: coord, UpdatedOn: cl.updatedOn}, true
}

// NextMissing returns the nearest live cell still to be built.
func (c *Controller) NextMissing() (voxelmap.BlockCoord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextMissingLocked(-1)
}

// HasPending reports whether any live cell is still to be built.
func (c *Controller) HasPending() bool {
	_, ok := c.NextMissing()
	return ok
}

func (c *Controller) nextMissingLocked(within float64) (voxelmap.BlockCoord, bool) {
	missing := c.missingLocked(within)
	if len(missing) == 0 {
		return voxelmap.BlockCoord{}, false
	}
	return missing[0], true
}

func (c *Controller) missingLocked(within float64) []voxelmap.BlockCoord {
	if c.params == nil || c.position == nil || c.chunk == nil {
		return nil
	}
	var missing []voxelmap.BlockCoord
	for coord, cl := range c.live {
		if cl.geometry != nil || cl.failed {
			continue
		}
		if within >= 0 && voxelmap.ChunkDistance(coord, *c.chunk) > within {
			continue
		}
		missing = append(missing, coord)
	}
	voxelmap.SortByDistance(missing, *c.position)
	return missing
}

// Geometries returns the computed cells among coords, in request order.
// Coordinates are aligned to their chunk first; cells that were never
// computed or were evicted are omitted.
func (c *Controller) Geometries(coords []voxelmap.BlockCoord) []GeometryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]GeometryEntry, 0, len(coords))
	for _, coord := range coords {
		origin := voxelmap.ChunkOrigin(coord)
		cl := c.live[origin]
		if cl == nil {
			cl = c.retained[origin]
		}
		if cl == nil || cl.geometry == nil {
			continue
		}
		entries = append(entries, GeometryEntry{
			Coord:     origin,
			Geometry:  cl.geometry,
			UpdatedOn: cl.updatedOn,
		})
	}
	return entries
}

// Params returns a copy of the current parameters.
func (c *Controller) Params() (Params, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params == nil {
		return Params{}, false
	}
	return *c.params, true
}

// Chunk returns the origin of the chunk the viewer is in.
func (c *Controller) Chunk() (voxelmap.BlockCoord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunk == nil {
		return voxelmap.BlockCoord{}, false
	}
	return *c.chunk, true
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the cache.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := Stats{
		State:    c.state.String(),
		Live:     len(c.live),
		Retained: len(c.retained),
		Pending:  len(c.missingLocked(-1)),
	}
	for _, cl := range c.live {
		if cl.geometry != nil {
			stats.Built++
		}
	}
	return stats
}

// Batch splits headers into consecutive groups of at most size entries.
func Batch(headers []ChunkHeader, size int) [][]ChunkHeader {
	if len(headers) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]ChunkHeader{headers}
	}
	batches := make([][]ChunkHeader, 0, (len(headers)+size-1)/size)
	for start := 0; start < len(headers); start += size {
		end := start + size
		if end > len(headers) {
			end = len(headers)
		}
		batches = append(batches, headers[start:end])
	}
	return batches
}

func diffChunkSets(previous, next []voxelmap.BlockCoord) (added []voxelmap.BlockCoord, removed []voxelmap.BlockCoord) {
	prevSet := make(map[voxelmap.BlockCoord]struct{}, len(previous))
	nextSet := make(map[voxelmap.BlockCoord]struct{}, len(next))

	for _, coord := range previous {
		prevSet[coord] = struct{}{}
	}
	for _, coord := range next {
		nextSet[coord] = struct{}{}
		if _, exists := prevSet[coord]; !exists {
			added = append(added, coord)
		}
	}
	for _, coord := range previous {
		if _, exists := nextSet[coord]; !exists {
			removed = append(removed, coord)
		}
	}
	return
}
