package voxelmap

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultChunkCacheSize bounds the per-world chunk cache when no size is given.
const DefaultChunkCacheSize = 256

// WorldMetadata describes the vertical extent of a world.
type WorldMetadata struct {
	Depth  int `json:"depth"`
	Height int `json:"height"`
}

// WorldStore is the voxel data source.
// GetChunk must return a chunk with ChunkSize*ChunkSize piles for any aligned coordinate.
type WorldStore interface {
	GetWorldMetadata(ctx context.Context, worldID string) (WorldMetadata, error)
	GetChunk(ctx context.Context, worldID string, chunkCoord BlockCoord) (*Chunk, error)
}

// DataSourceError reports a failed world store request.
type DataSourceError struct {
	WorldID string
	Coord   *BlockCoord
	Err     error
}

func (e *DataSourceError) Error() string {
	if e.Coord != nil {
		return fmt.Sprintf("world %s: chunk %s: %v", e.WorldID, e.Coord, e.Err)
	}
	return fmt.Sprintf("world %s: metadata: %v", e.WorldID, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// World gives cached access to a single world of a WorldStore.
type World struct {
	id    string
	store WorldStore

	metaMu sync.Mutex
	meta   *WorldMetadata

	chunks *lru.Cache
	group  singleflight.Group
}

// NewWorld creates a world accessor. cacheSize <= 0 uses DefaultChunkCacheSize.
func NewWorld(store WorldStore, worldID string, cacheSize int) (*World, error) {
	if store == nil {
		return nil, fmt.Errorf("world store is required")
	}
	if worldID == "" {
		return nil, fmt.Errorf("world id is required")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultChunkCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	return &World{id: worldID, store: store, chunks: cache}, nil
}

// ID returns the world id.
func (w *World) ID() string {
	return w.id
}

// Metadata returns the world metadata, fetching it on first use.
func (w *World) Metadata(ctx context.Context) (WorldMetadata, error) {
	w.metaMu.Lock()
	defer w.metaMu.Unlock()
	if w.meta != nil {
		return *w.meta, nil
	}
	meta, err := w.store.GetWorldMetadata(ctx, w.id)
	if err != nil {
		return WorldMetadata{}, &DataSourceError{WorldID: w.id, Err: err}
	}
	w.meta = &meta
	return meta, nil
}

// GetChunk returns the chunk containing coord. Results are cached and
// concurrent requests for the same chunk share one store call.
func (w *World) GetChunk(ctx context.Context, coord BlockCoord) (*Chunk, error) {
	origin := ChunkOrigin(coord)
	key := origin.String()
	if cached, ok := w.chunks.Get(key); ok {
		return cached.(*Chunk), nil
	}

	v, err, _ := w.group.Do(key, func() (interface{}, error) {
		if cached, ok := w.chunks.Get(key); ok {
			return cached, nil
		}
		chunk, err := w.store.GetChunk(ctx, w.id, origin)
		if err != nil {
			return nil, &DataSourceError{WorldID: w.id, Coord: &origin, Err: err}
		}
		if chunk == nil {
			return nil, &DataSourceError{WorldID: w.id, Coord: &origin, Err: fmt.Errorf("store returned no chunk")}
		}
		w.chunks.Add(key, chunk)
		return chunk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chunk), nil
}

// ChunkBatcher is implemented by stores that can load several chunks in one
// request. The result must hold every requested chunk origin.
type ChunkBatcher interface {
	GetChunks(ctx context.Context, worldID string, chunkCoords []BlockCoord) (map[BlockCoord]*Chunk, error)
}

// Prefetch loads several chunks into the cache, in one request when the store
// is a ChunkBatcher and concurrently otherwise.
func (w *World) Prefetch(ctx context.Context, coords []BlockCoord) error {
	if batcher, ok := w.store.(ChunkBatcher); ok {
		return w.prefetchBatch(ctx, batcher, coords)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, coord := range coords {
		g.Go(func() error {
			_, err := w.GetChunk(gctx, coord)
			return err
		})
	}
	return g.Wait()
}

func (w *World) prefetchBatch(ctx context.Context, batcher ChunkBatcher, coords []BlockCoord) error {
	var missing []BlockCoord
	for _, coord := range coords {
		origin := ChunkOrigin(coord)
		if !w.chunks.Contains(origin.String()) {
			missing = append(missing, origin)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	chunks, err := batcher.GetChunks(ctx, w.id, missing)
	if err != nil {
		first := missing[0]
		return &DataSourceError{WorldID: w.id, Coord: &first, Err: fmt.Errorf("batch of %d chunks: %w", len(missing), err)}
	}
	for _, origin := range missing {
		chunk, ok := chunks[origin]
		if !ok || chunk == nil {
			return &DataSourceError{WorldID: w.id, Coord: &origin, Err: fmt.Errorf("store returned no chunk")}
		}
		w.chunks.Add(origin.String(), chunk)
	}
	return nil
}

// GetPile returns the pile at a block position.
func (w *World) GetPile(ctx context.Context, coord BlockCoord) (*Pile, error) {
	chunk, err := w.GetChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	return chunk.TryGetPile(coord), nil
}

// Surroundings are the four horizontal neighbours of a pile.
type Surroundings struct {
	Left, Right, Front, Back *Pile
}

// All returns the neighbours in left, right, front, back order.
func (s Surroundings) All() [4]*Pile {
	return [4]*Pile{s.Left, s.Right, s.Front, s.Back}
}

// SurroundingPiles resolves the neighbours of the pile at coord. Neighbours
// inside chunk are read directly; the rest come from the neighbouring chunks.
func (w *World) SurroundingPiles(ctx context.Context, coord BlockCoord, chunk *Chunk) (Surroundings, error) {
	var s Surroundings
	targets := []struct {
		coord BlockCoord
		dst   **Pile
	}{
		{coord.Left(), &s.Left},
		{coord.Right(), &s.Right},
		{coord.Front(), &s.Front},
		{coord.Back(), &s.Back},
	}
	for _, t := range targets {
		if chunk != nil {
			if pile := chunk.TryGetPile(t.coord); pile != nil {
				*t.dst = pile
				continue
			}
		}
		pile, err := w.GetPile(ctx, t.coord)
		if err != nil {
			return Surroundings{}, err
		}
		*t.dst = pile
	}
	return s, nil
}

// CachedChunks reports how many chunks are currently cached.
func (w *World) CachedChunks() int {
	return w.chunks.Len()
}
