package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pilecraft/server/internal/voxelmap"
)

// TestPackID is the material pack used by every fixture world.
const TestPackID = "base"

// RandomString generates a random string of specified length
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	seed := time.Now().UnixNano()
	for i := range b {
		seed = seed*1103515245 + 12345 // Simple LCG
		idx := int(seed % int64(len(charset)))
		if idx < 0 {
			idx = -idx
		}
		b[i] = charset[idx]
	}
	return string(b)
}

// RandomWorldID generates a random world id
func RandomWorldID() string {
	return "world_" + RandomString(8)
}

// Stone is a layer of the fixture "stone" material.
func Stone(y int) voxelmap.Layer {
	return voxelmap.Layer{Y: y, Material: voxelmap.MaterialRef{PackID: TestPackID, MaterialID: "stone"}}
}

// ChunkGenerator produces the chunk at an aligned coordinate.
type ChunkGenerator func(origin voxelmap.BlockCoord) *voxelmap.Chunk

// FlatChunk returns a generator where every pile holds a single layer at y.
func FlatChunk(y int) ChunkGenerator {
	return func(origin voxelmap.BlockCoord) *voxelmap.Chunk {
		chunk := voxelmap.EmptyChunk(origin)
		for i := range chunk.Piles {
			chunk.Piles[i].Layers = []voxelmap.Layer{Stone(y)}
		}
		return chunk
	}
}

// IslandChunk fills only the listed chunks with a single layer at y; every
// other chunk is empty.
func IslandChunk(y int, filled ...voxelmap.BlockCoord) ChunkGenerator {
	set := make(map[voxelmap.BlockCoord]struct{}, len(filled))
	for _, c := range filled {
		set[voxelmap.ChunkOrigin(c)] = struct{}{}
	}
	flat := FlatChunk(y)
	return func(origin voxelmap.BlockCoord) *voxelmap.Chunk {
		if _, ok := set[origin]; ok {
			return flat(origin)
		}
		return voxelmap.EmptyChunk(origin)
	}
}

// MemoryWorldStore is an in-memory voxelmap.WorldStore for tests.
type MemoryWorldStore struct {
	mu        sync.Mutex
	meta      map[string]voxelmap.WorldMetadata
	generate  map[string]ChunkGenerator
	failing   map[string]error
	calls     map[string]int
	metaCalls int
}

// NewMemoryWorldStore creates an empty store.
func NewMemoryWorldStore() *MemoryWorldStore {
	return &MemoryWorldStore{
		meta:     make(map[string]voxelmap.WorldMetadata),
		generate: make(map[string]ChunkGenerator),
		failing:  make(map[string]error),
		calls:    make(map[string]int),
	}
}

// NewFlatWorldStore creates a store with one flat world (depth 100, height 100, layer at y=0).
func NewFlatWorldStore(worldID string) *MemoryWorldStore {
	s := NewMemoryWorldStore()
	s.AddWorld(worldID, voxelmap.WorldMetadata{Depth: 100, Height: 100}, FlatChunk(0))
	return s
}

// AddWorld registers a world.
func (s *MemoryWorldStore) AddWorld(worldID string, meta voxelmap.WorldMetadata, gen ChunkGenerator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[worldID] = meta
	s.generate[worldID] = gen
}

// FailChunk makes every request for the chunk containing coord fail with err.
// A nil err clears the failure.
func (s *MemoryWorldStore) FailChunk(coord voxelmap.BlockCoord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voxelmap.ChunkOrigin(coord).String()
	if err == nil {
		delete(s.failing, key)
		return
	}
	s.failing[key] = err
}

// ChunkCalls reports how many times the chunk containing coord was requested.
func (s *MemoryWorldStore) ChunkCalls(coord voxelmap.BlockCoord) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[voxelmap.ChunkOrigin(coord).String()]
}

// MetadataCalls reports how many metadata requests were served.
func (s *MemoryWorldStore) MetadataCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaCalls
}

// GetWorldMetadata implements voxelmap.WorldStore.
func (s *MemoryWorldStore) GetWorldMetadata(ctx context.Context, worldID string) (voxelmap.WorldMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaCalls++
	meta, ok := s.meta[worldID]
	if !ok {
		return voxelmap.WorldMetadata{}, fmt.Errorf("world %s not found", worldID)
	}
	return meta, nil
}

// GetChunk implements voxelmap.WorldStore.
func (s *MemoryWorldStore) GetChunk(ctx context.Context, worldID string, coord voxelmap.BlockCoord) (*voxelmap.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := coord.String()
	s.calls[key]++
	if err, ok := s.failing[key]; ok {
		return nil, err
	}
	gen, ok := s.generate[worldID]
	if !ok {
		return nil, fmt.Errorf("world %s not found", worldID)
	}
	return gen(coord), nil
}
