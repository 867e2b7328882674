package worker

import (
	"fmt"
	"sync"

	"github.com/pilecraft/server/internal/materials"
	"github.com/pilecraft/server/internal/mesher"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/voxelmap"
)

// Worlds hands out one voxelmap.World per world id so that sessions on the
// same world share its chunk cache.
type Worlds struct {
	store     voxelmap.WorldStore
	cacheSize int

	mu     sync.Mutex
	worlds map[string]*voxelmap.World
}

// NewWorlds creates a registry over store.
func NewWorlds(store voxelmap.WorldStore, cacheSize int) *Worlds {
	return &Worlds{
		store:     store,
		cacheSize: cacheSize,
		worlds:    make(map[string]*voxelmap.World),
	}
}

// Get returns the accessor of worldID, creating it on first use.
func (r *Worlds) Get(worldID string) (*voxelmap.World, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if world, ok := r.worlds[worldID]; ok {
		return world, nil
	}
	world, err := voxelmap.NewWorld(r.store, worldID, r.cacheSize)
	if err != nil {
		return nil, err
	}
	r.worlds[worldID] = world
	return world, nil
}

// Len reports how many worlds have been opened.
func (r *Worlds) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.worlds)
}

// NewBuilderFactory returns a factory building meshes from worlds with
// material packs from packs, resolved at the requested texture size.
func NewBuilderFactory(worlds *Worlds, packs *materials.Manager, debug bool) streaming.BuilderFactory {
	return func(p streaming.Params) (streaming.CellBuilder, error) {
		world, err := worlds.Get(p.WorldID)
		if err != nil {
			return nil, fmt.Errorf("open world %s: %w", p.WorldID, err)
		}
		builder := mesher.NewBuilder(world, packs.WithTextureSize(p.TextureSize))
		builder.SetDebug(debug)
		return builder, nil
	}
}
