// Package worldgen generates simple rolling terrain for seeding world stores.
package worldgen

import (
	"fmt"
	"math"

	"github.com/pilecraft/server/internal/voxelmap"
)

// Terrain describes a heightfield of sine hills. Every pile gets Thickness
// layers: Top on the surface and Fill below it.
type Terrain struct {
	Base       int
	Amplitude  float64
	Wavelength float64
	Thickness  int
	Top        voxelmap.MaterialRef
	Fill       voxelmap.MaterialRef
}

// Validate checks that the terrain produces valid piles.
func (t Terrain) Validate() error {
	if t.Thickness <= 0 {
		return fmt.Errorf("thickness must be positive")
	}
	if t.Amplitude != 0 && t.Wavelength <= 0 {
		return fmt.Errorf("wavelength must be positive when amplitude is set")
	}
	if err := t.Top.Validate(); err != nil {
		return fmt.Errorf("top material: %w", err)
	}
	if t.Thickness > 1 {
		if err := t.Fill.Validate(); err != nil {
			return fmt.Errorf("fill material: %w", err)
		}
	}
	return nil
}

// SurfaceY is the y of the top layer at column (x, z).
func (t Terrain) SurfaceY(x, z int) int {
	if t.Amplitude == 0 {
		return t.Base
	}
	k := 2 * math.Pi / t.Wavelength
	h := t.Amplitude * math.Sin(float64(x)*k) * math.Cos(float64(z)*k)
	return t.Base + int(math.Round(h))
}

// Metadata returns world bounds that contain every generated layer.
func (t Terrain) Metadata() voxelmap.WorldMetadata {
	amp := int(math.Ceil(math.Abs(t.Amplitude)))
	return voxelmap.WorldMetadata{
		Depth:  max(0, t.Thickness-t.Base+amp),
		Height: max(1, t.Base+amp+1),
	}
}

// Chunk generates the chunk at origin.
func (t Terrain) Chunk(origin voxelmap.BlockCoord) (*voxelmap.Chunk, error) {
	if !voxelmap.IsChunkOrigin(origin) {
		return nil, fmt.Errorf("chunk coordinate %s is not chunk aligned", origin)
	}
	piles := make([]voxelmap.Pile, voxelmap.ChunkSize*voxelmap.ChunkSize)
	for lx := 0; lx < voxelmap.ChunkSize; lx++ {
		for lz := 0; lz < voxelmap.ChunkSize; lz++ {
			coord := voxelmap.FlatCoord(origin.X+lx, origin.Z+lz)
			top := t.SurfaceY(coord.X, coord.Z)
			layers := make([]voxelmap.Layer, t.Thickness)
			for i := range layers {
				material := t.Fill
				if i == 0 {
					material = t.Top
				}
				layers[i] = voxelmap.Layer{Y: top - i, Material: material}
			}
			pile, err := voxelmap.NewPile(coord, layers)
			if err != nil {
				return nil, err
			}
			piles[voxelmap.PileIndex(lx, lz)] = pile
		}
	}
	return voxelmap.NewChunk(origin, piles)
}
