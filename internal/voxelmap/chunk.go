package voxelmap

import (
	"fmt"
	"sort"
)

// MaterialRef identifies a block material inside a material pack.
type MaterialRef struct {
	PackID     string `json:"packId"`
	MaterialID string `json:"materialId"`
}

// Validate checks that both halves of the reference are present.
func (m MaterialRef) Validate() error {
	if m.PackID == "" {
		return fmt.Errorf("material pack id is required")
	}
	if m.MaterialID == "" {
		return fmt.Errorf("material id is required")
	}
	return nil
}

// Layer is a single solid block in a pile.
type Layer struct {
	Y        int         `json:"y"`
	Material MaterialRef `json:"material"`
}

// Pile is a vertical column of layers at one (x, z) position.
// Layers are ordered strictly descending by Y; Layers[0] is the top.
type Pile struct {
	Coord  BlockCoord `json:"coord"`
	Layers []Layer    `json:"layers"`
}

// NewPile validates the layer ordering and material references.
func NewPile(coord BlockCoord, layers []Layer) (Pile, error) {
	for i, layer := range layers {
		if err := layer.Material.Validate(); err != nil {
			return Pile{}, fmt.Errorf("pile %d,%d layer %d: %w", coord.X, coord.Z, layer.Y, err)
		}
		if i > 0 && layer.Y >= layers[i-1].Y {
			return Pile{}, fmt.Errorf("pile %d,%d layers must be strictly descending (got %d after %d)",
				coord.X, coord.Z, layer.Y, layers[i-1].Y)
		}
	}
	return Pile{Coord: FlatCoord(coord.X, coord.Z), Layers: layers}, nil
}

// IsEmpty reports whether the pile has no layers.
func (p *Pile) IsEmpty() bool {
	return len(p.Layers) == 0
}

// TopY returns the y of the top layer, or -depth for an empty pile.
func (p *Pile) TopY(depth int) int {
	if len(p.Layers) == 0 {
		return -depth
	}
	return p.Layers[0].Y
}

// TryGetLayer returns the layer at exactly y, or nil when there is none.
func (p *Pile) TryGetLayer(y, depth int) *Layer {
	if len(p.Layers) == 0 || y < -depth {
		return nil
	}
	top := p.Layers[0].Y
	if y > top {
		return nil
	}
	// Contiguous piles resolve by offset from the top.
	if idx := top - y; idx < len(p.Layers) && p.Layers[idx].Y == y {
		return &p.Layers[idx]
	}
	idx := sort.Search(len(p.Layers), func(i int) bool { return p.Layers[i].Y <= y })
	if idx < len(p.Layers) && p.Layers[idx].Y == y {
		return &p.Layers[idx]
	}
	return nil
}

// Chunk is an N x N grid of piles anchored at a chunk-aligned origin.
type Chunk struct {
	Coord BlockCoord `json:"coord"`
	Piles []Pile     `json:"piles"`
}

// PileIndex maps local pile coordinates to the index in Chunk.Piles.
func PileIndex(localX, localZ int) int {
	return localX*ChunkSize + localZ
}

// NewChunk validates the pile count and that each pile sits at its slot.
func NewChunk(coord BlockCoord, piles []Pile) (*Chunk, error) {
	if !IsChunkOrigin(coord) {
		return nil, fmt.Errorf("chunk coordinate %s is not chunk aligned", coord)
	}
	if len(piles) != ChunkSize*ChunkSize {
		return nil, fmt.Errorf("chunk %s has %d piles, expected %d", coord, len(piles), ChunkSize*ChunkSize)
	}
	for i := range piles {
		lx, lz := piles[i].Coord.X-coord.X, piles[i].Coord.Z-coord.Z
		if lx < 0 || lx >= ChunkSize || lz < 0 || lz >= ChunkSize || PileIndex(lx, lz) != i {
			return nil, fmt.Errorf("chunk %s pile %d has coordinate %d,%d outside its slot",
				coord, i, piles[i].Coord.X, piles[i].Coord.Z)
		}
	}
	return &Chunk{Coord: coord, Piles: piles}, nil
}

// Contains reports whether a block position lies within the chunk footprint.
func (c *Chunk) Contains(coord BlockCoord) bool {
	return coord.X >= c.Coord.X && coord.X < c.Coord.X+ChunkSize &&
		coord.Z >= c.Coord.Z && coord.Z < c.Coord.Z+ChunkSize
}

// Pile returns the pile at local (x, z).
func (c *Chunk) Pile(localX, localZ int) *Pile {
	return &c.Piles[PileIndex(localX, localZ)]
}

// TryGetPile returns the pile at the given block position, or nil when the
// position lies outside this chunk.
func (c *Chunk) TryGetPile(coord BlockCoord) *Pile {
	if !c.Contains(coord) {
		return nil
	}
	return c.Pile(coord.X-c.Coord.X, coord.Z-c.Coord.Z)
}

// MaterialPackIDs lists the distinct pack ids used by the chunk in first-seen order.
func (c *Chunk) MaterialPackIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for i := range c.Piles {
		for _, layer := range c.Piles[i].Layers {
			if _, ok := seen[layer.Material.PackID]; ok {
				continue
			}
			seen[layer.Material.PackID] = struct{}{}
			ids = append(ids, layer.Material.PackID)
		}
	}
	return ids
}

// EmptyChunk builds a chunk whose piles carry no layers.
func EmptyChunk(coord BlockCoord) *Chunk {
	origin := ChunkOrigin(coord)
	piles := make([]Pile, ChunkSize*ChunkSize)
	for x := 0; x < ChunkSize; x++ {
		for z := 0; z < ChunkSize; z++ {
			piles[PileIndex(x, z)] = Pile{Coord: FlatCoord(origin.X+x, origin.Z+z)}
		}
	}
	return &Chunk{Coord: origin, Piles: piles}
}
