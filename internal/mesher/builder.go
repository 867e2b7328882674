package mesher

import (
	"context"
	"fmt"
	"log"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/pilecraft/server/internal/materials"
	"github.com/pilecraft/server/internal/voxelmap"
)

// Corner offsets of each face of a unit block, wound so the triangles
// (2,1,0) and (3,2,0) face outward.
var (
	topFace    = [4]mgl32.Vec3{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}}
	bottomFace = [4]mgl32.Vec3{{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}}
	backFace   = [4]mgl32.Vec3{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}}
	rightFace  = [4]mgl32.Vec3{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}}
	frontFace  = [4]mgl32.Vec3{{1, 0, 1}, {1, 1, 1}, {0, 1, 1}, {0, 0, 1}}
	leftFace   = [4]mgl32.Vec3{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}}
)

// Builder turns chunk voxel data into per-pack meshes.
type Builder struct {
	world     *voxelmap.World
	materials materials.PackInfoProvider
	debug     bool
}

// NewBuilder creates a mesh builder over a world and a pack-info provider.
func NewBuilder(world *voxelmap.World, provider materials.PackInfoProvider) *Builder {
	return &Builder{world: world, materials: provider}
}

// SetDebug enables per-chunk log lines.
func (b *Builder) SetDebug(debug bool) {
	b.debug = debug
}

type subBuilder struct {
	packID string
	info   *materials.PackInfo
	geom   SubGeometry
}

func (s *subBuilder) addFace(origin mgl32.Vec3, corners *[4]mgl32.Vec3, uv materials.UVRect) {
	base := uint32(len(s.geom.Vertices) / 3)
	for _, corner := range corners {
		p := origin.Add(corner)
		s.geom.Vertices = append(s.geom.Vertices, p.X(), p.Y(), p.Z())
	}
	s.geom.UVs = append(s.geom.UVs,
		uv.U0, uv.V0,
		uv.U0, uv.V1,
		uv.U1, uv.V1,
		uv.U1, uv.V0,
	)
	s.geom.TriangleIndices = append(s.geom.TriangleIndices,
		base+2, base+1, base,
		base+3, base+2, base,
	)
}

// Build computes the geometry of the chunk containing coord.
//
// Each pile is drawn from its top down to the lowest top among itself and its
// four neighbours; anything below that is hidden behind neighbouring columns.
// Faces touching another solid block are culled.
func (b *Builder) Build(ctx context.Context, coord voxelmap.BlockCoord) (*ChunkGeometry, error) {
	meta, err := b.world.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	chunk, err := b.world.GetChunk(ctx, coord)
	if err != nil {
		return nil, err
	}
	if err := b.world.Prefetch(ctx, voxelmap.NeighbourChunks(chunk.Coord)); err != nil {
		return nil, err
	}

	depth := meta.Depth
	var order []*subBuilder
	groups := make(map[string]*subBuilder)
	group := func(ctx context.Context, packID string) (*subBuilder, error) {
		if sub, ok := groups[packID]; ok {
			return sub, nil
		}
		info, err := b.materials.GetPackInfo(ctx, packID)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", chunk.Coord, err)
		}
		sub := &subBuilder{packID: packID, info: info}
		sub.geom.TextureURL = info.AtlasImageURL
		groups[packID] = sub
		order = append(order, sub)
		return sub, nil
	}

	for i := range chunk.Piles {
		pile := &chunk.Piles[i]
		if pile.IsEmpty() {
			continue
		}
		around, err := b.world.SurroundingPiles(ctx, pile.Coord, chunk)
		if err != nil {
			return nil, err
		}

		renderToY := pile.TopY(depth)
		for _, n := range around.All() {
			if n != nil {
				renderToY = min(renderToY, n.TopY(depth))
			}
		}

		localX := float32(pile.Coord.X - chunk.Coord.X)
		localZ := float32(pile.Coord.Z - chunk.Coord.Z)

		for li := range pile.Layers {
			layer := &pile.Layers[li]
			if layer.Y < renderToY {
				break
			}
			isLast := layer.Y == renderToY

			sub, err := group(ctx, layer.Material.PackID)
			if err != nil {
				return nil, err
			}
			uvs, err := sub.info.UVs(layer.Material.MaterialID)
			if err != nil {
				return nil, fmt.Errorf("chunk %s pile %d,%d layer %d: %w",
					chunk.Coord, pile.Coord.X, pile.Coord.Z, layer.Y, err)
			}

			origin := mgl32.Vec3{localX, float32(layer.Y), localZ}
			if pile.TryGetLayer(layer.Y+1, depth) == nil {
				sub.addFace(origin, &topFace, uvs.Top)
			}
			if !isLast && pile.TryGetLayer(layer.Y-1, depth) == nil {
				sub.addFace(origin, &bottomFace, uvs.Bottom)
			}
			if !hasLayer(around.Back, layer.Y, depth) {
				sub.addFace(origin, &backFace, uvs.Back)
			}
			if !hasLayer(around.Right, layer.Y, depth) {
				sub.addFace(origin, &rightFace, uvs.Right)
			}
			if !hasLayer(around.Front, layer.Y, depth) {
				sub.addFace(origin, &frontFace, uvs.Front)
			}
			if !hasLayer(around.Left, layer.Y, depth) {
				sub.addFace(origin, &leftFace, uvs.Left)
			}

			if isLast {
				break
			}
		}
	}

	geometry, err := assemble(chunk.Coord, order)
	if err != nil {
		return nil, err
	}
	if b.debug {
		log.Printf("[Mesher] chunk %s: %d groups, %d quads", chunk.Coord, len(geometry.SubGeometries), geometry.QuadCount())
	}
	return geometry, nil
}

func hasLayer(p *voxelmap.Pile, y, depth int) bool {
	return p != nil && p.TryGetLayer(y, depth) != nil
}

func assemble(coord voxelmap.BlockCoord, order []*subBuilder) (*ChunkGeometry, error) {
	if len(order) == 0 {
		return nil, &MeshAssertionError{ChunkCoord: coord, Reason: "chunk produced no geometry groups"}
	}
	geometry := &ChunkGeometry{
		ChunkCoord:    coord,
		SubGeometries: make(map[string]*SubGeometry, len(order)),
	}
	for _, sub := range order {
		g := sub.geom
		if len(g.Vertices) == 0 || len(g.TriangleIndices) == 0 || len(g.UVs) == 0 {
			return nil, &MeshAssertionError{ChunkCoord: coord, PackID: sub.packID, Reason: "empty geometry group"}
		}
		if len(g.UVs)/2 != len(g.Vertices)/3 {
			return nil, &MeshAssertionError{ChunkCoord: coord, PackID: sub.packID, Reason: "uv and vertex counts differ"}
		}
		geometry.SubGeometries[sub.packID] = &g
	}
	return geometry, nil
}
