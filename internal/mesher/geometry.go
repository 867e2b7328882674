package mesher

import (
	"fmt"
	"sort"

	"github.com/pilecraft/server/internal/voxelmap"
)

// SubGeometry is the mesh of every face drawn with one material pack.
// Vertices are chunk-local xyz triples; UVs are uv pairs, one per vertex.
type SubGeometry struct {
	Vertices        []float32 `json:"vertices"`
	TriangleIndices []uint32  `json:"triangleIndices"`
	UVs             []float32 `json:"uvs"`
	TextureURL      string    `json:"textureImageUrl"`
}

// VertexCount returns the number of vertices.
func (s *SubGeometry) VertexCount() int {
	return len(s.Vertices) / 3
}

// TriangleCount returns the number of triangles.
func (s *SubGeometry) TriangleCount() int {
	return len(s.TriangleIndices) / 3
}

// QuadCount returns the number of emitted faces.
func (s *SubGeometry) QuadCount() int {
	return len(s.Vertices) / 12
}

// ChunkGeometry is the renderable mesh of one chunk, grouped by pack id.
type ChunkGeometry struct {
	ChunkCoord    voxelmap.BlockCoord     `json:"chunkCoord"`
	SubGeometries map[string]*SubGeometry `json:"subGeometries"`
}

// PackIDs returns the group keys in sorted order.
func (g *ChunkGeometry) PackIDs() []string {
	ids := make([]string, 0, len(g.SubGeometries))
	for id := range g.SubGeometries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// QuadCount sums faces over every group.
func (g *ChunkGeometry) QuadCount() int {
	total := 0
	for _, sub := range g.SubGeometries {
		total += sub.QuadCount()
	}
	return total
}

// MeshAssertionError reports a geometry that violates the builder's own
// output guarantees. It indicates a bug rather than bad input.
type MeshAssertionError struct {
	ChunkCoord voxelmap.BlockCoord
	PackID     string
	Reason     string
}

func (e *MeshAssertionError) Error() string {
	if e.PackID == "" {
		return fmt.Sprintf("mesh assertion failed for chunk %s: %s", e.ChunkCoord, e.Reason)
	}
	return fmt.Sprintf("mesh assertion failed for chunk %s pack %s: %s", e.ChunkCoord, e.PackID, e.Reason)
}
