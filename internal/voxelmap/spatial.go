package voxelmap

import (
	"math"
	"sort"
)

// ChunksInRadius returns the origin of every chunk whose chunk distance to the
// chunk containing center is at most radius. The result is ordered by x then z.
func ChunksInRadius(center BlockCoord, radius int) []BlockCoord {
	if radius < 0 {
		return nil
	}
	origin := ChunkOrigin(center)
	limit := float64(radius)
	var coords []BlockCoord
	for dx := -radius; dx <= radius; dx++ {
		for dz := -radius; dz <= radius; dz++ {
			if math.Hypot(float64(dx), float64(dz)) > limit {
				continue
			}
			coords = append(coords, BlockCoord{
				X: origin.X + dx*ChunkSize,
				Z: origin.Z + dz*ChunkSize,
			})
		}
	}
	return coords
}

// SortByDistance orders chunk origins nearest-first relative to a block
// position. Ties are broken by x then z so the order is deterministic.
func SortByDistance(chunks []BlockCoord, from BlockCoord) {
	sort.SliceStable(chunks, func(i, j int) bool {
		di := DistanceToChunk(from, chunks[i])
		dj := DistanceToChunk(from, chunks[j])
		if di != dj {
			return di < dj
		}
		if chunks[i].X != chunks[j].X {
			return chunks[i].X < chunks[j].X
		}
		return chunks[i].Z < chunks[j].Z
	})
}

// NeighbourChunks returns the four horizontally adjacent chunk origins in
// left, right, front, back order.
func NeighbourChunks(chunk BlockCoord) []BlockCoord {
	o := ChunkOrigin(chunk)
	return []BlockCoord{
		{X: o.X - ChunkSize, Z: o.Z},
		{X: o.X + ChunkSize, Z: o.Z},
		{X: o.X, Z: o.Z + ChunkSize},
		{X: o.X, Z: o.Z - ChunkSize},
	}
}
