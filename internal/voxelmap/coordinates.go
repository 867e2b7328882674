package voxelmap

import (
	"fmt"
	"math"
)

// ChunkSize is the width and depth of a chunk in piles (N).
const ChunkSize = 16

// BlockCoord is an integer position in block space.
// Chunks are addressed by the block coordinate of their origin corner (y = 0).
type BlockCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// NewBlockCoord floors each component of a fractional position
// (truncation toward negative infinity, so -0.5 becomes -1).
func NewBlockCoord(x, y, z float64) BlockCoord {
	return BlockCoord{
		X: int(math.Floor(x)),
		Y: int(math.Floor(y)),
		Z: int(math.Floor(z)),
	}
}

// FlatCoord returns a horizontal coordinate with y = 0.
func FlatCoord(x, z int) BlockCoord {
	return BlockCoord{X: x, Z: z}
}

// Left is the neighbour at x-1.
func (c BlockCoord) Left() BlockCoord { return BlockCoord{X: c.X - 1, Y: c.Y, Z: c.Z} }

// Right is the neighbour at x+1.
func (c BlockCoord) Right() BlockCoord { return BlockCoord{X: c.X + 1, Y: c.Y, Z: c.Z} }

// Front is the neighbour at z+1.
func (c BlockCoord) Front() BlockCoord { return BlockCoord{X: c.X, Y: c.Y, Z: c.Z + 1} }

// Back is the neighbour at z-1.
func (c BlockCoord) Back() BlockCoord { return BlockCoord{X: c.X, Y: c.Y, Z: c.Z - 1} }

// Equals compares all three components.
func (c BlockCoord) Equals(other BlockCoord) bool {
	return c == other
}

// String renders the coordinate as "x,y,z", which is also its cache key.
func (c BlockCoord) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z)
}

// ChunkOrigin returns the origin of the chunk containing c.
// X and Z are aligned down to a multiple of ChunkSize; Y is dropped.
func ChunkOrigin(c BlockCoord) BlockCoord {
	return BlockCoord{
		X: FloorDiv(c.X, ChunkSize) * ChunkSize,
		Z: FloorDiv(c.Z, ChunkSize) * ChunkSize,
	}
}

// IsChunkOrigin reports whether c is already chunk aligned.
func IsChunkOrigin(c BlockCoord) bool {
	return c.Y == 0 && Mod(c.X, ChunkSize) == 0 && Mod(c.Z, ChunkSize) == 0
}

// ChunkDistance is the horizontal Euclidean distance between the chunks
// containing a and b, measured in chunk units.
func ChunkDistance(a, b BlockCoord) float64 {
	oa, ob := ChunkOrigin(a), ChunkOrigin(b)
	dx := float64(oa.X - ob.X)
	dz := float64(oa.Z - ob.Z)
	return math.Hypot(dx, dz) / ChunkSize
}

// DistanceToChunk is the horizontal Euclidean distance in blocks between a
// block position and the centre of the chunk whose origin is chunk.
func DistanceToChunk(pos, chunk BlockCoord) float64 {
	cx := float64(chunk.X) + ChunkSize/2.0
	cz := float64(chunk.Z) + ChunkSize/2.0
	return math.Hypot(float64(pos.X)+0.5-cx, float64(pos.Z)+0.5-cz)
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Mod returns a non-negative remainder for positive b.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
