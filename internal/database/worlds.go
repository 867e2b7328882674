// Package database is a voxelmap.WorldStore on PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pilecraft/server/internal/config"
	"github.com/pilecraft/server/internal/voxelmap"
)

// ErrWorldNotFound is returned for worlds without a row in worlds.
var ErrWorldNotFound = errors.New("world not found")

const schema = `
CREATE TABLE IF NOT EXISTS worlds (
	id TEXT PRIMARY KEY,
	depth INTEGER NOT NULL CHECK (depth >= 0),
	height INTEGER NOT NULL CHECK (height > 0),
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS world_chunks (
	world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
	x INTEGER NOT NULL,
	z INTEGER NOT NULL,
	piles JSONB NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	last_modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (world_id, x, z)
);
`

// Open connects to PostgreSQL and applies the pool settings.
func Open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// WorldStore reads worlds and chunks from the worlds and world_chunks tables.
type WorldStore struct {
	db *sql.DB
}

// NewWorldStore creates a store over db.
func NewWorldStore(db *sql.DB) *WorldStore {
	return &WorldStore{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *WorldStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create world tables: %w", err)
	}
	return nil
}

// GetWorldMetadata implements voxelmap.WorldStore.
func (s *WorldStore) GetWorldMetadata(ctx context.Context, worldID string) (voxelmap.WorldMetadata, error) {
	var meta voxelmap.WorldMetadata
	err := s.db.QueryRowContext(ctx, `SELECT depth, height FROM worlds WHERE id = $1`, worldID).
		Scan(&meta.Depth, &meta.Height)
	if err == sql.ErrNoRows {
		return voxelmap.WorldMetadata{}, fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
	}
	if err != nil {
		return voxelmap.WorldMetadata{}, fmt.Errorf("failed to query world metadata: %w", err)
	}
	return meta, nil
}

// GetChunk implements voxelmap.WorldStore. Chunks without a row are empty.
func (s *WorldStore) GetChunk(ctx context.Context, worldID string, chunkCoord voxelmap.BlockCoord) (*voxelmap.Chunk, error) {
	origin := voxelmap.ChunkOrigin(chunkCoord)
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT piles FROM world_chunks WHERE world_id = $1 AND x = $2 AND z = $3`,
		worldID, origin.X, origin.Z,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return voxelmap.EmptyChunk(origin), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query chunk %s: %w", origin, err)
	}
	return decodeChunk(origin, raw)
}

// GetChunks loads several chunks in one query. The result holds an entry for
// every requested chunk origin.
func (s *WorldStore) GetChunks(ctx context.Context, worldID string, coords []voxelmap.BlockCoord) (map[voxelmap.BlockCoord]*voxelmap.Chunk, error) {
	xs := make([]int64, 0, len(coords))
	zs := make([]int64, 0, len(coords))
	result := make(map[voxelmap.BlockCoord]*voxelmap.Chunk, len(coords))
	for _, c := range coords {
		origin := voxelmap.ChunkOrigin(c)
		if _, ok := result[origin]; ok {
			continue
		}
		result[origin] = nil
		xs = append(xs, int64(origin.X))
		zs = append(zs, int64(origin.Z))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.x, c.z, c.piles
		FROM world_chunks c
		JOIN unnest($2::int[], $3::int[]) AS wanted(x, z) ON c.x = wanted.x AND c.z = wanted.z
		WHERE c.world_id = $1
	`, worldID, pq.Array(xs), pq.Array(zs))
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var x, z int
		var raw []byte
		if err := rows.Scan(&x, &z, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		origin := voxelmap.FlatCoord(x, z)
		chunk, err := decodeChunk(origin, raw)
		if err != nil {
			return nil, err
		}
		result[origin] = chunk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}

	for origin, chunk := range result {
		if chunk == nil {
			result[origin] = voxelmap.EmptyChunk(origin)
		}
	}
	return result, nil
}

// PutWorld creates or updates a world row.
func (s *WorldStore) PutWorld(ctx context.Context, worldID string, meta voxelmap.WorldMetadata) error {
	if worldID == "" {
		return fmt.Errorf("world id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, depth, height)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET depth = $2, height = $3
	`, worldID, meta.Depth, meta.Height)
	if err != nil {
		return fmt.Errorf("failed to store world %s: %w", worldID, err)
	}
	return nil
}

// StoreChunk inserts or replaces a chunk and returns its version.
func (s *WorldStore) StoreChunk(ctx context.Context, worldID string, chunk *voxelmap.Chunk) (int, error) {
	if chunk == nil {
		return 0, fmt.Errorf("chunk cannot be nil")
	}
	if _, err := voxelmap.NewChunk(chunk.Coord, chunk.Piles); err != nil {
		return 0, fmt.Errorf("invalid chunk: %w", err)
	}
	raw, err := encodePiles(chunk.Piles)
	if err != nil {
		return 0, err
	}

	var version int
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO world_chunks (world_id, x, z, piles)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (world_id, x, z)
		DO UPDATE SET
			piles = $4,
			version = world_chunks.version + 1,
			last_modified = CURRENT_TIMESTAMP
		RETURNING version
	`, worldID, chunk.Coord.X, chunk.Coord.Z, string(raw)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to store chunk %s: %w", chunk.Coord, err)
	}
	return version, nil
}

// The piles column holds one layer list per pile in pile-index order.
func encodePiles(piles []voxelmap.Pile) ([]byte, error) {
	layers := make([][]voxelmap.Layer, len(piles))
	for i := range piles {
		layers[i] = piles[i].Layers
		if layers[i] == nil {
			layers[i] = []voxelmap.Layer{}
		}
	}
	raw, err := json.Marshal(layers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal piles: %w", err)
	}
	return raw, nil
}

func decodeChunk(origin voxelmap.BlockCoord, raw []byte) (*voxelmap.Chunk, error) {
	var layers [][]voxelmap.Layer
	if err := json.Unmarshal(raw, &layers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chunk %s: %w", origin, err)
	}
	if len(layers) != voxelmap.ChunkSize*voxelmap.ChunkSize {
		return nil, fmt.Errorf("chunk %s has %d piles, expected %d", origin, len(layers), voxelmap.ChunkSize*voxelmap.ChunkSize)
	}

	piles := make([]voxelmap.Pile, len(layers))
	for x := 0; x < voxelmap.ChunkSize; x++ {
		for z := 0; z < voxelmap.ChunkSize; z++ {
			idx := voxelmap.PileIndex(x, z)
			pile, err := voxelmap.NewPile(voxelmap.FlatCoord(origin.X+x, origin.Z+z), layers[idx])
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", origin, err)
			}
			piles[idx] = pile
		}
	}
	return voxelmap.NewChunk(origin, piles)
}
