// Package localstore is an embedded voxelmap.WorldStore on a BoltDB file,
// used for local development and tests.
package localstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/pilecraft/server/internal/voxelmap"
)

// ErrWorldNotFound is returned for worlds that were never stored.
var ErrWorldNotFound = errors.New("world not found")

var (
	metaKey     = []byte("meta")
	chunkBucket = []byte("chunks")
)

// Store keeps one top-level bucket per world holding the metadata and a
// nested chunks bucket.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	db, err := bolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the file.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

// PutWorld creates or updates a world.
func (s *Store) PutWorld(ctx context.Context, worldID string, meta voxelmap.WorldMetadata) error {
	if worldID == "" {
		return errors.New("world id is required")
	}
	value, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(worldID))
		if err != nil {
			return err
		}
		if _, err := bkt.CreateBucketIfNotExists(chunkBucket); err != nil {
			return err
		}
		return bkt.Put(metaKey, value)
	})
}

// GetWorldMetadata implements voxelmap.WorldStore.
func (s *Store) GetWorldMetadata(ctx context.Context, worldID string) (voxelmap.WorldMetadata, error) {
	var meta voxelmap.WorldMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(worldID))
		if bkt == nil {
			return fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
		}
		value := bkt.Get(metaKey)
		if value == nil {
			return fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
		}
		return json.Unmarshal(value, &meta)
	})
	return meta, err
}

// GetChunk implements voxelmap.WorldStore. Chunks never stored are empty.
func (s *Store) GetChunk(ctx context.Context, worldID string, chunkCoord voxelmap.BlockCoord) (*voxelmap.Chunk, error) {
	origin := voxelmap.ChunkOrigin(chunkCoord)
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		chunks, err := chunksOf(tx, worldID)
		if err != nil {
			return err
		}
		if v := chunks.Get(encodeChunkKey(origin)); v != nil {
			// Bolt values are only valid inside the transaction.
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return voxelmap.EmptyChunk(origin), nil
	}
	return decodeChunk(origin, value)
}

// StoreChunk writes a chunk of an existing world.
func (s *Store) StoreChunk(ctx context.Context, worldID string, chunk *voxelmap.Chunk) error {
	if chunk == nil {
		return errors.New("chunk cannot be nil")
	}
	if _, err := voxelmap.NewChunk(chunk.Coord, chunk.Piles); err != nil {
		return fmt.Errorf("invalid chunk: %w", err)
	}
	value, err := encodePiles(chunk.Piles)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		chunks, err := chunksOf(tx, worldID)
		if err != nil {
			return err
		}
		return chunks.Put(encodeChunkKey(chunk.Coord), value)
	})
}

// RangeChunks calls f with the origin of every stored chunk of a world.
func (s *Store) RangeChunks(worldID string, f func(origin voxelmap.BlockCoord)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		chunks, err := chunksOf(tx, worldID)
		if err != nil {
			return err
		}
		return chunks.ForEach(func(k, _ []byte) error {
			origin, err := decodeChunkKey(k)
			if err != nil {
				return err
			}
			f(origin)
			return nil
		})
	})
}

func chunksOf(tx *bolt.Tx, worldID string) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(worldID))
	if bkt == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorldNotFound, worldID)
	}
	chunks := bkt.Bucket(chunkBucket)
	if chunks == nil {
		return nil, fmt.Errorf("world %s has no chunk bucket", worldID)
	}
	return chunks, nil
}

func encodeChunkKey(origin voxelmap.BlockCoord) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, [...]int32{int32(origin.X), int32(origin.Z)})
	return buf.Bytes()
}

func decodeChunkKey(b []byte) (voxelmap.BlockCoord, error) {
	if len(b) != 8 {
		return voxelmap.BlockCoord{}, fmt.Errorf("bad chunk key length: %d", len(b))
	}
	var arr [2]int32
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &arr); err != nil {
		return voxelmap.BlockCoord{}, err
	}
	return voxelmap.FlatCoord(int(arr[0]), int(arr[1])), nil
}

// Values hold one layer list per pile in pile-index order.
func encodePiles(piles []voxelmap.Pile) ([]byte, error) {
	layers := make([][]voxelmap.Layer, len(piles))
	for i := range piles {
		layers[i] = piles[i].Layers
	}
	return json.Marshal(layers)
}

func decodeChunk(origin voxelmap.BlockCoord, value []byte) (*voxelmap.Chunk, error) {
	var layers [][]voxelmap.Layer
	if err := json.Unmarshal(value, &layers); err != nil {
		return nil, fmt.Errorf("chunk %s: %w", origin, err)
	}
	if len(layers) != voxelmap.ChunkSize*voxelmap.ChunkSize {
		return nil, fmt.Errorf("chunk %s has %d piles", origin, len(layers))
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
