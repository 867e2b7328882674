package database

import (
	"context"
	"errors"
	"testing"

	"github.com/pilecraft/server/internal/testutil"
	"github.com/pilecraft/server/internal/voxelmap"
)

func setupWorldStore(t *testing.T) *WorldStore {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.CleanupTestDB(t, db)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	store := NewWorldStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Running it twice must be harmless.
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema (second run): %v", err)
	}
	return store
}

func TestWorldStore_Metadata(t *testing.T) {
	store := setupWorldStore(t)
	ctx := context.Background()
	worldID := testutil.RandomWorldID()

	t.Run("unknown world", func(t *testing.T) {
		if _, err := store.GetWorldMetadata(ctx, worldID); !errors.Is(err, ErrWorldNotFound) {
			t.Errorf("expected ErrWorldNotFound, got %v", err)
		}
	})

	t.Run("stored world", func(t *testing.T) {
		if err := store.PutWorld(ctx, worldID, voxelmap.WorldMetadata{Depth: 32, Height: 96}); err != nil {
			t.Fatalf("PutWorld: %v", err)
		}
		meta, err := store.GetWorldMetadata(ctx, worldID)
		if err != nil {
			t.Fatalf("GetWorldMetadata: %v", err)
		}
		if meta.Depth != 32 || meta.Height != 96 {
			t.Errorf("unexpected metadata %+v", meta)
		}
	})

	t.Run("update world", func(t *testing.T) {
		if err := store.PutWorld(ctx, worldID, voxelmap.WorldMetadata{Depth: 8, Height: 16}); err != nil {
			t.Fatalf("PutWorld: %v", err)
		}
		meta, err := store.GetWorldMetadata(ctx, worldID)
		if err != nil {
			t.Fatalf("GetWorldMetadata: %v", err)
		}
		if meta.Depth != 8 {
			t.Errorf("Depth = %d, expected 8", meta.Depth)
		}
	})

	t.Run("rejects empty id", func(t *testing.T) {
		if err := store.PutWorld(ctx, "", voxelmap.WorldMetadata{Height: 1}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestWorldStore_Chunks(t *testing.T) {
	store := setupWorldStore(t)
	ctx := context.Background()
	worldID := testutil.RandomWorldID()
	if err := store.PutWorld(ctx, worldID, voxelmap.WorldMetadata{Depth: 16, Height: 16}); err != nil {
		t.Fatalf("PutWorld: %v", err)
	}

	origin := voxelmap.FlatCoord(-16, 32)
	chunk := testutil.FlatChunk(3)(origin)
	chunk.Piles[voxelmap.PileIndex(2, 7)].Layers = []voxelmap.Layer{testutil.Stone(5), testutil.Stone(2)}

	version, err := store.StoreChunk(ctx, worldID, chunk)
	if err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, expected 1", version)
	}
	if version, err = store.StoreChunk(ctx, worldID, chunk); err != nil || version != 2 {
		t.Errorf("restore: version %d, err %v", version, err)
	}

	got, err := store.GetChunk(ctx, worldID, voxelmap.BlockCoord{X: -10, Y: 4, Z: 40})
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.Coord != origin {
		t.Errorf("Coord = %s", got.Coord)
	}
	pile := got.Pile(2, 7)
	if len(pile.Layers) != 2 || pile.Layers[0].Y != 5 || pile.Layers[1].Y != 2 {
		t.Errorf("unexpected layers %+v", pile.Layers)
	}
	if pile.Coord != voxelmap.FlatCoord(-14, 39) {
		t.Errorf("pile coord = %s", pile.Coord)
	}
	if got.Pile(0, 0).TopY(16) != 3 {
		t.Errorf("flat pile top = %d", got.Pile(0, 0).TopY(16))
	}

	empty, err := store.GetChunk(ctx, worldID, voxelmap.FlatCoord(160, 0))
	if err != nil {
		t.Fatalf("GetChunk (missing): %v", err)
	}
	if !empty.Piles[0].IsEmpty() {
		t.Error("missing chunk should be empty")
	}
}

func TestWorldStore_GetChunks(t *testing.T) {
	store := setupWorldStore(t)
	ctx := context.Background()
	worldID := testutil.RandomWorldID()
	if err := store.PutWorld(ctx, worldID, voxelmap.WorldMetadata{Depth: 16, Height: 16}); err != nil {
		t.Fatalf("PutWorld: %v", err)
	}
	for _, c := range []voxelmap.BlockCoord{voxelmap.FlatCoord(0, 0), voxelmap.FlatCoord(16, 0)} {
		if _, err := store.StoreChunk(ctx, worldID, testutil.FlatChunk(1)(c)); err != nil {
			t.Fatalf("StoreChunk: %v", err)
		}
	}

	chunks, err := store.GetChunks(ctx, worldID, []voxelmap.BlockCoord{
		voxelmap.FlatCoord(0, 0),
		voxelmap.FlatCoord(20, 5), // inside 16,0
		voxelmap.FlatCoord(0, 16),
		voxelmap.FlatCoord(3, 3), // duplicate of 0,0
	})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[voxelmap.FlatCoord(16, 0)].Pile(0, 0).IsEmpty() {
		t.Error("stored chunk 16,0 came back empty")
	}
	if !chunks[voxelmap.FlatCoord(0, 16)].Pile(0, 0).IsEmpty() {
		t.Error("unstored chunk 0,16 should be empty")
	}

	// World uses the batch path for prefetching.
	world, err := voxelmap.NewWorld(store, worldID, 16)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if err := world.Prefetch(ctx, voxelmap.NeighbourChunks(voxelmap.FlatCoord(16, 16))); err != nil {
		t.Fatalf("Prefetch: %v", err)
	}
	if world.CachedChunks() != 4 {
		t.Errorf("CachedChunks = %d, expected 4", world.CachedChunks())
	}
}

func TestWorldStore_StoreChunkValidates(t *testing.T) {
	store := setupWorldStore(t)
	ctx := context.Background()

	if _, err := store.StoreChunk(ctx, "w", nil); err == nil {
		t.Error("expected error for nil chunk")
	}
	bad := testutil.FlatChunk(0)(voxelmap.FlatCoord(0, 0))
	bad.Piles = bad.Piles[:10]
	if _, err := store.StoreChunk(ctx, "w", bad); err == nil {
		t.Error("expected error for short pile list")
	}
}

func TestDecodeChunk(t *testing.T) {
	origin := voxelmap.FlatCoord(32, -16)
	raw, err := encodePiles(testutil.FlatChunk(2)(origin).Piles)
	if err != nil {
		t.Fatalf("encodePiles: %v", err)
	}
	chunk, err := decodeChunk(origin, raw)
	if err != nil {
		t.Fatalf("decodeChunk: %v", err)
	}
	if chunk.Pile(15, 15).Coord != voxelmap.FlatCoord(47, -1) {
		t.Errorf("pile coord = %s", chunk.Pile(15, 15).Coord)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"too few piles", `[[]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeChunk(origin, []byte(tt.raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
