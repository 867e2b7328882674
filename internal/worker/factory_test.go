package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pilecraft/server/internal/materials"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/testutil"
	"github.com/pilecraft/server/internal/voxelmap"
	"github.com/pilecraft/server/internal/workerrpc"
)

func TestWorldsShareAccessors(t *testing.T) {
	worlds := NewWorlds(testutil.NewFlatWorldStore(testWorldID), 16)
	a, err := worlds.Get(testWorldID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := worlds.Get(testWorldID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("expected the same accessor for one world")
	}
	if _, err := worlds.Get(""); err == nil {
		t.Error("expected error for empty world id")
	}
	if worlds.Len() != 1 {
		t.Errorf("Len() = %d, want 1", worlds.Len())
	}
}

func TestBuilderFactoryUsesTextureSize(t *testing.T) {
	packs, err := materials.NewManager(testutil.StaticSource{}, 4)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	store := testutil.NewFlatWorldStore(testWorldID)
	factory := NewBuilderFactory(NewWorlds(store, 16), packs, false)

	size := 32
	builder, err := factory(streaming.Params{WorldID: testWorldID, BuildDistance: 1, TextureSize: &size})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	geometry, err := builder.Build(context.Background(), voxelmap.FlatCoord(0, 0))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sub, ok := geometry.SubGeometries[testutil.TestPackID]
	if !ok {
		t.Fatalf("no sub-geometry for pack %s", testutil.TestPackID)
	}
	if !strings.HasSuffix(sub.TextureURL, "?size=32") {
		t.Errorf("TextureURL = %q, expected the requested size", sub.TextureURL)
	}

	// A second session on the same world reuses the cached chunk.
	before := store.ChunkCalls(voxelmap.FlatCoord(0, 0))
	other, err := factory(streaming.Params{WorldID: testWorldID, BuildDistance: 1})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, err := other.Build(context.Background(), voxelmap.FlatCoord(0, 0)); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if after := store.ChunkCalls(voxelmap.FlatCoord(0, 0)); after != before {
		t.Errorf("chunk fetched again: %d calls, was %d", after, before)
	}
}

func TestAllowWorldRejectsParams(t *testing.T) {
	s := newSession(t, Options{AllowWorld: func(worldID string) bool { return worldID == "other" }})
	s.params(1)

	_, err := workerrpc.Invoke[[]streaming.ChunkHeader](context.Background(), s.thread, MethodGoto,
		GotoRequest{Coord: &Position{X: 1, Z: 1}})
	if err == nil || !strings.Contains(err.Error(), "parameters not set") {
		t.Errorf("expected parameters not set, got %v", err)
	}

	// Nothing was built for the rejected world.
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.updateCount() != 0 {
			t.Fatal("chunks streamed for a rejected world")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
