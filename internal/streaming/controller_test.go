package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilecraft/server/internal/mesher"
	"github.com/pilecraft/server/internal/testutil"
	"github.com/pilecraft/server/internal/voxelmap"
)

type fakeBuilder struct {
	mu    sync.Mutex
	calls []voxelmap.BlockCoord
	fail  map[voxelmap.BlockCoord]error
	// failAll fails every coordinate not listed in allow.
	failAll bool
	allow   map[voxelmap.BlockCoord]bool
	gate    chan struct{}
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{
		fail:  make(map[voxelmap.BlockCoord]error),
		allow: make(map[voxelmap.BlockCoord]bool),
	}
}

func (b *fakeBuilder) Build(ctx context.Context, coord voxelmap.BlockCoord) (*mesher.ChunkGeometry, error) {
	b.mu.Lock()
	b.calls = append(b.calls, coord)
	err := b.fail[coord]
	if err == nil && b.failAll && !b.allow[coord] {
		err = errors.New("source offline")
	}
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &mesher.ChunkGeometry{
		ChunkCoord: coord,
		SubGeometries: map[string]*mesher.SubGeometry{
			testutil.TestPackID: {
				Vertices:        make([]float32, 12),
				TriangleIndices: []uint32{2, 1, 0, 3, 2, 0},
				UVs:             make([]float32, 8),
				TextureURL:      testutil.TestAtlasURL,
			},
		},
	}, nil
}

func (b *fakeBuilder) setFail(coord voxelmap.BlockCoord, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, coord)
		return
	}
	b.fail[coord] = err
}

func (b *fakeBuilder) recorded() []voxelmap.BlockCoord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]voxelmap.BlockCoord(nil), b.calls...)
}

func (b *fakeBuilder) callsFor(coord voxelmap.BlockCoord) int {
	n := 0
	for _, c := range b.recorded() {
		if c == coord {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestController(t *testing.T, builder CellBuilder, buildDistance int) *Controller {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	c := NewController(func(p Params) (CellBuilder, error) { return builder, nil }, Options{Now: clock.Now})
	if _, err := c.SetParameters(Params{WorldID: "w", BuildDistance: buildDistance}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	return c
}

func chunk(cx, cz int) voxelmap.BlockCoord {
	return voxelmap.FlatCoord(cx*voxelmap.ChunkSize, cz*voxelmap.ChunkSize)
}

func TestControllerStateTransitions(t *testing.T) {
	builder := newFakeBuilder()
	c := NewController(func(p Params) (CellBuilder, error) { return builder, nil }, Options{})

	if c.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", c.State())
	}
	if c.UpdatePosition(voxelmap.BlockCoord{X: 3, Z: 4}) {
		t.Error("a position without parameters should not trigger")
	}
	if got := c.ComputeMissing(context.Background(), -1, 0); len(got) != 0 {
		t.Errorf("expected nothing to compute, got %d", len(got))
	}

	triggered, err := c.SetParameters(Params{WorldID: "w", BuildDistance: 3})
	if err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	if !triggered {
		t.Error("parameters with a known position should trigger")
	}
	if c.State() != StateReady {
		t.Errorf("expected ready, got %s", c.State())
	}

	headers := c.ComputeMissing(context.Background(), -1, 0)
	if len(headers) != 29 {
		t.Errorf("expected 29 cells within distance 3, got %d", len(headers))
	}
	if c.State() != StateReady {
		t.Errorf("expected ready after recomputing, got %s", c.State())
	}
	if c.HasPending() {
		t.Error("expected nothing pending")
	}
}

func TestSetParametersValidation(t *testing.T) {
	size := 0
	tests := []struct {
		name   string
		params Params
	}{
		{"missing world", Params{BuildDistance: 2}},
		{"negative distance", Params{WorldID: "w", BuildDistance: -1}},
		{"zero texture size", Params{WorldID: "w", BuildDistance: 2, TextureSize: &size}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(func(p Params) (CellBuilder, error) { return newFakeBuilder(), nil }, Options{})
			if _, err := c.SetParameters(tt.params); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	c := NewController(func(p Params) (CellBuilder, error) { return nil, errors.New("unknown world") }, Options{})
	if _, err := c.SetParameters(Params{WorldID: "w", BuildDistance: 1}); err == nil {
		t.Error("expected factory error")
	}
	if _, ok := c.Params(); ok {
		t.Error("failed parameters must not be applied")
	}
}

func TestSameChunkDoesNotTrigger(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 2)

	if !c.UpdatePosition(voxelmap.BlockCoord{X: 1, Y: 10, Z: 1}) {
		t.Fatal("first position should trigger")
	}
	c.ComputeMissing(context.Background(), -1, 0)
	calls := len(builder.recorded())

	if c.UpdatePosition(voxelmap.BlockCoord{X: 15, Y: 40, Z: 15}) {
		t.Error("a position in the same chunk should not trigger")
	}
	if got := c.ComputeMissing(context.Background(), -1, 0); len(got) != 0 {
		t.Errorf("expected no headers, got %d", len(got))
	}
	if len(builder.recorded()) != calls {
		t.Error("cells were rebuilt without a trigger")
	}
}

func TestMovingOnlyBuildsNewCells(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 2)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	c.ComputeMissing(context.Background(), -1, 0)
	before := len(builder.recorded())

	c.UpdatePosition(voxelmap.BlockCoord{X: 24, Z: 8})
	headers := c.ComputeMissing(context.Background(), -1, 0)

	added, _ := diffChunkSets(voxelmap.ChunksInRadius(chunk(0, 0), 2), voxelmap.ChunksInRadius(chunk(1, 0), 2))
	if len(headers) != len(added) {
		t.Errorf("expected %d new cells, got %d", len(added), len(headers))
	}
	if len(builder.recorded())-before != len(added) {
		t.Errorf("expected %d builds, got %d", len(added), len(builder.recorded())-before)
	}
	for _, coord := range voxelmap.ChunksInRadius(chunk(1, 0), 2) {
		if builder.callsFor(coord) != 1 {
			t.Errorf("cell %s built %d times", coord, builder.callsFor(coord))
		}
	}
}

func TestComputeMissingNearestFirst(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 4)
	pos := voxelmap.BlockCoord{X: 5, Z: 11}
	c.UpdatePosition(pos)
	headers := c.ComputeMissing(context.Background(), -1, 0)

	last := -1.0
	for _, h := range headers {
		d := voxelmap.DistanceToChunk(pos, h.Coord)
		if d < last {
			t.Fatalf("cell %s at distance %.2f completed after a cell at %.2f", h.Coord, d, last)
		}
		last = d
	}
}

func TestCompletionOrderFollowsDistance(t *testing.T) {
	builder := newFakeBuilder()
	builder.failAll = true
	far, near, mid := chunk(5, 0), chunk(1, 0), chunk(3, 0)
	builder.allow[far] = true
	builder.allow[near] = true
	builder.allow[mid] = true

	c := newTestController(t, builder, 5)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	headers := c.ComputeMissing(context.Background(), -1, 0)

	if len(headers) != 3 {
		t.Fatalf("expected 3 completed cells, got %d", len(headers))
	}
	want := []voxelmap.BlockCoord{near, mid, far}
	for i, h := range headers {
		if h.Coord != want[i] {
			t.Errorf("completion %d: got %s, want %s", i, h.Coord, want[i])
		}
	}
}

func TestVisibleRingThenRemainder(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 3)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})

	visible := c.ComputeMissing(context.Background(), 1, 0)
	if len(visible) != 5 {
		t.Fatalf("expected 5 visible cells, got %d", len(visible))
	}
	for _, h := range visible {
		if voxelmap.ChunkDistance(h.Coord, chunk(0, 0)) > 1 {
			t.Errorf("cell %s is outside the visible ring", h.Coord)
		}
	}
	if !c.HasPending() {
		t.Fatal("expected remaining cells")
	}

	next, ok := c.NextMissing()
	if !ok || voxelmap.ChunkDistance(next, chunk(0, 0)) <= 1 {
		t.Errorf("unexpected next missing cell %s", next)
	}
	rest := c.ComputeMissing(context.Background(), -1, 0)
	if len(visible)+len(rest) != 29 {
		t.Errorf("expected 29 cells in total, got %d", len(visible)+len(rest))
	}
}

func TestComputeMissingLimit(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 2)
	c.UpdatePosition(voxelmap.BlockCoord{})

	if got := c.ComputeMissing(context.Background(), -1, 4); len(got) != 4 {
		t.Errorf("expected 4 cells, got %d", len(got))
	}
	header, ok := c.ComputeNext(context.Background())
	if !ok || header == nil {
		t.Fatal("expected one more cell")
	}
	if got := c.Stats(); got.Built != 5 || got.Pending != 8 {
		t.Errorf("unexpected stats %+v", got)
	}
}

func TestFailedCellRetriedOnNextTrigger(t *testing.T) {
	builder := newFakeBuilder()
	broken := chunk(1, 0)
	builder.setFail(broken, &voxelmap.DataSourceError{WorldID: "w", Err: errors.New("timeout")})

	c := newTestController(t, builder, 2)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	headers := c.ComputeMissing(context.Background(), -1, 0)
	if len(headers) != 12 {
		t.Errorf("expected 12 cells, got %d", len(headers))
	}
	if c.HasPending() {
		t.Error("a failed cell should not stay pending within the same trigger")
	}
	if len(c.Geometries([]voxelmap.BlockCoord{broken})) != 0 {
		t.Error("failed cell must be absent")
	}

	c.ComputeMissing(context.Background(), -1, 0)
	if builder.callsFor(broken) != 1 {
		t.Errorf("failed cell retried without a trigger: %d calls", builder.callsFor(broken))
	}

	builder.setFail(broken, nil)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 24})
	c.ComputeMissing(context.Background(), -1, 0)
	if builder.callsFor(broken) != 2 {
		t.Errorf("expected one retry after the trigger, got %d calls", builder.callsFor(broken))
	}
	if len(c.Geometries([]voxelmap.BlockCoord{broken})) != 1 {
		t.Error("expected the retried cell to be available")
	}
}

func TestGeometries(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 1)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	headers := c.ComputeMissing(context.Background(), -1, 0)
	stamps := make(map[voxelmap.BlockCoord]int64)
	for _, h := range headers {
		stamps[h.Coord] = h.UpdatedOn
	}

	entries := c.Geometries([]voxelmap.BlockCoord{
		{X: 5, Y: 3, Z: 7},
		chunk(7, 7),
		chunk(1, 0),
	})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Coord != chunk(0, 0) || entries[1].Coord != chunk(1, 0) {
		t.Errorf("unexpected coordinates %s, %s", entries[0].Coord, entries[1].Coord)
	}
	for _, e := range entries {
		if e.Geometry == nil {
			t.Errorf("entry %s has no geometry", e.Coord)
		}
		if e.UpdatedOn != stamps[e.Coord] {
			t.Errorf("entry %s updatedOn %d, want %d", e.Coord, e.UpdatedOn, stamps[e.Coord])
		}
	}
}

func TestEvictionBeyondMargin(t *testing.T) {
	builder := newFakeBuilder()
	margin := 1
	clock := &fakeClock{}
	c := NewController(func(p Params) (CellBuilder, error) { return builder, nil }, Options{EvictMargin: &margin, Now: clock.Now})
	if _, err := c.SetParameters(Params{WorldID: "w", BuildDistance: 1}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	c.ComputeMissing(context.Background(), -1, 0)

	c.UpdatePosition(voxelmap.BlockCoord{X: 40, Z: 8})
	c.ComputeMissing(context.Background(), -1, 0)

	if len(c.Geometries([]voxelmap.BlockCoord{chunk(0, 0)})) != 1 {
		t.Error("cell within build distance plus margin should be retained")
	}
	if len(c.Geometries([]voxelmap.BlockCoord{chunk(-1, 0)})) != 0 {
		t.Error("cell beyond build distance plus margin should be evicted")
	}

	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	c.ComputeMissing(context.Background(), -1, 0)
	if builder.callsFor(chunk(0, 0)) != 1 {
		t.Errorf("retained cell was rebuilt: %d calls", builder.callsFor(chunk(0, 0)))
	}
	if builder.callsFor(chunk(-1, 0)) != 2 {
		t.Errorf("evicted cell should be rebuilt once: %d calls", builder.callsFor(chunk(-1, 0)))
	}
}

func TestSetParametersClearsCache(t *testing.T) {
	builder := newFakeBuilder()
	c := newTestController(t, builder, 1)
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})
	c.ComputeMissing(context.Background(), -1, 0)

	triggered, err := c.SetParameters(Params{WorldID: "other", BuildDistance: 1})
	if err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	if !triggered {
		t.Error("expected a trigger with a known position")
	}
	if got := c.Geometries([]voxelmap.BlockCoord{chunk(0, 0)}); len(got) != 0 {
		t.Error("geometry survived a parameter change")
	}
	if got := c.Stats(); got.Built != 0 || got.Pending != 5 {
		t.Errorf("unexpected stats %+v", got)
	}
}

func TestBuildStartedBeforeParameterChangeIsDiscarded(t *testing.T) {
	builder := newFakeBuilder()
	builder.gate = make(chan struct{})
	c := newTestController(t, builder, 0)
	c.UpdatePosition(voxelmap.BlockCoord{})

	done := make(chan *ChunkHeader, 1)
	go func() {
		header, _ := c.ComputeNext(context.Background())
		done <- header
	}()
	for len(builder.recorded()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateRecomputing {
		t.Errorf("expected recomputing during a build, got %s", c.State())
	}

	if _, err := c.SetParameters(Params{WorldID: "other", BuildDistance: 0}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	close(builder.gate)

	if header := <-done; header != nil {
		t.Errorf("stale build produced a header %+v", header)
	}
	if len(c.Geometries([]voxelmap.BlockCoord{chunk(0, 0)})) != 0 {
		t.Error("stale geometry was stored")
	}
	if !c.HasPending() {
		t.Error("cell should still be pending under the new parameters")
	}
}

func TestBatch(t *testing.T) {
	headers := make([]ChunkHeader, 7)
	tests := []struct {
		size int
		want []int
	}{
		{3, []int{3, 3, 1}},
		{7, []int{7}},
		{10, []int{7}},
		{0, []int{7}},
	}
	for _, tt := range tests {
		batches := Batch(headers, tt.size)
		if len(batches) != len(tt.want) {
			t.Errorf("size %d: expected %d batches, got %d", tt.size, len(tt.want), len(batches))
			continue
		}
		for i, b := range batches {
			if len(b) != tt.want[i] {
				t.Errorf("size %d: batch %d has %d headers, want %d", tt.size, i, len(b), tt.want[i])
			}
		}
	}
	if Batch(nil, 3) != nil {
		t.Error("expected no batches for no headers")
	}
}

func TestControllerWithMesher(t *testing.T) {
	store := testutil.NewFlatWorldStore("flat")
	factory := func(p Params) (CellBuilder, error) {
		world, err := voxelmap.NewWorld(store, p.WorldID, 64)
		if err != nil {
			return nil, err
		}
		return mesher.NewBuilder(world, testutil.NewStaticPackProvider()), nil
	}
	c := NewController(factory, Options{})
	if _, err := c.SetParameters(Params{WorldID: "flat", BuildDistance: 1}); err != nil {
		t.Fatalf("SetParameters: %v", err)
	}
	c.UpdatePosition(voxelmap.BlockCoord{X: 8, Z: 8})

	headers := c.ComputeMissing(context.Background(), -1, 0)
	if len(headers) != 5 {
		t.Fatalf("expected 5 cells, got %d", len(headers))
	}
	entries := c.Geometries([]voxelmap.BlockCoord{chunk(0, 0)})
	if len(entries) != 1 {
		t.Fatal("expected the centre chunk geometry")
	}
	sub := entries[0].Geometry.SubGeometries[testutil.TestPackID]
	if sub == nil || sub.QuadCount() != 256 {
		t.Errorf("expected 256 top faces for a flat chunk")
	}
}
