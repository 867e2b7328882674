// Package viewer is the consuming side of a streaming session. A Client tells
// the worker where the viewer is, pulls geometry for announced chunks and
// keeps a Sink in step with what should be on screen.
package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/taskqueue"
	"github.com/pilecraft/server/internal/voxelmap"
	"github.com/pilecraft/server/internal/worker"
	"github.com/pilecraft/server/internal/workerrpc"
)

const (
	DefaultVisibleDistance   = 7
	DefaultBuildMoreDistance = 2
	DefaultStaleAfter        = 10 * time.Second
)

// Sink receives chunk geometry for display.
type Sink interface {
	UpdateChunk(entry streaming.GeometryEntry)
	RemoveChunk(coord voxelmap.BlockCoord)
}

// Options configures a Client.
type Options struct {
	WorldID           string
	VisibleDistance   int
	BuildMoreDistance int
	TextureSize       *int
	// StaleAfter is how long a chunk may stay outside the visible distance
	// before it is removed from the sink.
	StaleAfter time.Duration
	// RetainMargin is how many chunks beyond the build distance the worker
	// keeps built cells. Defaults to streaming.DefaultEvictMargin.
	RetainMargin *int
	Sink         Sink
	Now          func() time.Time
}

type shownChunk struct {
	updatedOn  int64
	staleSince time.Time
}

// Client drives one worker session.
type Client struct {
	thread *workerrpc.Thread
	opts   Options
	queue  *taskqueue.Queue

	// Only touched from queue tasks.
	shown map[voxelmap.BlockCoord]*shownChunk
	// deferred holds chunks announced while out of view, by update time.
	deferred map[voxelmap.BlockCoord]int64
	position *voxelmap.BlockCoord
}

// New creates a client over thread and subscribes to its events.
func New(thread *workerrpc.Thread, opts Options) (*Client, error) {
	if opts.WorldID == "" {
		return nil, fmt.Errorf("world id is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if opts.VisibleDistance <= 0 {
		opts.VisibleDistance = DefaultVisibleDistance
	}
	if opts.BuildMoreDistance < 0 {
		opts.BuildMoreDistance = 0
	} else if opts.BuildMoreDistance == 0 {
		opts.BuildMoreDistance = DefaultBuildMoreDistance
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	retain := streaming.DefaultEvictMargin
	if opts.RetainMargin != nil {
		retain = max(*opts.RetainMargin, 0)
	}
	opts.RetainMargin = &retain

	c := &Client{
		thread: thread,
		opts:   opts,
		queue:  taskqueue.New("viewer"),
		shown:    make(map[voxelmap.BlockCoord]*shownChunk),
		deferred: make(map[voxelmap.BlockCoord]int64),
	}
	thread.OnEvent(c.onEvent)
	return c, nil
}

// BuildDistance is the radius the worker keeps computed.
func (c *Client) BuildDistance() int {
	return c.opts.VisibleDistance + c.opts.BuildMoreDistance
}

// Start sends the session parameters.
func (c *Client) Start(ctx context.Context) error {
	return c.thread.Post(ctx, &worker.ParamsMessage{
		Type:          worker.TypeParams,
		WorldID:       c.opts.WorldID,
		BuildDistance: c.BuildDistance(),
		TextureSize:   c.opts.TextureSize,
	})
}

// UpdatePosition reports the viewer position. Nothing is sent while the
// viewer stays in the same block.
func (c *Client) UpdatePosition(ctx context.Context, pos worker.Position) error {
	var postErr error
	err := c.queue.Do(ctx, func(taskCtx context.Context) {
		block := pos.Block()
		if c.position != nil && *c.position == block {
			return
		}
		c.position = &block
		postErr = c.thread.Post(ctx, &worker.PositionMessage{Type: worker.TypePosition, Coord: &pos})
		c.sweep()
		c.catchUp(ctx)
	})
	if err != nil {
		return err
	}
	return postErr
}

// Goto moves the viewer and waits for the visible chunks to be computed and
// shown. Farther chunks arrive later through updatedChunks events.
func (c *Client) Goto(ctx context.Context, pos worker.Position) (int, error) {
	visible := float64(c.opts.VisibleDistance)
	headers, err := workerrpc.Invoke[[]streaming.ChunkHeader](ctx, c.thread, worker.MethodGoto, worker.GotoRequest{
		Coord:           &pos,
		VisibleDistance: &visible,
	})
	if err != nil {
		return 0, fmt.Errorf("goto: %w", err)
	}

	shown := 0
	err = c.queue.Do(ctx, func(taskCtx context.Context) {
		block := pos.Block()
		c.position = &block
		c.sweep()
		shown = c.fetch(ctx, headers) + c.catchUp(ctx)
	})
	return shown, err
}

// Shown returns the number of chunks currently handed to the sink.
func (c *Client) Shown(ctx context.Context) (int, error) {
	n := 0
	err := c.queue.Do(ctx, func(context.Context) { n = len(c.shown) })
	return n, err
}

// Close stops the client. The thread stays open.
func (c *Client) Close() {
	c.queue.Close()
}

// onEvent runs on the thread's read goroutine, so the work is handed to the
// queue instead of calling back into the thread here.
func (c *Client) onEvent(payload json.RawMessage) {
	var msg worker.UpdatedChunksMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != worker.TypeUpdatedChunks {
		return
	}
	if err := c.queue.Push(func(ctx context.Context) {
		c.fetch(ctx, msg.Chunks)
	}); err != nil {
		log.Printf("[Viewer] Dropping %d updated chunks: %v", len(msg.Chunks), err)
	}
}

// fetch pulls geometry for visible headers that changed and hands it to the
// sink. It returns the number of chunks updated.
func (c *Client) fetch(ctx context.Context, headers []streaming.ChunkHeader) int {
	if c.position == nil {
		return 0
	}
	limit := float64(c.opts.VisibleDistance)
	var wanted []voxelmap.BlockCoord
	for _, h := range headers {
		known, ok := c.shown[h.Coord]
		if ok && known.updatedOn == h.UpdatedOn {
			delete(c.deferred, h.Coord)
			continue
		}
		if voxelmap.ChunkDistance(h.Coord, *c.position) > limit {
			c.deferred[h.Coord] = h.UpdatedOn
			continue
		}
		delete(c.deferred, h.Coord)
		wanted = append(wanted, h.Coord)
	}
	n, err := c.show(ctx, wanted)
	if err != nil {
		log.Printf("[Viewer] Failed to fetch %d geometries: %v", len(wanted), err)
	}
	return n
}

// catchUp fetches deferred chunks the viewer has since come close to and
// forgets those the worker no longer keeps.
func (c *Client) catchUp(ctx context.Context) int {
	if c.position == nil {
		return 0
	}
	limit := float64(c.opts.VisibleDistance)
	keep := float64(c.BuildDistance() + *c.opts.RetainMargin)
	var wanted []voxelmap.BlockCoord
	for coord, updatedOn := range c.deferred {
		d := voxelmap.ChunkDistance(coord, *c.position)
		if d > keep {
			delete(c.deferred, coord)
			continue
		}
		if d > limit {
			continue
		}
		if known, ok := c.shown[coord]; ok && known.updatedOn == updatedOn {
			delete(c.deferred, coord)
			continue
		}
		wanted = append(wanted, coord)
	}
	n, err := c.show(ctx, wanted)
	if err != nil {
		log.Printf("[Viewer] Failed to catch up on %d geometries: %v", len(wanted), err)
		return 0
	}
	// Chunks left out of the reply were evicted and are announced again once
	// rebuilt.
	for _, coord := range wanted {
		delete(c.deferred, coord)
	}
	return n
}

// show pulls geometry for coords and hands it to the sink.
func (c *Client) show(ctx context.Context, coords []voxelmap.BlockCoord) (int, error) {
	if len(coords) == 0 {
		return 0, nil
	}
	entries, err := workerrpc.Invoke[[]streaming.GeometryEntry](ctx, c.thread, worker.MethodGetGeometries, coords)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		c.shown[entry.Coord] = &shownChunk{updatedOn: entry.UpdatedOn}
		c.opts.Sink.UpdateChunk(entry)
	}
	return len(entries), nil
}

// sweep marks chunks outside the visible distance and removes those that
// stayed out longer than StaleAfter.
func (c *Client) sweep() {
	if c.position == nil {
		return
	}
	now := c.opts.Now()
	limit := float64(c.opts.VisibleDistance)
	for coord, chunk := range c.shown {
		if voxelmap.ChunkDistance(coord, *c.position) <= limit {
			chunk.staleSince = time.Time{}
			continue
		}
		if chunk.staleSince.IsZero() {
			chunk.staleSince = now
			continue
		}
		if now.Sub(chunk.staleSince) >= c.opts.StaleAfter {
			delete(c.shown, coord)
			c.deferred[coord] = chunk.updatedOn
			c.opts.Sink.RemoveChunk(coord)
		}
	}
}
