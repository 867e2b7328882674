package workerrpc

import (
	"context"
	"sync"
)

// Channel is an ordered, bidirectional frame transport.
// Send may be called concurrently; Receive has a single caller.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory channel ends. Frames sent on one end
// are received in order on the other. Closing either end closes both.
func Pipe(buffer int) (Channel, Channel) {
	if buffer <= 0 {
		buffer = 256
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: shared}, &pipeEnd{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case p.out <- frame:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Frames already buffered are delivered before the close is reported.
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
