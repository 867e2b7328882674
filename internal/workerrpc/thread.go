package workerrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultCallTimeout bounds a call when Options.CallTimeout is zero.
	DefaultCallTimeout = 15 * time.Second

	// expiredMemory is how many timed-out call ids are remembered so that a
	// late result can be told apart from an unknown one.
	expiredMemory = 1024
)

// Options configures a Thread.
type Options struct {
	Name        string
	CallTimeout time.Duration
}

type outcome struct {
	value json.RawMessage
	err   error
}

type pendingCall struct {
	method string
	result chan outcome
}

// Thread is the calling side of a channel. It correlates results with calls
// and forwards everything else to event listeners.
type Thread struct {
	name    string
	ch      Channel
	timeout time.Duration

	mu             sync.Mutex
	pending        map[string]*pendingCall
	closed         bool
	eventListeners []func(json.RawMessage)
	errorListeners []func(error)

	expired *lru.Cache

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewThread starts reading ch. The thread owns ch from now on.
func NewThread(ch Channel, opts Options) *Thread {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	expired, err := lru.New(expiredMemory)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		name:    opts.Name,
		ch:      ch,
		timeout: opts.CallTimeout,
		pending: make(map[string]*pendingCall),
		expired: expired,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Call invokes method on the remote side and waits for its result.
//
// The call ends with exactly one of: the remote result, a *RemoteCallError,
// a *TimeoutError after the configured timeout, ctx.Err(), or ErrClosed.
// Cancelling ctx only abandons the call locally; the remote side keeps working.
func (t *Thread) Call(ctx context.Context, method string, arg any) (json.RawMessage, error) {
	rawArg, err := marshalValue(arg)
	if err != nil {
		return nil, fmt.Errorf("encode argument of %s: %w", method, err)
	}

	id := uuid.NewString()
	call := &pendingCall{method: method, result: make(chan outcome, 1)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = call
	t.mu.Unlock()

	frame, err := Encode(&MethodCall{ID: id, MethodName: method, Arg: rawArg})
	if err != nil {
		t.take(id)
		return nil, err
	}
	if err := t.ch.Send(ctx, frame); err != nil {
		if t.take(id) != nil {
			return nil, fmt.Errorf("send %s: %w", method, err)
		}
		out := <-call.result
		return out.value, out.err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case out := <-call.result:
		return out.value, out.err
	case <-timer.C:
		if t.expire(id) {
			return nil, &TimeoutError{Method: method, After: t.timeout}
		}
	case <-ctx.Done():
		if t.expire(id) {
			return nil, ctx.Err()
		}
	}
	// The result was delivered while the timer or ctx fired.
	out := <-call.result
	return out.value, out.err
}

// Invoke calls method and decodes its result into T.
func Invoke[T any](ctx context.Context, t *Thread, method string, arg any) (T, error) {
	var out T
	raw, err := t.Call(ctx, method, arg)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of %s: %w", method, err)
	}
	return out, nil
}

// Post sends an event. It does not wait for any answer.
func (t *Thread) Post(ctx context.Context, event any) error {
	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}
	return t.ch.Send(ctx, payload)
}

// OnEvent registers fn for every non-call message. Listeners run on the read
// goroutine and must not block on Call.
func (t *Thread) OnEvent(fn func(payload json.RawMessage)) {
	t.mu.Lock()
	t.eventListeners = append(t.eventListeners, fn)
	t.mu.Unlock()
}

// OnError registers fn for transport errors and malformed frames.
func (t *Thread) OnError(fn func(err error)) {
	t.mu.Lock()
	t.errorListeners = append(t.errorListeners, fn)
	t.mu.Unlock()
}

// Pending reports the number of calls awaiting a result.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Done is closed once the read loop has stopped.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Close shuts the channel down and fails every pending call with ErrClosed.
func (t *Thread) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.cancel()
		err = t.ch.Close()
		t.failPending(ErrClosed)
	})
	<-t.done
	return err
}

func (t *Thread) readLoop() {
	defer close(t.done)
	for {
		data, err := t.ch.Receive(t.ctx)
		if err != nil {
			if !t.isClosed() {
				t.emitError(fmt.Errorf("%s channel: %w", t.name, err))
			}
			t.mu.Lock()
			t.closed = true
			t.mu.Unlock()
			t.failPending(ErrClosed)
			return
		}

		msg, err := Decode(data)
		if err != nil {
			t.emitError(err)
			continue
		}
		switch m := msg.(type) {
		case *MethodResult:
			t.resolve(m)
		case *Event:
			t.emitEvent(m.Payload)
		case *MethodCall:
			log.Printf("[RPC] %s: ignoring call %s from the remote side", t.name, m.MethodName)
		}
	}
}

func (t *Thread) resolve(result *MethodResult) {
	call := t.take(result.ID)
	if call == nil {
		if method, ok := t.expired.Get(result.ID); ok {
			t.expired.Remove(result.ID)
			log.Printf("[RPC] %s: discarding late result for %v (id %s)", t.name, method, result.ID)
			return
		}
		log.Printf("[RPC] WARNING: %s: result for unknown call id %s (%s)", t.name, result.ID, result.MethodName)
		return
	}

	if result.Failed() {
		call.result <- outcome{err: &RemoteCallError{Method: call.method, Payload: result.Error}}
		return
	}
	call.result <- outcome{value: result.ResultValue}
}

// take removes and returns the pending entry for id. Whoever takes the entry
// is the only one allowed to deliver its outcome.
func (t *Thread) take(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return call
}

// expire takes the entry on behalf of a timeout or cancellation and
// remembers its id for late-result logging.
func (t *Thread) expire(id string) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	t.expired.Add(id, call.method)
	return true
}

func (t *Thread) failPending(err error) {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[string]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.result <- outcome{err: err}
	}
}

func (t *Thread) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Thread) emitEvent(payload json.RawMessage) {
	t.mu.Lock()
	listeners := append(([]func(json.RawMessage))(nil), t.eventListeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(payload)
	}
}

func (t *Thread) emitError(err error) {
	t.mu.Lock()
	listeners := append(([]func(error))(nil), t.errorListeners...)
	t.mu.Unlock()
	if len(listeners) == 0 {
		log.Printf("[RPC] %s: %v", t.name, err)
		return
	}
	for _, fn := range listeners {
		fn(err)
	}
}

func marshalValue(v any) (json.RawMessage, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return raw, nil
	}
	return json.Marshal(v)
}

// marshalEvent encodes an event payload. Events must be JSON objects that
// cannot be mistaken for calls or results.
func marshalEvent(event any) ([]byte, error) {
	payload, err := marshalValue(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	msg, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if _, ok := msg.(*Event); !ok {
		return nil, errors.New("encode event: payload uses a reserved call key")
	}
	return payload, nil
}
