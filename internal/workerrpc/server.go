package workerrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/pilecraft/server/internal/taskqueue"
)

// HandlerFunc serves one method call. The returned value is JSON encoded as
// the call's resultValue.
type HandlerFunc func(ctx context.Context, arg json.RawMessage) (any, error)

// EventHandlerFunc receives every event sent by the calling side.
type EventHandlerFunc func(ctx context.Context, payload json.RawMessage)

// Executor runs dispatched messages. A taskqueue.Queue serialises them.
type Executor interface {
	Push(task taskqueue.Task) error
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Name string
	// Executor receives one task per inbound message, in channel order.
	// When nil every message runs on its own goroutine.
	Executor Executor
}

// Server is the compute side of a channel: it dispatches calls to named
// handlers and events to the event handler.
type Server struct {
	name string
	ch   Channel
	exec Executor

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	onEvent  EventHandlerFunc
}

// NewServer creates a server for ch. Handlers must be registered before Serve.
func NewServer(ch Channel, opts ServerOptions) *Server {
	if opts.Name == "" {
		opts.Name = "worker"
	}
	return &Server{
		name:     opts.Name,
		ch:       ch,
		exec:     opts.Executor,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for method, replacing any previous one.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleEvent registers the event handler.
func (s *Server) HandleEvent(h EventHandlerFunc) {
	s.mu.Lock()
	s.onEvent = h
	s.mu.Unlock()
}

// Emit sends an event to the calling side.
func (s *Server) Emit(ctx context.Context, event any) error {
	payload, err := marshalEvent(event)
	if err != nil {
		return err
	}
	return s.ch.Send(ctx, payload)
}

// Serve reads the channel until it closes or ctx ends. A closed channel is a
// normal shutdown and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	for {
		data, err := s.ch.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrClosed):
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return fmt.Errorf("%s receive: %w", s.name, err)
			}
		}

		msg, err := Decode(data)
		if err != nil {
			log.Printf("[RPC] %s: dropping malformed message: %v", s.name, err)
			continue
		}

		var task taskqueue.Task
		switch m := msg.(type) {
		case *MethodCall:
			task = s.callTask(ctx, m)
		case *Event:
			task = s.eventTask(m)
		case *MethodResult:
			log.Printf("[RPC] %s: ignoring result %s, this side issues no calls", s.name, m.ID)
			continue
		}
		if err := s.dispatch(ctx, task); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, task taskqueue.Task) error {
	if s.exec == nil {
		go task(ctx)
		return nil
	}
	if err := s.exec.Push(task); err != nil {
		return fmt.Errorf("%s dispatch: %w", s.name, err)
	}
	return nil
}

func (s *Server) callTask(serveCtx context.Context, call *MethodCall) taskqueue.Task {
	s.mu.RLock()
	handler, ok := s.handlers[call.MethodName]
	s.mu.RUnlock()

	return func(ctx context.Context) {
		result := &MethodResult{ID: call.ID, MethodName: call.MethodName}
		if !ok {
			result.Error = encodeError(fmt.Errorf("unknown method %q", call.MethodName))
		} else {
			value, err := s.invoke(ctx, handler, call)
			if err == nil {
				value, err = marshalValue(value)
			}
			if err != nil {
				result.Error = encodeError(err)
			} else if raw, _ := value.(json.RawMessage); raw != nil {
				result.ResultValue = raw
			} else {
				result.ResultValue = json.RawMessage("null")
			}
		}

		frame, err := Encode(result)
		if err != nil {
			log.Printf("[RPC] %s: failed to encode result of %s: %v", s.name, call.MethodName, err)
			return
		}
		if err := s.ch.Send(serveCtx, frame); err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("[RPC] %s: failed to send result of %s: %v", s.name, call.MethodName, err)
		}
	}
}

// invoke runs the handler, turning a panic into an error reply.
func (s *Server) invoke(ctx context.Context, handler HandlerFunc, call *MethodCall) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[RPC] %s: %s panicked: %v\n%s", s.name, call.MethodName, r, debug.Stack())
			err = fmt.Errorf("%s failed: internal error", call.MethodName)
		}
	}()
	return handler(ctx, call.Arg)
}

func (s *Server) eventTask(event *Event) taskqueue.Task {
	s.mu.RLock()
	handler := s.onEvent
	s.mu.RUnlock()

	return func(ctx context.Context) {
		if handler == nil {
			return
		}
		handler(ctx, event.Payload)
	}
}
