package workerrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned once the channel or thread has shut down.
	ErrClosed = errors.New("rpc channel closed")
	// ErrTimeout matches every *TimeoutError via errors.Is.
	ErrTimeout = errors.New("rpc call timed out")
)

// RemoteCallError carries the error payload returned by the remote side.
type RemoteCallError struct {
	Method  string
	Payload json.RawMessage
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s failed: %s", e.Method, string(e.Payload))
}

// Message extracts the "message" field of the payload when present.
func (e *RemoteCallError) Message() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return string(e.Payload)
}

// TimeoutError is returned when no result arrives within the call timeout.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote call %s timed out after %v", e.Method, e.After)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// errorPayload is the wire shape of a failed call.
type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Coder is implemented by errors that expose a machine-readable code.
type Coder interface {
	Code() string
}

func encodeError(err error) json.RawMessage {
	payload := errorPayload{Message: err.Error()}
	var coder Coder
	if errors.As(err, &coder) {
		payload.Code = coder.Code()
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return json.RawMessage(`{"message":"unserializable error"}`)
	}
	return data
}
