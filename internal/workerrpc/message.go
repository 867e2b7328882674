// Package workerrpc implements request/response calls and fire-and-forget
// events between two contexts joined by an ordered message channel.
//
// Calls travel as {"methodCall":{...}} and are answered with
// {"methodResult":{...}}; any other JSON object is an event.
package workerrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message is one decoded frame: *MethodCall, *MethodResult or *Event.
type Message interface {
	isMessage()
}

// MethodCall asks the remote side to run a method.
type MethodCall struct {
	ID         string          `json:"id"`
	MethodName string          `json:"methodName"`
	Arg        json.RawMessage `json:"arg,omitempty"`
}

// MethodResult answers a MethodCall. Exactly one of ResultValue and Error is meaningful;
// a present, non-null Error marks a failed call.
type MethodResult struct {
	ID          string          `json:"id"`
	MethodName  string          `json:"methodName"`
	ResultValue json.RawMessage `json:"resultValue,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Failed reports whether the result carries an error payload.
func (r *MethodResult) Failed() bool {
	return len(r.Error) > 0 && !bytes.Equal(bytes.TrimSpace(r.Error), []byte("null"))
}

// Event is an application message outside the call protocol.
type Event struct {
	Payload json.RawMessage
}

func (*MethodCall) isMessage()   {}
func (*MethodResult) isMessage() {}
func (*Event) isMessage()        {}

type envelope struct {
	MethodCall   *MethodCall   `json:"methodCall,omitempty"`
	MethodResult *MethodResult `json:"methodResult,omitempty"`
}

// Encode serialises a message to its wire form.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *MethodCall:
		return json.Marshal(envelope{MethodCall: msg})
	case *MethodResult:
		return json.Marshal(envelope{MethodResult: msg})
	case *Event:
		if !json.Valid(msg.Payload) {
			return nil, fmt.Errorf("event payload is not valid JSON")
		}
		return msg.Payload, nil
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
}

// Decode classifies a wire frame. Frames that are not JSON objects are rejected.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("invalid message: null")
	}

	if raw, ok := fields["methodCall"]; ok {
		var call MethodCall
		if err := json.Unmarshal(raw, &call); err != nil {
			return nil, fmt.Errorf("invalid methodCall: %w", err)
		}
		if call.ID == "" || call.MethodName == "" {
			return nil, fmt.Errorf("invalid methodCall: id and methodName are required")
		}
		return &call, nil
	}
	if raw, ok := fields["methodResult"]; ok {
		var result MethodResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("invalid methodResult: %w", err)
		}
		if result.ID == "" {
			return nil, fmt.Errorf("invalid methodResult: id is required")
		}
		return &result, nil
	}
	return &Event{Payload: json.RawMessage(data)}, nil
}
