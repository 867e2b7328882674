package worker

import (
	"encoding/json"
	"fmt"

	"github.com/pilecraft/server/internal/compression"
	"github.com/pilecraft/server/internal/streaming"
	"github.com/pilecraft/server/internal/voxelmap"
)

// Event type tags.
const (
	TypeParams        = "params"
	TypePosition      = "position"
	TypeUpdatedChunks = "updatedChunks"
)

// Method names served by the worker.
const (
	MethodGoto                    = "goto"
	MethodGetGeometries           = "getGeometries"
	MethodGetCompressedGeometries = "getCompressedGeometries"
	MethodGetStats                = "getStats"
)

// maxCoordsPerCall bounds coordinate lists of a single call.
const maxCoordsPerCall = 1024

// Position is a continuous block-space position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Block floors the position to the block containing it.
func (p Position) Block() voxelmap.BlockCoord {
	return voxelmap.NewBlockCoord(p.X, p.Y, p.Z)
}

// Input is an event sent to the worker: *ParamsMessage or *PositionMessage.
type Input interface {
	inputType() string
}

// ParamsMessage selects the world and resets the cache.
type ParamsMessage struct {
	Type          string `json:"type"`
	WorldID       string `json:"worldId" validate:"required,max=128"`
	BuildDistance int    `json:"buildDistance" validate:"min=0,max=64"`
	TextureSize   *int   `json:"textureSize,omitempty" validate:"omitempty,min=1,max=4096"`
}

func (*ParamsMessage) inputType() string { return TypeParams }

// Params converts the message to controller parameters.
func (m *ParamsMessage) Params() streaming.Params {
	return streaming.Params{
		WorldID:       m.WorldID,
		BuildDistance: m.BuildDistance,
		TextureSize:   m.TextureSize,
	}
}

// PositionMessage moves the viewer.
type PositionMessage struct {
	Type  string    `json:"type"`
	Coord *Position `json:"coord" validate:"required"`
}

func (*PositionMessage) inputType() string { return TypePosition }

// UpdatedChunksMessage announces chunks computed in the background.
type UpdatedChunksMessage struct {
	Type   string                  `json:"type"`
	Chunks []streaming.ChunkHeader `json:"chunks"`
}

// NewUpdatedChunks wraps a batch of headers.
func NewUpdatedChunks(headers []streaming.ChunkHeader) *UpdatedChunksMessage {
	return &UpdatedChunksMessage{Type: TypeUpdatedChunks, Chunks: headers}
}

// GotoRequest is the argument of the goto call. Without a visible distance
// every missing cell is computed before the call returns.
type GotoRequest struct {
	Coord           *Position `json:"coord" validate:"required"`
	VisibleDistance *float64  `json:"visibleDistance,omitempty" validate:"omitempty,min=0"`
}

// CompressedGeometriesRequest is the argument of getCompressedGeometries.
type CompressedGeometriesRequest struct {
	Coords []voxelmap.BlockCoord `json:"coords" validate:"max=1024"`
	Format string                `json:"format,omitempty" validate:"omitempty,oneof=gzip zstd binary_gzip binary_zstd"`
}

// CompressedEntry is one chunk of a getCompressedGeometries result.
type CompressedEntry struct {
	Coord     voxelmap.BlockCoord                        `json:"coord"`
	UpdatedOn int64                                      `json:"updatedOn"`
	Packs     map[string]*compression.CompressedGeometry `json:"packs"`
}

// DecodeInput parses and validates an inbound event.
func (w *Worker) DecodeInput(payload json.RawMessage) (Input, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, &ValidationError{Message: "malformed event", Err: err}
	}

	var msg Input
	switch head.Type {
	case TypeParams:
		msg = &ParamsMessage{}
	case TypePosition:
		msg = &PositionMessage{}
	case "":
		return nil, &ValidationError{Message: "event type is required"}
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("unknown event type %q", head.Type)}
	}

	if err := w.decode(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// decode unmarshals payload into v and validates it.
func (w *Worker) decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &ValidationError{Message: "argument is required"}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Message: "malformed argument", Err: err}
	}
	if err := w.validate.Struct(v); err != nil {
		return newValidationError(err)
	}
	return nil
}
