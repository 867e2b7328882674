package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/pilecraft/server/internal/mesher"
)

const (
	// Magic number for chunk geometry format
	GeometryMagic = "CHNK"
	// Current format version
	GeometryVersion = 1
	// Gzip compression level (balance between size and speed)
	DefaultGzipLevel = 6
)

// Quantization steps. Vertices are chunk-local block corners and UVs are
// normalised atlas coordinates.
const (
	QuantizationPosition = 0.01
	QuantizationUV       = 1.0 / 65535.0
)

// Bit flags of GeometryHeader.FormatFlags.
const (
	flag32BitIndices = 0x01
)

// GeometryHeader represents the binary format header
type GeometryHeader struct {
	Magic       [4]byte // "CHNK"
	Version     uint8
	FormatFlags uint8 // bit 0: 32-bit indices
	_           [2]byte
	VertexCount uint32
	IndexCount  uint32
}

// QuantizedVertex is a vertex position in QuantizationPosition steps.
type QuantizedVertex struct {
	X, Y, Z int32
}

// CompressSubGeometry encodes sub to the binary layout and compresses it.
// It returns the compressed bytes and the size of the uncompressed layout.
func CompressSubGeometry(sub *mesher.SubGeometry, format string) ([]byte, int, error) {
	if sub == nil {
		return nil, 0, fmt.Errorf("geometry is nil")
	}
	format, err := ParseFormat(format)
	if err != nil {
		return nil, 0, err
	}

	vertices, err := quantizeVertices(sub.Vertices)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to quantize vertices: %w", err)
	}
	if len(sub.UVs) != len(vertices)*2 {
		return nil, 0, fmt.Errorf("expected %d uv values, got %d", len(vertices)*2, len(sub.UVs))
	}

	binaryData, err := encodeToBinary(vertices, sub.TriangleIndices, sub.UVs)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode to binary: %w", err)
	}

	var compressed []byte
	switch format {
	case FormatZstd:
		compressed, err = zstdCompress(binaryData)
	default:
		compressed, err = gzipCompress(binaryData, DefaultGzipLevel)
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, len(binaryData), nil
}

// DecompressSubGeometry reverses CompressSubGeometry. The texture URL is not
// part of the binary layout and is left empty.
func DecompressSubGeometry(data []byte, format string) (*mesher.SubGeometry, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	var raw []byte
	switch format {
	case FormatZstd:
		raw, err = zstdDecompress(data)
	default:
		raw, err = gzipDecompress(data)
	}
	if err != nil {
		return nil, err
	}
	return decodeFromBinary(raw)
}

// quantizeVertices rounds xyz triples to QuantizationPosition steps.
func quantizeVertices(flat []float32) ([]QuantizedVertex, error) {
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("vertex buffer length %d is not a multiple of 3", len(flat))
	}
	quantized := make([]QuantizedVertex, len(flat)/3)
	for i := range quantized {
		x, y, z := flat[i*3], flat[i*3+1], flat[i*3+2]
		quantized[i] = QuantizedVertex{
			X: int32(math.Round(float64(x) / QuantizationPosition)),
			Y: int32(math.Round(float64(y) / QuantizationPosition)),
			Z: int32(math.Round(float64(z) / QuantizationPosition)),
		}
	}
	return quantized, nil
}

func quantizeUV(v float32) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return math.MaxUint16
	}
	return uint16(math.Round(float64(v) / QuantizationUV))
}

// encodeToBinary writes the header, vertices, indices and uvs.
func encodeToBinary(vertices []QuantizedVertex, indices []uint32, uvs []float32) ([]byte, error) {
	var buf bytes.Buffer

	header := GeometryHeader{
		Version:     GeometryVersion,
		VertexCount: uint32(len(vertices)),
		IndexCount:  uint32(len(indices)),
	}
	copy(header.Magic[:], GeometryMagic)

	use32BitIndices := len(vertices) > math.MaxUint16
	if use32BitIndices {
		header.FormatFlags |= flag32BitIndices
	}

	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, vertices); err != nil {
		return nil, fmt.Errorf("failed to write vertices: %w", err)
	}

	if use32BitIndices {
		if err := binary.Write(&buf, binary.LittleEndian, indices); err != nil {
			return nil, fmt.Errorf("failed to write 32-bit indices: %w", err)
		}
	} else {
		short := make([]uint16, len(indices))
		for i, idx := range indices {
			if idx > math.MaxUint16 {
				return nil, fmt.Errorf("index %d exceeds 16-bit limit", idx)
			}
			short[i] = uint16(idx)
		}
		if err := binary.Write(&buf, binary.LittleEndian, short); err != nil {
			return nil, fmt.Errorf("failed to write 16-bit indices: %w", err)
		}
	}

	quantizedUVs := make([]uint16, len(uvs))
	for i, v := range uvs {
		quantizedUVs[i] = quantizeUV(v)
	}
	if err := binary.Write(&buf, binary.LittleEndian, quantizedUVs); err != nil {
		return nil, fmt.Errorf("failed to write uvs: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeFromBinary(data []byte) (*mesher.SubGeometry, error) {
	r := bytes.NewReader(data)

	var header GeometryHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header.Magic[:]) != GeometryMagic {
		return nil, fmt.Errorf("invalid magic %q", header.Magic[:])
	}
	if header.Version != GeometryVersion {
		return nil, fmt.Errorf("unsupported geometry version %d", header.Version)
	}

	remaining := int64(r.Len())
	indexSize := int64(2)
	if header.FormatFlags&flag32BitIndices != 0 {
		indexSize = 4
	}
	want := int64(header.VertexCount)*12 + int64(header.IndexCount)*indexSize + int64(header.VertexCount)*4
	if remaining != want {
		return nil, fmt.Errorf("payload has %d bytes, header describes %d", remaining, want)
	}

	vertices := make([]QuantizedVertex, header.VertexCount)
	if err := binary.Read(r, binary.LittleEndian, vertices); err != nil {
		return nil, fmt.Errorf("failed to read vertices: %w", err)
	}

	sub := &mesher.SubGeometry{
		Vertices:        make([]float32, 0, len(vertices)*3),
		TriangleIndices: make([]uint32, header.IndexCount),
		UVs:             make([]float32, header.VertexCount*2),
	}
	for _, v := range vertices {
		sub.Vertices = append(sub.Vertices,
			float32(float64(v.X)*QuantizationPosition),
			float32(float64(v.Y)*QuantizationPosition),
			float32(float64(v.Z)*QuantizationPosition),
		)
	}

	if indexSize == 4 {
		if err := binary.Read(r, binary.LittleEndian, sub.TriangleIndices); err != nil {
			return nil, fmt.Errorf("failed to read indices: %w", err)
		}
	} else {
		short := make([]uint16, header.IndexCount)
		if err := binary.Read(r, binary.LittleEndian, short); err != nil {
			return nil, fmt.Errorf("failed to read indices: %w", err)
		}
		for i, idx := range short {
			sub.TriangleIndices[i] = uint32(idx)
		}
	}

	quantizedUVs := make([]uint16, header.VertexCount*2)
	if err := binary.Read(r, binary.LittleEndian, quantizedUVs); err != nil {
		return nil, fmt.Errorf("failed to read uvs: %w", err)
	}
	for i, q := range quantizedUVs {
		sub.UVs[i] = float32(float64(q) * QuantizationUV)
	}
	return sub, nil
}

// gzipCompress compresses data using gzip
func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to gzip: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip stream: %w", err)
	}
	return raw, nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCodecs returns shared stateless codecs; EncodeAll and DecodeAll are
// safe for concurrent use.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode zstd stream: %w", err)
	}
	return raw, nil
}
