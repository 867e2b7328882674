package compression

import (
	"encoding/base64"
	"fmt"

	"github.com/pilecraft/server/internal/mesher"
)

// Wire names of the supported formats.
const (
	FormatGzip = "binary_gzip"
	FormatZstd = "binary_zstd"
)

// CompressedGeometry represents compressed geometry data ready for transmission
type CompressedGeometry struct {
	Format           string `json:"format"`           // "binary_gzip" or "binary_zstd"
	Data             string `json:"data"`             // Base64-encoded compressed data
	Size             int    `json:"size"`             // Compressed size in bytes
	UncompressedSize int    `json:"uncompressedSize"` // Size of the binary layout before compression
	TextureURL       string `json:"textureImageUrl"`
}

// ParseFormat normalises a format name. The empty string selects gzip.
func ParseFormat(name string) (string, error) {
	switch name {
	case "", "gzip", FormatGzip:
		return FormatGzip, nil
	case "zstd", FormatZstd:
		return FormatZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression format %q", name)
	}
}

// FormatCompressedGeometry formats compressed geometry data for JSON transmission
func FormatCompressedGeometry(compressedData []byte, uncompressedSize int, format string) (*CompressedGeometry, error) {
	format, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	return &CompressedGeometry{
		Format:           format,
		Data:             base64.StdEncoding.EncodeToString(compressedData),
		Size:             len(compressedData),
		UncompressedSize: uncompressedSize,
	}, nil
}

// CompressChunkGeometry compresses every pack group of a chunk.
func CompressChunkGeometry(geometry *mesher.ChunkGeometry, format string) (map[string]*CompressedGeometry, error) {
	if geometry == nil {
		return nil, fmt.Errorf("geometry is nil")
	}
	result := make(map[string]*CompressedGeometry, len(geometry.SubGeometries))
	for _, packID := range geometry.PackIDs() {
		sub := geometry.SubGeometries[packID]
		data, size, err := CompressSubGeometry(sub, format)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", packID, err)
		}
		formatted, err := FormatCompressedGeometry(data, size, format)
		if err != nil {
			return nil, err
		}
		formatted.TextureURL = sub.TextureURL
		result[packID] = formatted
	}
	return result, nil
}

// DecodeCompressedGeometry decodes a transmitted group back into a SubGeometry.
func DecodeCompressedGeometry(c *CompressedGeometry) (*mesher.SubGeometry, error) {
	if c == nil {
		return nil, fmt.Errorf("compressed geometry is nil")
	}
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	sub, err := DecompressSubGeometry(data, c.Format)
	if err != nil {
		return nil, err
	}
	sub.TextureURL = c.TextureURL
	return sub, nil
}

// EstimateUncompressedSize estimates the JSON size of a SubGeometry.
func EstimateUncompressedSize(sub *mesher.SubGeometry) int {
	if sub == nil {
		return 0
	}

	// Rough per-number cost of the JSON encoding, including separators.
	const floatSize, indexSize = 8, 5
	baseSize := (len(sub.Vertices)+len(sub.UVs))*floatSize + len(sub.TriangleIndices)*indexSize
	overhead := baseSize / 10 // 10% overhead

	return baseSize + overhead + len(sub.TextureURL)
}
