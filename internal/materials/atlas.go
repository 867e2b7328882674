package materials

import (
	"fmt"
	"sync"
)

// atlasInset keeps samples one pixel inside each tile to avoid bleeding.
const atlasInset = 1

// AtlasRect is the pixel rectangle of one texture inside an atlas image.
type AtlasRect struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Atlas is a packed texture image and the location of each texture in it.
type Atlas struct {
	ImageURL string               `json:"imageUrl" yaml:"imageUrl"`
	Textures map[string]AtlasRect `json:"textures" yaml:"textures"`
}

// UVRect is a texture region in normalised atlas space.
type UVRect struct {
	U0 float32 `json:"u0"`
	V0 float32 `json:"v0"`
	U1 float32 `json:"u1"`
	V1 float32 `json:"v1"`
}

// FaceUVs holds the atlas region of each block face.
type FaceUVs struct {
	Top    UVRect `json:"top"`
	Bottom UVRect `json:"bottom"`
	Left   UVRect `json:"left"`
	Right  UVRect `json:"right"`
	Front  UVRect `json:"front"`
	Back   UVRect `json:"back"`
}

// TextureUVs converts the pixel rectangles into normalised UV rectangles.
// V is flipped so that v = 0 is the bottom row of the image.
func (a *Atlas) TextureUVs() map[string]UVRect {
	maxX, maxY := 0, 0
	for _, r := range a.Textures {
		maxX = max(maxX, r.X+r.Width-1)
		maxY = max(maxY, r.Y+r.Height-1)
	}
	if maxX == 0 {
		maxX = 1
	}
	if maxY == 0 {
		maxY = 1
	}

	uvs := make(map[string]UVRect, len(a.Textures))
	for name, r := range a.Textures {
		x1 := r.X + atlasInset
		x2 := r.X + r.Width - 1 - atlasInset
		y1 := r.Y + r.Height - 1 - atlasInset
		y2 := r.Y + atlasInset
		uvs[name] = UVRect{
			U0: float32(x1) / float32(maxX),
			V0: 1 - float32(y1)/float32(maxY),
			U1: float32(x2) / float32(maxX),
			V1: 1 - float32(y2)/float32(maxY),
		}
	}
	return uvs
}

// PackInfo combines a pack with its atlas and answers per-material UV lookups.
type PackInfo struct {
	PackID        string
	AtlasImageURL string
	Pack          *Pack

	textures map[string]UVRect

	mu        sync.Mutex
	materials map[string]FaceUVs
}

// NewPackInfo validates that every texture used by the pack is present in the atlas.
func NewPackInfo(pack *Pack, atlas *Atlas) (*PackInfo, error) {
	if pack == nil || atlas == nil {
		return nil, fmt.Errorf("pack and atlas are required")
	}
	textures := atlas.TextureUVs()
	names, err := pack.Textures()
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", pack.ID, err)
	}
	for _, name := range names {
		if _, ok := textures[name]; !ok {
			return nil, fmt.Errorf("pack %s: texture %q not found in atlas", pack.ID, name)
		}
	}
	return &PackInfo{
		PackID:        pack.ID,
		AtlasImageURL: atlas.ImageURL,
		Pack:          pack,
		textures:      textures,
		materials:     make(map[string]FaceUVs),
	}, nil
}

// UVs returns the per-face atlas regions of a material.
func (p *PackInfo) UVs(materialID string) (FaceUVs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uvs, ok := p.materials[materialID]; ok {
		return uvs, nil
	}

	material, err := p.Pack.Material(materialID)
	if err != nil {
		return FaceUVs{}, err
	}
	faces, err := material.Faces()
	if err != nil {
		return FaceUVs{}, err
	}
	uvs := FaceUVs{
		Top:    p.textures[faces.Top],
		Bottom: p.textures[faces.Bottom],
		Left:   p.textures[faces.Left],
		Right:  p.textures[faces.Right],
		Front:  p.textures[faces.Front],
		Back:   p.textures[faces.Back],
	}
	p.materials[materialID] = uvs
	return uvs, nil
}
