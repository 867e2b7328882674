package testutil

import (
	"context"
	"fmt"

	"github.com/pilecraft/server/internal/materials"
)

// TestAtlasURL is the atlas image URL of the fixture pack.
const TestAtlasURL = "/atlas/base.png"

// TestPack returns the fixture pack: homogene stone (default) and prismatic grass.
func TestPack() *materials.Pack {
	return &materials.Pack{
		ID:                TestPackID,
		DefaultMaterialID: "stone",
		Materials: []materials.Material{
			{Type: materials.KindHomogene, ID: "stone", Texture: "stone"},
			{Type: materials.KindPrismatic, ID: "grass", TopTexture: "grass_top", SideTexture: "grass_side", BottomTexture: "dirt"},
		},
	}
}

// TestAtlas returns a 64x16 atlas holding the fixture pack's four textures.
func TestAtlas() *materials.Atlas {
	return &materials.Atlas{
		ImageURL: TestAtlasURL,
		Textures: map[string]materials.AtlasRect{
			"stone":      {X: 0, Y: 0, Width: 16, Height: 16},
			"grass_top":  {X: 16, Y: 0, Width: 16, Height: 16},
			"grass_side": {X: 32, Y: 0, Width: 16, Height: 16},
			"dirt":       {X: 48, Y: 0, Width: 16, Height: 16},
		},
	}
}

// StaticPackProvider serves fixed pack infos.
type StaticPackProvider struct {
	infos map[string]*materials.PackInfo
}

// NewStaticPackProvider builds a provider that knows the fixture pack.
func NewStaticPackProvider() *StaticPackProvider {
	info, err := materials.NewPackInfo(TestPack(), TestAtlas())
	if err != nil {
		panic(err)
	}
	return &StaticPackProvider{infos: map[string]*materials.PackInfo{TestPackID: info}}
}

// GetPackInfo implements materials.PackInfoProvider.
func (p *StaticPackProvider) GetPackInfo(ctx context.Context, packID string) (*materials.PackInfo, error) {
	info, ok := p.infos[packID]
	if !ok {
		return nil, fmt.Errorf("pack %s: %w", packID, materials.ErrPackNotFound)
	}
	return info, nil
}

// StaticSource is a materials.Source over the fixture pack.
type StaticSource struct{}

// GetPack implements materials.Source.
func (StaticSource) GetPack(ctx context.Context, packID string) (*materials.Pack, error) {
	if packID != TestPackID {
		return nil, materials.ErrPackNotFound
	}
	return TestPack(), nil
}

// GetAtlas implements materials.Source.
func (StaticSource) GetAtlas(ctx context.Context, packID string, textureSize *int) (*materials.Atlas, error) {
	if packID != TestPackID {
		return nil, materials.ErrPackNotFound
	}
	atlas := TestAtlas()
	if textureSize != nil {
		atlas.ImageURL = fmt.Sprintf("%s?size=%d", atlas.ImageURL, *textureSize)
	}
	return atlas, nil
}
