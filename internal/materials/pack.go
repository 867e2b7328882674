package materials

import (
	"errors"
	"fmt"
)

// Material kinds
const (
	KindHomogene  = "homogene"
	KindPrismatic = "prismatic"
	KindDetailed  = "detailed"
)

var (
	// ErrUnknownMaterial is returned when a material id (and the pack default) is missing.
	ErrUnknownMaterial = errors.New("unknown material")
	// ErrPackNotFound is returned by sources that have no pack with the requested id.
	ErrPackNotFound = errors.New("material pack not found")
)

// Material describes which atlas textures cover the faces of a block.
// Homogene materials use Texture everywhere, prismatic ones split top, side
// and bottom, and detailed ones name every face.
type Material struct {
	Type          string `json:"type" yaml:"type"`
	ID            string `json:"id" yaml:"id"`
	Texture       string `json:"texture,omitempty" yaml:"texture,omitempty"`
	TopTexture    string `json:"topTexture,omitempty" yaml:"top,omitempty"`
	SideTexture   string `json:"sideTexture,omitempty" yaml:"side,omitempty"`
	BottomTexture string `json:"bottomTexture,omitempty" yaml:"bottom,omitempty"`
	LeftTexture   string `json:"leftTexture,omitempty" yaml:"left,omitempty"`
	RightTexture  string `json:"rightTexture,omitempty" yaml:"right,omitempty"`
	FrontTexture  string `json:"frontTexture,omitempty" yaml:"front,omitempty"`
	BackTexture   string `json:"backTexture,omitempty" yaml:"back,omitempty"`
}

// FaceTextures names the texture of each block face.
type FaceTextures struct {
	Top, Bottom, Left, Right, Front, Back string
}

// Faces resolves the per-face texture names for the material kind.
func (m *Material) Faces() (FaceTextures, error) {
	switch m.Type {
	case KindHomogene, "":
		if m.Texture == "" {
			return FaceTextures{}, fmt.Errorf("material %s: texture is required", m.ID)
		}
		t := m.Texture
		return FaceTextures{Top: t, Bottom: t, Left: t, Right: t, Front: t, Back: t}, nil
	case KindPrismatic:
		if m.TopTexture == "" || m.SideTexture == "" || m.BottomTexture == "" {
			return FaceTextures{}, fmt.Errorf("material %s: top, side and bottom textures are required", m.ID)
		}
		s := m.SideTexture
		return FaceTextures{Top: m.TopTexture, Bottom: m.BottomTexture, Left: s, Right: s, Front: s, Back: s}, nil
	case KindDetailed:
		f := FaceTextures{
			Top: m.TopTexture, Bottom: m.BottomTexture,
			Left: m.LeftTexture, Right: m.RightTexture,
			Front: m.FrontTexture, Back: m.BackTexture,
		}
		for _, name := range []string{f.Top, f.Bottom, f.Left, f.Right, f.Front, f.Back} {
			if name == "" {
				return FaceTextures{}, fmt.Errorf("material %s: every face texture is required", m.ID)
			}
		}
		return f, nil
	default:
		return FaceTextures{}, fmt.Errorf("material %s: unknown type %q", m.ID, m.Type)
	}
}

// Pack is a named set of block materials sharing one texture atlas.
type Pack struct {
	ID                string     `json:"id" yaml:"id"`
	DefaultMaterialID string     `json:"defaultMaterialId" yaml:"defaultMaterial"`
	Materials         []Material `json:"materials" yaml:"materials"`
}

// Material returns the material with the given id, falling back to the
// pack default when the id is unknown.
func (p *Pack) Material(id string) (*Material, error) {
	var def *Material
	for i := range p.Materials {
		if p.Materials[i].ID == id {
			return &p.Materials[i], nil
		}
		if p.Materials[i].ID == p.DefaultMaterialID {
			def = &p.Materials[i]
		}
	}
	if def != nil {
		return def, nil
	}
	return nil, fmt.Errorf("pack %s material %q: %w", p.ID, id, ErrUnknownMaterial)
}

// Textures lists every texture referenced by the pack.
func (p *Pack) Textures() ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for i := range p.Materials {
		faces, err := p.Materials[i].Faces()
		if err != nil {
			return nil, err
		}
		for _, name := range []string{faces.Top, faces.Bottom, faces.Left, faces.Right, faces.Front, faces.Back} {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names, nil
}
