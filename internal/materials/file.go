package materials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// packFile is the on-disk layout of <dir>/<packID>.yaml.
type packFile struct {
	Pack  `yaml:",inline"`
	Atlas Atlas `yaml:"atlas"`
}

// FileSource reads packs and atlas metadata from YAML files in a directory.
type FileSource struct {
	dir string
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// GetPack loads the pack definition.
func (s *FileSource) GetPack(ctx context.Context, packID string) (*Pack, error) {
	f, err := s.load(packID)
	if err != nil {
		return nil, err
	}
	return &f.Pack, nil
}

// GetAtlas loads the atlas metadata. The texture size is forwarded to the
// image URL so the static host can serve a scaled copy.
func (s *FileSource) GetAtlas(ctx context.Context, packID string, textureSize *int) (*Atlas, error) {
	f, err := s.load(packID)
	if err != nil {
		return nil, err
	}
	atlas := f.Atlas
	if atlas.ImageURL == "" {
		return nil, fmt.Errorf("pack %s: atlas imageUrl is required", packID)
	}
	atlas.ImageURL = withSize(atlas.ImageURL, textureSize)
	return &atlas, nil
}

func (s *FileSource) load(packID string) (*packFile, error) {
	if packID == "" || strings.ContainsAny(packID, `/\`) || strings.Contains(packID, "..") {
		return nil, fmt.Errorf("invalid pack id %q", packID)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, packID+".yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("pack %s: %w", packID, ErrPackNotFound)
		}
		return nil, fmt.Errorf("failed to read pack %s: %w", packID, err)
	}
	var f packFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pack %s: %w", packID, err)
	}
	if f.ID == "" {
		f.ID = packID
	}
	if f.ID != packID {
		return nil, fmt.Errorf("pack file %s.yaml declares id %q", packID, f.ID)
	}
	return &f, nil
}

func withSize(url string, size *int) string {
	if size == nil {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssize=%d", url, sep, *size)
}
