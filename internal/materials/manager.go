package materials

import (
	"context"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// Source loads raw packs and atlases.
type Source interface {
	GetPack(ctx context.Context, packID string) (*Pack, error)
	GetAtlas(ctx context.Context, packID string, textureSize *int) (*Atlas, error)
}

// PackInfoProvider resolves a pack id to its atlas URL and UV lookup.
type PackInfoProvider interface {
	GetPackInfo(ctx context.Context, packID string) (*PackInfo, error)
}

// Manager caches pack infos loaded from a Source.
type Manager struct {
	source Source
	cache  *lru.Cache
	group  singleflight.Group
}

// NewManager creates a caching manager. cacheSize <= 0 defaults to 64 packs.
func NewManager(source Source, cacheSize int) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("material source is required")
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pack cache: %w", err)
	}
	return &Manager{source: source, cache: cache}, nil
}

// GetPackInfo returns the pack info at the source's native texture size.
func (m *Manager) GetPackInfo(ctx context.Context, packID string) (*PackInfo, error) {
	return m.packInfo(ctx, packID, nil)
}

// WithTextureSize returns a provider that requests atlases at the given size.
// A nil size uses the native size.
func (m *Manager) WithTextureSize(size *int) PackInfoProvider {
	return sizedProvider{manager: m, size: size}
}

// Purge drops every cached pack.
func (m *Manager) Purge() {
	m.cache.Purge()
}

func (m *Manager) packInfo(ctx context.Context, packID string, size *int) (*PackInfo, error) {
	key := packID
	if size != nil {
		key += "@" + strconv.Itoa(*size)
	}
	if cached, ok := m.cache.Get(key); ok {
		return cached.(*PackInfo), nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		pack, err := m.source.GetPack(ctx, packID)
		if err != nil {
			return nil, fmt.Errorf("failed to load material pack %s: %w", packID, err)
		}
		atlas, err := m.source.GetAtlas(ctx, packID, size)
		if err != nil {
			return nil, fmt.Errorf("failed to load atlas for pack %s: %w", packID, err)
		}
		info, err := NewPackInfo(pack, atlas)
		if err != nil {
			return nil, err
		}
		m.cache.Add(key, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PackInfo), nil
}

type sizedProvider struct {
	manager *Manager
	size    *int
}

func (p sizedProvider) GetPackInfo(ctx context.Context, packID string) (*PackInfo, error) {
	return p.manager.packInfo(ctx, packID, p.size)
}
