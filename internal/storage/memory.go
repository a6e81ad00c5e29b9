package storage

import (
	"context"

	"github.com/patrickmn/go-cache"
)

// Memory lives as long as the process, the Go counterpart of a tab's sessionStorage.
type Memory struct {
	cache *cache.Cache
}

// NewMemory returns an empty store whose entries never expire.
func NewMemory() *Memory {
	return &Memory{cache: cache.New(cache.NoExpiration, 0)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if v, found := m.cache.Get(key); found {
		return v.(string), true, nil
	}
	return "", false, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.cache.Set(key, value, cache.NoExpiration)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
