// Package storage persists small client-side values, the way a browser keeps
// localStorage (durable) and sessionStorage (per tab).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Keys shared by the services.
const (
	KeyToken          = "token"
	KeyUser           = "user"
	KeyChatHistory    = "chatHistory"
	KeySelectedChatID = "selectedChatId"
	KeyTabSessionID   = "compliance_session_id"
)

var ErrClosed = errors.New("storage closed")

// KV is a string key/value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// GetJSON decodes the JSON value stored under key into dst. It reports false when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, dst any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value under key as JSON.
func SetJSON(ctx context.Context, kv KV, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Set(ctx, key, string(data))
}
