package auth

import (
	"context"
	"fmt"

	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/idgen"
)

// EnsureTabSessionID returns the per-process session id, generating and
// caching it in kv on first use.
func EnsureTabSessionID(ctx context.Context, kv storage.KV, gen idgen.Generator) (string, error) {
	id, ok, err := kv.Get(ctx, storage.KeyTabSessionID)
	if err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = gen.NewID()
	if err := kv.Set(ctx, storage.KeyTabSessionID, id); err != nil {
		return "", fmt.Errorf("store session id: %w", err)
	}
	return id, nil
}
