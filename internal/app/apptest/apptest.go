// Package apptest builds a fully wired client against a fake backend.
package apptest

import (
	"context"
	"testing"
	"time"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient/apitest"
	"github.com/zhouzirui/compliance-galaxy/client/internal/app"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/idgen"
)

// TabID is the X-Session-ID every test client sends.
const TabID = "tab-1"

// Config returns a configuration pointing at baseURL.
func Config(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "0", Addr: "127.0.0.1:0"},
		API:    config.APIConfig{BaseURL: baseURL, Timeout: 5 * time.Second, UseKB: true},
		Upload: config.UploadConfig{
			AllowedExtensions: []string{".pdf"},
			MaxDocuments:      10,
			DefaultFileType:   "customer",
		},
	}
}

// Env is a wired client plus its fake backend.
type Env struct {
	Backend *apitest.Backend
	App     *app.App
	Durable *storage.Memory
}

// New wires an App against a fresh fake backend. Local ids come from a
// sequence so the tab id is TabID and anonymous sessions are chat-1, chat-2...
func New(t testing.TB) *Env {
	t.Helper()
	backend := apitest.NewBackend(t)
	durable := storage.NewMemory()

	tab := storage.NewMemory()
	if err := tab.Set(context.Background(), storage.KeyTabSessionID, TabID); err != nil {
		t.Fatalf("seed tab id: %v", err)
	}

	a, err := app.New(context.Background(), Config(backend.URL()), app.Options{
		Durable: durable,
		Tab:     tab,
		IDs:     idgen.NewSequence("chat"),
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return &Env{Backend: backend, App: a, Durable: durable}
}
