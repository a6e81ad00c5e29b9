package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GALAXY_STORAGE_PATH", "/tmp/galaxy/client.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, 120*time.Second, cfg.API.Timeout)
	assert.True(t, cfg.API.UseKB)
	assert.Equal(t, []string{".pdf"}, cfg.Upload.AllowedExtensions)
	assert.Equal(t, 10, cfg.Upload.MaxDocuments)
	assert.Equal(t, "customer", cfg.Upload.DefaultFileType)
	assert.Equal(t, "/tmp/galaxy/client.db", cfg.Storage.Path)
}

func TestLoadNormalizesValues(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("GALAXY_API_BASE", "https://api.example.com/")
	t.Setenv("GALAXY_UPLOAD_EXTENSIONS", "PDF, .docx ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, []string{".pdf", ".docx"}, cfg.Upload.AllowedExtensions)
	assert.NotEmpty(t, cfg.Storage.Path)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"port with space": {"PORT", "80 80"},
		"bad base url":    {"GALAXY_API_BASE", "localhost"},
		"zero cap":        {"GALAXY_MAX_DOCUMENTS", "0"},
		"bad file type":   {"GALAXY_DEFAULT_FILE_TYPE", "invoice"},
		"bad timeout":     {"GALAXY_API_TIMEOUT", "soon"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
