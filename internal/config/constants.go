package config

import "time"

const (
	// ChatFailureMessage is shown as an assistant turn when /chat cannot be reached.
	ChatFailureMessage = "Failed to connect to the AI analyst. Is the backend running?"

	// MaxConcurrentUploads bounds parallel upload requests of one batch.
	MaxConcurrentUploads = 4

	// GraphCacheTTL keeps fetched compliance graphs around for repeat views.
	GraphCacheTTL     = 10 * time.Minute
	GraphCacheCleanup = 20 * time.Minute

	// UploadFormMemory is the multipart parse limit of the local facade.
	UploadFormMemory = 32 << 20

	// ShutdownTimeout bounds graceful shutdown of the local facade.
	ShutdownTimeout = 10 * time.Second

	// LoginPath is where the UI is sent after the session is torn down.
	LoginPath = "/login"
)
