package upload

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrTooManyDocuments = errors.New("document limit exceeded")
	ErrEmptyBatch       = errors.New("no files selected")
	ErrPartialUpload    = errors.New("some files failed to upload")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidFileType  = errors.New("file type must be customer or regulation")
)

// ValidationError rejects a whole batch before any request is made.
type ValidationError struct {
	Kind  error
	Files []string
	Limit int
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrTooManyDocuments):
		return fmt.Sprintf("%v: at most %d documents allowed", e.Kind, e.Limit)
	case len(e.Files) > 0:
		return fmt.Sprintf("%v: %s", e.Kind, strings.Join(e.Files, ", "))
	default:
		return e.Kind.Error()
	}
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// FileError is one failed file of a batch.
type FileError struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}
