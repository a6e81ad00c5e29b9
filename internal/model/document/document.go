package document

import (
	"time"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// FileType classifies an uploaded document for assessments.
type FileType string

const (
	FileTypeCustomer   FileType = "customer"
	FileTypeRegulation FileType = "regulation"
)

// Valid reports whether t is a known document type.
func (t FileType) Valid() bool {
	return t == FileTypeCustomer || t == FileTypeRegulation
}

// Document is an uploaded file as known to the backend.
type Document struct {
	ID         ident.ID  `json:"id"`
	Filename   string    `json:"filename"`
	FileType   FileType  `json:"fileType"`
	Version    int       `json:"version"`
	UploadedAt time.Time `json:"uploadedAt,omitempty"`
}

// IDs returns the identifiers of docs in order.
func IDs(docs []Document) []ident.ID {
	out := make([]ident.ID, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
