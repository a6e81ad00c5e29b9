package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// API is the document part of the backend client.
type API interface {
	ListDocuments(ctx context.Context) ([]document.Document, error)
	UploadDocument(ctx context.Context, up apiclient.UploadRequest, progress apiclient.ProgressFunc) (apiclient.UploadResult, error)
	DeleteDocument(ctx context.Context, id ident.ID) error
	SetDocumentType(ctx context.Context, id ident.ID, fileType document.FileType) error
	DownloadDocument(ctx context.Context, id ident.ID, w io.Writer) (int64, error)
	Reset(ctx context.Context) error
}

// File is one selected file.
type File struct {
	Name     string
	Content  []byte
	FileType document.FileType
}

// ReadFile loads a file from disk.
func ReadFile(path string) (File, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{Name: filepath.Base(path), Content: content}, nil
}

// Report is the outcome of a batch.
type Report struct {
	Uploaded  []apiclient.UploadResult `json:"uploaded"`
	Failed    []FileError              `json:"failed,omitempty"`
	Documents []document.Document      `json:"documents"`
}

// Progress is published while a batch runs.
type Progress struct {
	Fraction  float64 `json:"fraction"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	File      string  `json:"file,omitempty"`
}

// Manager owns the document list of the current session.
type Manager struct {
	api API
	cfg config.UploadConfig
	bus event.Publisher
	log *zap.Logger

	mu       sync.RWMutex
	docs     []document.Document
	selected map[ident.ID]bool
	reserved int
	progress Progress
	onReset  []func()
}

// NewManager creates a Manager with an empty list; call Refresh to fill it.
func NewManager(api API, cfg config.UploadConfig, bus event.Publisher, log *zap.Logger) *Manager {
	if bus == nil {
		bus = event.Discard{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxDocuments < 1 {
		cfg.MaxDocuments = 10
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf"}
	}
	return &Manager{
		api:      api,
		cfg:      cfg,
		bus:      bus,
		log:      log.Named("upload"),
		selected: make(map[ident.ID]bool),
	}
}

// OnReset registers fn to run after the session data is cleared.
func (m *Manager) OnReset(fn func()) {
	m.mu.Lock()
	m.onReset = append(m.onReset, fn)
	m.mu.Unlock()
}

// Allowed reports whether name carries an accepted extension.
func (m *Manager) Allowed(name string) bool {
	return slices.Contains(m.cfg.AllowedExtensions, strings.ToLower(filepath.Ext(name)))
}

// Validate checks a batch against the extension set and the document cap.
func (m *Manager) Validate(files []File) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLocked(files)
}

func (m *Manager) validateLocked(files []File) error {
	if len(files) == 0 {
		return &ValidationError{Kind: ErrEmptyBatch}
	}
	var rejected []string
	for _, f := range files {
		if !m.Allowed(f.Name) {
			rejected = append(rejected, f.Name)
		}
	}
	if len(rejected) > 0 {
		return &ValidationError{Kind: ErrUnsupportedType, Files: rejected}
	}
	if len(m.docs)+m.reserved+len(files) > m.cfg.MaxDocuments {
		return &ValidationError{Kind: ErrTooManyDocuments, Limit: m.cfg.MaxDocuments}
	}
	return nil
}

// Upload sends a batch. Invalid batches are rejected whole without any request.
// Otherwise files upload in parallel; failures are reported per file and
// successful files stay. The list is re-read from the backend at the end.
func (m *Manager) Upload(ctx context.Context, files []File) (Report, error) {
	m.mu.Lock()
	if err := m.validateLocked(files); err != nil {
		m.mu.Unlock()
		m.log.Info("batch rejected", zap.Int("files", len(files)), zap.Error(err))
		return Report{}, err
	}
	m.reserved += len(files)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.reserved -= len(files)
		m.mu.Unlock()
	}()

	tracker := newTracker(len(files), m.publishProgress)
	results := make([]apiclient.UploadResult, len(files))
	failures := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(config.MaxConcurrentUploads)
	for i, f := range files {
		g.Go(func() error {
			fileType := f.FileType
			if fileType == "" {
				fileType = document.FileType(m.cfg.DefaultFileType)
			}
			res, err := m.api.UploadDocument(ctx, apiclient.UploadRequest{
				Filename: f.Name,
				FileType: fileType,
				Content:  f.Content,
			}, func(fraction float64) {
				tracker.update(i, f.Name, fraction)
			})
			if err != nil {
				m.log.Warn("upload failed", zap.String("file", f.Name), zap.Error(err))
				failures[i] = err
			} else {
				results[i] = res
			}
			tracker.finish(i, f.Name)
			return nil
		})
	}
	_ = g.Wait()

	var report Report
	for i, f := range files {
		if failures[i] != nil {
			report.Failed = append(report.Failed, FileError{Name: f.Name, Error: failures[i].Error()})
			continue
		}
		report.Uploaded = append(report.Uploaded, results[i])
	}

	docs, refreshErr := m.Refresh(ctx)
	if refreshErr != nil {
		m.log.Warn("refresh after upload", zap.Error(refreshErr))
	}
	report.Documents = docs

	if len(report.Failed) > 0 {
		m.bus.Publish(event.UploadFailed, "", report)
		return report, fmt.Errorf("%w: %d of %d", ErrPartialUpload, len(report.Failed), len(files))
	}
	m.bus.Publish(event.UploadFinished, "", report)
	return report, refreshErr
}

func (m *Manager) publishProgress(p Progress) {
	m.mu.Lock()
	m.progress = p
	m.mu.Unlock()
	m.bus.Publish(event.UploadProgress, "", p)
}

// LastProgress returns the most recent progress of the running or last batch.
func (m *Manager) LastProgress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

// Refresh re-reads the list from the backend and selects every document.
func (m *Manager) Refresh(ctx context.Context) ([]document.Document, error) {
	docs, err := m.api.ListDocuments(ctx)
	if err != nil {
		return m.Documents(), fmt.Errorf("list documents: %w", err)
	}

	m.mu.Lock()
	m.docs = docs
	m.selected = make(map[ident.ID]bool, len(docs))
	for _, d := range docs {
		m.selected[d.ID] = true
	}
	m.mu.Unlock()

	m.bus.Publish(event.DocumentsChanged, "", docs)
	return m.Documents(), nil
}

// Documents returns the cached list.
func (m *Manager) Documents() []document.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]document.Document(nil), m.docs...)
}

// Delete removes a document at once and puts it back if the backend refuses.
func (m *Manager) Delete(ctx context.Context, id ident.ID) error {
	m.mu.Lock()
	idx := m.indexLocked(id)
	if idx < 0 {
		m.mu.Unlock()
		return ErrDocumentNotFound
	}
	removed := m.docs[idx]
	wasSelected := m.selected[id]
	m.docs = slices.Delete(slices.Clone(m.docs), idx, idx+1)
	delete(m.selected, id)
	snapshot := slices.Clone(m.docs)
	m.mu.Unlock()
	m.bus.Publish(event.DocumentsChanged, "", snapshot)

	if err := m.api.DeleteDocument(ctx, id); err != nil {
		m.mu.Lock()
		if m.indexLocked(id) < 0 {
			pos := min(idx, len(m.docs))
			m.docs = slices.Insert(slices.Clone(m.docs), pos, removed)
			if wasSelected {
				m.selected[id] = true
			}
		}
		snapshot = slices.Clone(m.docs)
		m.mu.Unlock()
		m.log.Warn("delete failed, restored", zap.String("document", id.String()), zap.Error(err))
		m.bus.Publish(event.DocumentsChanged, "", snapshot)
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// SetFileType marks a document as customer material or regulation.
func (m *Manager) SetFileType(ctx context.Context, id ident.ID, fileType document.FileType) error {
	if !fileType.Valid() {
		return ErrInvalidFileType
	}
	if err := m.api.SetDocumentType(ctx, id, fileType); err != nil {
		return fmt.Errorf("set type of %s: %w", id, err)
	}

	m.mu.Lock()
	if idx := m.indexLocked(id); idx >= 0 {
		m.docs = slices.Clone(m.docs)
		m.docs[idx].FileType = fileType
	}
	snapshot := slices.Clone(m.docs)
	m.mu.Unlock()
	m.bus.Publish(event.DocumentsChanged, "", snapshot)
	return nil
}

// Reset clears every document and index of this session on the backend.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.api.Reset(ctx); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}

	m.mu.Lock()
	m.docs = nil
	m.selected = make(map[ident.ID]bool)
	hooks := slices.Clone(m.onReset)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	m.bus.Publish(event.DocumentsChanged, "", []document.Document{})
	return nil
}

// Download streams a stored document to w.
func (m *Manager) Download(ctx context.Context, id ident.ID, w io.Writer) (int64, error) {
	n, err := m.api.DownloadDocument(ctx, id, w)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", id, err)
	}
	return n, nil
}

// Toggle flips the selection of one document.
func (m *Manager) Toggle(id ident.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexLocked(id) < 0 {
		return false, ErrDocumentNotFound
	}
	m.selected[id] = !m.selected[id]
	return m.selected[id], nil
}

// Selected returns the selected ids in list order.
func (m *Manager) Selected() []ident.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []ident.ID
	for _, d := range m.docs {
		if m.selected[d.ID] {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (m *Manager) indexLocked(id ident.ID) int {
	return slices.IndexFunc(m.docs, func(d document.Document) bool { return d.ID == id })
}
