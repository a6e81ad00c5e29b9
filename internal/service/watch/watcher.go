// Package watch uploads documents dropped into a folder.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
)

// DefaultSettle is how long a file must stay unchanged before it is uploaded.
const DefaultSettle = 500 * time.Millisecond

// Uploader is satisfied by *upload.Manager.
type Uploader interface {
	Allowed(name string) bool
	Upload(ctx context.Context, files []upload.File) (upload.Report, error)
}

// Result describes one upload attempt.
type Result struct {
	Path   string
	Report upload.Report
	Err    error
}

// Options tunes a Watcher.
type Options struct {
	Settle time.Duration
	// Notify, when set, receives every upload attempt.
	Notify func(Result)
	Logger *zap.Logger
}

// Watcher feeds new files of one directory to an Uploader.
type Watcher struct {
	dir      string
	uploader Uploader
	settle   time.Duration
	notify   func(Result)
	log      *zap.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    map[string]bool
	wg      sync.WaitGroup
}

// New starts watching dir.
func New(dir string, uploader Uploader, opts Options) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir: %s is not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		uploader: uploader,
		settle:   opts.Settle,
		notify:   opts.Notify,
		log:      opts.Logger.Named("watch"),
		fs:       fsw,
		pending:  make(map[string]*time.Timer),
		done:     make(map[string]bool),
	}, nil
}

// Run handles events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watching folder", zap.String("dir", w.dir))
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops watching and waits for running uploads.
func (w *Watcher) Close() error {
	err := w.fs.Close()
	w.stopTimers()
	w.wg.Wait()
	return err
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !w.uploader.Allowed(ev.Name) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.schedule(ctx, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.mu.Lock()
		if t, ok := w.pending[ev.Name]; ok {
			t.Stop()
			delete(w.pending, ev.Name)
		}
		delete(w.done, ev.Name)
		w.mu.Unlock()
	}
}

// schedule (re)arms the settle timer of path; writes keep pushing it back.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		if _, still := w.pending[path]; !still {
			w.mu.Unlock()
			return
		}
		delete(w.pending, path)
		w.done[path] = true
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		w.upload(ctx, path)
	})
}

func (w *Watcher) upload(ctx context.Context, path string) {
	res := Result{Path: path}
	file, err := upload.ReadFile(path)
	if err == nil {
		res.Report, err = w.uploader.Upload(ctx, []upload.File{file})
	}
	res.Err = err

	var verr *upload.ValidationError
	switch {
	case err == nil:
		w.log.Info("uploaded from folder", zap.String("file", path))
	case errors.As(err, &verr):
		w.log.Warn("folder upload rejected", zap.String("file", path), zap.Error(err))
	default:
		// allow a later write to retry
		w.mu.Lock()
		delete(w.done, path)
		w.mu.Unlock()
		w.log.Warn("folder upload failed", zap.String("file", path), zap.Error(err))
	}
	if w.notify != nil {
		w.notify(res)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// Dir is the watched directory.
func (w *Watcher) Dir() string { return filepath.Clean(w.dir) }
