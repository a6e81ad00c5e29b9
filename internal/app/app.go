// Package app assembles the client core: storage, transport, auth and the
// chat, upload and assessment services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/event"
	authModel "github.com/zhouzirui/compliance-galaxy/client/internal/model/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/assessment"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/auth"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/chat"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/watch"
	"github.com/zhouzirui/compliance-galaxy/client/internal/storage"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/idgen"
)

// Options overrides the production collaborators, mostly for tests.
type Options struct {
	Logger *zap.Logger
	// Durable replaces the SQLite store at cfg.Storage.Path.
	Durable storage.KV
	// Tab replaces the per-process store that holds the session id.
	Tab       storage.KV
	IDs       idgen.Generator
	Transport http.RoundTripper
}

// App is the client container.
type App struct {
	Config *config.Config
	Log    *zap.Logger
	Bus    *event.Bus
	Client *apiclient.Client

	Auth       *auth.Session
	Sessions   *chat.Store
	Chat       *chat.Controller
	Uploads    *upload.Manager
	Assessment *assessment.Service

	durable storage.KV
	closers []func() error

	mu      sync.Mutex
	watcher *watch.Watcher
}

// New wires the container. Nothing talks to the backend until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ids := opts.IDs
	if ids == nil {
		ids = idgen.UUID{}
	}

	a := &App{Config: cfg, Log: log}

	// 1. Local storage
	durable := opts.Durable
	if durable == nil {
		db, err := storage.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		durable = db
	}
	a.durable = durable

	tab := opts.Tab
	if tab == nil {
		tab = storage.NewMemory()
	}
	sessionID, err := auth.EnsureTabSessionID(ctx, tab, ids)
	if err != nil {
		a.Close()
		return nil, err
	}

	// 2. Event bus
	a.Bus = event.NewBus(log)
	a.closers = append(a.closers, a.Bus.Close)

	// 3. Transport
	a.Client, err = apiclient.New(apiclient.Options{
		BaseURL:   cfg.API.BaseURL,
		SessionID: sessionID,
		Timeout:   cfg.API.Timeout,
		Transport: opts.Transport,
		Logger:    log,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	// 4. Services
	a.Auth = auth.NewSession(a.Client, durable, a.Bus, log)
	a.Client.Use(a.Auth)

	a.Sessions = chat.NewStore(a.Client, a.Auth, durable, ids, a.Bus, log)
	a.Chat = chat.NewController(a.Sessions, a.Client, durable, a.Bus, log, cfg.API.UseKB)
	a.Uploads = upload.NewManager(a.Client, cfg.Upload, a.Bus, log)
	a.Assessment = assessment.NewService(a.Client, log)

	// 5. Lifecycle hooks
	a.Auth.Subscribe(a.Chat)
	a.Auth.Subscribe(a.Sessions)
	a.Auth.Subscribe(forgetOnAuth{a.Assessment})
	a.Uploads.OnReset(a.Assessment.Forget)

	log.Info("client assembled",
		zap.String("api", cfg.API.BaseURL),
		zap.String("session_id", sessionID),
	)
	return a, nil
}

// Start restores the signed-in user, the session list, the selected session
// and the document list. Backend failures are logged; the client still starts.
func (a *App) Start(ctx context.Context) error {
	if err := a.Auth.Restore(ctx); err != nil {
		return fmt.Errorf("restore auth: %w", err)
	}

	if err := a.Sessions.Load(ctx); err != nil {
		// 会话列表未加载时保留上次选中的会话，等待下次启动再校验。
		a.Log.Warn("session list unavailable at start", zap.Error(err))
	} else if err := a.Chat.Start(ctx); err != nil {
		a.Log.Warn("restore selected session", zap.Error(err))
	}

	if _, err := a.Uploads.Refresh(ctx); err != nil {
		a.Log.Warn("document list unavailable at start", zap.Error(err))
	}
	return nil
}

// Watch starts the folder watcher when cfg.Upload.WatchDir is set. It
// returns nil, nil when no folder is configured.
func (a *App) Watch(ctx context.Context, notify func(watch.Result)) (*watch.Watcher, error) {
	dir := a.Config.Upload.WatchDir
	if dir == "" {
		return nil, nil
	}

	w, err := watch.New(dir, a.Uploads, watch.Options{Notify: notify, Logger: a.Log})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()

	go func() {
		if err := w.Run(ctx); err != nil {
			a.Log.Warn("folder watcher stopped", zap.Error(err))
		}
	}()
	return w, nil
}

// Close releases the watcher, the bus and local storage.
func (a *App) Close() error {
	a.mu.Lock()
	w := a.watcher
	a.watcher = nil
	a.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// forgetOnAuth drops cached graphs whenever the signed-in user changes.
type forgetOnAuth struct {
	svc *assessment.Service
}

func (f forgetOnAuth) LoggedIn(context.Context, authModel.User) { f.svc.Forget() }

func (f forgetOnAuth) LoggedOut(context.Context) { f.svc.Forget() }
