package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/app"
	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/watch"
	"github.com/zhouzirui/compliance-galaxy/client/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(logger.Options{FilePath: cfg.Log.File, Level: cfg.Log.Level, Production: cfg.Log.JSON})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)

	client, err := app.New(ctx, cfg, app.Options{Logger: zlog})
	if err != nil {
		zlog.Fatal("failed to assemble client", zap.Error(err))
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		zlog.Fatal("failed to start client", zap.Error(err))
	}

	if _, err := client.Watch(ctx, func(res watch.Result) {
		if res.Err != nil {
			zlog.Warn("auto upload failed", zap.String("file", res.Path), zap.Error(res.Err))
			return
		}
		zlog.Info("auto uploaded", zap.String("file", res.Path), zap.Int("documents", len(res.Report.Documents)))
	}); err != nil {
		zlog.Warn("folder watch disabled", zap.String("dir", cfg.Upload.WatchDir), zap.Error(err))
	}

	router := handler.NewRouter(client)

	startServer(ctx, zlog, cfg.Server, router)
}

func startServer(ctx context.Context, zlog *zap.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	zlog.Info("compliance galaxy client listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		zlog.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
