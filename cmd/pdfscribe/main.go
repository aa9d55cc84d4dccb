package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	appcfg "github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/export"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
	"github.com/jo-hoe/pdfscribe/internal/processor"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
	"github.com/jo-hoe/pdfscribe/internal/recognition/command"
	"github.com/jo-hoe/pdfscribe/internal/recognition/mock"
	"github.com/jo-hoe/pdfscribe/internal/recognition/remote"
	"github.com/jo-hoe/pdfscribe/internal/render"
	"github.com/jo-hoe/pdfscribe/internal/server"
	"github.com/jo-hoe/pdfscribe/internal/storage"
)

func main() {
	// Optional .env for local runs; real environment wins.
	_ = godotenv.Load()

	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	level, _ := appcfg.ParseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Store (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		logger.Error("sqlite open", "err", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// Recognition engine, loaded lazily by the first job
	var engine recognition.Engine
	switch cfg.Engine.Provider {
	case appcfg.ProviderMock:
		engine = mock.New(cfg.Engine.Mock)
	case appcfg.ProviderHTTP:
		engine = remote.New(cfg.Engine.HTTP)
	case appcfg.ProviderCommand:
		engine = command.New(logger, cfg.Engine.Command)
	default:
		logger.Error("unsupported engine provider", "provider", cfg.Engine.Provider)
		os.Exit(1)
	}
	rt := recognition.NewRuntime(logger, engine, cfg.Engine.MaxConcurrent)

	// Worker and queue
	worker := processor.New(logger, cfg, store, render.FitzRenderer{}, rt)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := queue.Start(rootCtx, worker); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}
	dispatcher := jobs.NewDispatcher(logger, store, queue, cfg.Pipeline.DefaultPrompt)
	if n, err := dispatcher.Recover(rootCtx); err != nil {
		logger.Error("recover jobs", "err", err)
	} else if n > 0 {
		logger.Info("resumed interrupted jobs", "count", n)
	}

	// HTTP server
	svc := &server.Service{
		Log:        logger,
		Cfg:        cfg,
		Store:      store,
		Dispatcher: dispatcher,
		Uploader:   storage.NewUploader(cfg.Server.StorageDir),
		Exporter:   export.NewService(store, logger),
		Engine:     rt,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr, "engine", cfg.Engine.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers; unfinished jobs resume on the next start
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
}
