package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/doubtsolve/internal/api"
	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/providers"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize remote services.
	svc, err := providers.Build(ctx, cfg, log)
	if err != nil {
		log.Error("init providers", "error", err)
		os.Exit(1)
	}

	// Initialize sessions and the tutor.
	store := session.NewStore(cfg.SessionTTL, cfg.MaxSessions, log,
		session.WithReferenceBudget(cfg.ReferenceBudget))
	go store.Run(ctx, cfg.CleanupInterval)

	tu := tutor.New(svc.Generator, svc.Synthesizer, tutor.Options{
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		Voice:       cfg.Voice,
	}, log)

	// Initialize HTTP server.
	srv := api.NewServer(store, tu, svc.Recognizer, svc.Stats, log, cfg)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv,
		ReadTimeout: 60 * time.Second,
		// Answers stream for as long as the model takes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		cancel()
		store.Close()
		svc.Close()
	}()

	log.Info("starting doubtsolve",
		"port", cfg.Port,
		"llm", cfg.LLMProvider,
		"speech", cfg.SpeechProvider,
		"context_size", cfg.ContextSize,
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
