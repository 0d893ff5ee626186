package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dgallion1/doubtsolve/internal/config"
	"github.com/dgallion1/doubtsolve/internal/console"
	"github.com/dgallion1/doubtsolve/internal/document"
	"github.com/dgallion1/doubtsolve/internal/providers"
	"github.com/dgallion1/doubtsolve/internal/session"
	"github.com/dgallion1/doubtsolve/internal/tutor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var provider string
	var contextSize int
	var mode string
	var stream bool
	var notesDir string
	var logOutput string

	cmd := &cobra.Command{
		Use:          "doubtsolve-console <deck.pdf|deck.txt>",
		Short:        "Page through a slide deck and ask questions about it",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("provider") {
				cfg.LLMProvider = provider
			}
			if cmd.Flags().Changed("context-size") {
				cfg.ContextSize = contextSize
			}
			// The console has no audio.
			cfg.SpeechProvider = config.ProviderNone
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			answerMode, err := session.ParseMode(mode)
			if err != nil {
				return err
			}

			log := slog.New(slog.DiscardHandler)
			if logOutput != "" {
				f, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return fmt.Errorf("open log output: %w", err)
				}
				defer f.Close()
				log = slog.New(slog.NewJSONHandler(f, nil))
			}

			doc, err := document.OpenFile(args[0], document.Options{FallbackPdftotext: cfg.PDFFallbackPdftotext})
			if err != nil {
				return err
			}
			sess, err := session.New(doc, cfg.ContextSize, session.WithReferenceBudget(cfg.ReferenceBudget))
			if err != nil {
				doc.Close()
				return err
			}
			sess.ID = uuid.NewString()
			defer sess.Close()

			svc, err := providers.Build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			tu := tutor.New(svc.Generator, nil, tutor.Options{
				MaxTokens:   cfg.MaxTokens,
				Temperature: float32(cfg.Temperature),
			}, log)

			log.Info("console started", "session_id", sess.ID, "deck", sess.Title(), "pages", sess.PageCount())
			return console.Run(cmd.Context(), console.Config{
				Session:  sess,
				Tutor:    tu,
				Mode:     answerMode,
				Stream:   stream,
				NotesDir: notesDir,
				Log:      log,
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "text generation provider: anthropic|gemini (default from config)")
	cmd.Flags().IntVar(&contextSize, "context-size", session.DefaultContextSize, "number of recently viewed pages sent as context")
	cmd.Flags().StringVar(&mode, "mode", string(session.ModeWindow), "initial answer mode: window|reference|general")
	cmd.Flags().BoolVar(&stream, "stream", true, "show answers as they are generated")
	cmd.Flags().StringVar(&notesDir, "notes-dir", ".", "directory for exported study notes")
	cmd.Flags().StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	return cmd
}
