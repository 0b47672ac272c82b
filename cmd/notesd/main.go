// Command notesd records a live transcript for one note.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "notes.yaml", "Path to configuration file")
	noteID := flag.String("note", "", "Note to record into (overrides transcript.note_id)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *noteID); err != nil {
		slog.Error("notesd exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath, noteID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if noteID != "" {
		cfg.Transcript.NoteID = noteID
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))
	slog.SetDefault(logger)
	logger.Info("starting notesd", slog.String("version", version), slog.String("note_id", cfg.Transcript.NoteID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
