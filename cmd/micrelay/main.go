// Command micrelay streams raw PCM16 audio to the notes daemon over UDP.
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | micrelay -config notes.yaml
//	micrelay -source wav -wav speech.wav -loop
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/relay"
)

func main() {
	var (
		configPath string
		source     string
		wavPath    string
		addr       string
		loop       bool
	)
	flag.StringVar(&configPath, "config", "notes.yaml", "Path to configuration file")
	flag.StringVar(&source, "source", "", "Capture source: stdin or wav (overrides relay.source)")
	flag.StringVar(&wavPath, "wav", "", "WAV file to play when source=wav (overrides relay.wav_path)")
	flag.StringVar(&addr, "addr", "", "Destination host:port (overrides relay.host/relay.port)")
	flag.BoolVar(&loop, "loop", false, "Loop the WAV file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// stdout may carry audio for other tools, so logs go to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Telemetry.Level()}))

	rc := cfg.Relay
	if source != "" {
		rc.Source = source
	}
	if wavPath != "" {
		rc.WAVPath = wavPath
	}
	if loop {
		rc.Loop = true
	}
	target := rc.Addr()
	if addr != "" {
		target = addr
	}

	src, err := openSource(rc, logger)
	if err != nil {
		logger.Error("failed to open capture source", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relay.New(src, target, rc.FrameBytes, logger).Run(ctx); err != nil {
		logger.Error("relay failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func openSource(rc config.RelayConfig, logger *slog.Logger) (relay.Source, error) {
	if rc.Source != "wav" {
		logger.Info("capturing from stdin",
			slog.Int("sample_rate", rc.SampleRate),
			slog.Int("channels", rc.Channels))
		return relay.NewReaderSource(os.Stdin), nil
	}
	src, err := relay.OpenWAV(rc.WAVPath, relay.WAVOptions{Loop: rc.Loop, Realtime: true})
	if err != nil {
		return nil, err
	}
	if src.SampleRate() != rc.SampleRate || src.Channels() != rc.Channels {
		logger.Warn("wav format differs from relay config",
			slog.Int("wav_sample_rate", src.SampleRate()),
			slog.Int("wav_channels", src.Channels()),
			slog.Int("sample_rate", rc.SampleRate),
			slog.Int("channels", rc.Channels))
	}
	return src, nil
}
