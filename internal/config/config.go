package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Level maps log_level to a slog level; unknown values mean info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	Transcript  TranscriptConfig  `yaml:"transcript"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Relay       RelayConfig       `yaml:"relay"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

// TranscriptConfig selects where transcript lines are persisted.
type TranscriptConfig struct {
	Backend        string `yaml:"backend"` // sqlite, badger, memory
	Path           string `yaml:"path"`
	NoteID         string `yaml:"note_id"`
	QueueWarnDepth int    `yaml:"queue_warn_depth"`
}

type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, bus
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	AudioListen    string `yaml:"audio_listen"`
	PartialSubject string `yaml:"partial_subject"`
	FinalSubject   string `yaml:"final_subject"`
	Autostart      bool   `yaml:"autostart"`
}

type RelayConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	FrameBytes int    `yaml:"frame_bytes"`
	Source     string `yaml:"source"` // wav, stdin
	WAVPath    string `yaml:"wav_path"`
	Loop       bool   `yaml:"loop"`
}

// Addr returns the relay destination as host:port.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-notes",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "notes-node-1",
			HeartbeatInterval: 5000,
		},
		Transcript: TranscriptConfig{
			Backend:        "sqlite",
			Path:           "./data/notes",
			NoteID:         "default",
			QueueWarnDepth: 256,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			SampleRate:     16000,
			AudioListen:    "127.0.0.1:29100",
			PartialSubject: "stt.text.partial",
			FinalSubject:   "stt.text.final",
		},
		Relay: RelayConfig{
			Host:       "127.0.0.1",
			Port:       29100,
			SampleRate: 16000,
			Channels:   1,
			FrameBytes: 8192,
			Source:     "stdin",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NOTES_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NOTES_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NOTES_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NOTES_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NOTES_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NOTES_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NOTES_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "NOTES_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NOTES_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NOTES_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NOTES_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NOTES_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NOTES_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NOTES_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NOTES_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NOTES_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NOTES_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "NOTES_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "NOTES_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.Transcript.Backend, "NOTES_TRANSCRIPT_BACKEND")
	overrideString(&cfg.Transcript.Path, "NOTES_TRANSCRIPT_PATH")
	overrideString(&cfg.Transcript.NoteID, "NOTES_TRANSCRIPT_NOTE_ID")
	overrideInt(&cfg.Transcript.QueueWarnDepth, "NOTES_TRANSCRIPT_QUEUE_WARN_DEPTH")
	overrideString(&cfg.Recognition.Mode, "NOTES_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "NOTES_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "NOTES_RECOGNITION_MODEL_PATH")
	overrideString(&cfg.Recognition.Language, "NOTES_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.SampleRate, "NOTES_RECOGNITION_SAMPLE_RATE")
	overrideString(&cfg.Recognition.AudioListen, "NOTES_RECOGNITION_AUDIO_LISTEN")
	overrideString(&cfg.Recognition.PartialSubject, "NOTES_RECOGNITION_PARTIAL_SUBJECT")
	overrideString(&cfg.Recognition.FinalSubject, "NOTES_RECOGNITION_FINAL_SUBJECT")
	overrideBool(&cfg.Recognition.Autostart, "NOTES_RECOGNITION_AUTOSTART")
	overrideString(&cfg.Relay.Host, "NOTES_RELAY_HOST")
	overrideInt(&cfg.Relay.Port, "NOTES_RELAY_PORT")
	overrideInt(&cfg.Relay.SampleRate, "NOTES_RELAY_SAMPLE_RATE")
	overrideInt(&cfg.Relay.Channels, "NOTES_RELAY_CHANNELS")
	overrideInt(&cfg.Relay.FrameBytes, "NOTES_RELAY_FRAME_BYTES")
	overrideString(&cfg.Relay.Source, "NOTES_RELAY_SOURCE")
	overrideString(&cfg.Relay.WAVPath, "NOTES_RELAY_WAV_PATH")
	overrideBool(&cfg.Relay.Loop, "NOTES_RELAY_LOOP")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	switch cfg.Transcript.Backend {
	case "sqlite", "badger":
		if cfg.Transcript.Path == "" {
			return fmt.Errorf("transcript.path must not be empty for backend %s", cfg.Transcript.Backend)
		}
	case "memory":
	default:
		return errors.New("transcript.backend must be one of sqlite|badger|memory")
	}
	if cfg.Transcript.NoteID == "" || strings.ContainsAny(cfg.Transcript.NoteID, `/\`) {
		return errors.New("transcript.note_id must be a non-empty name without path separators")
	}
	switch cfg.Recognition.Mode {
	case "mock":
	case "exec":
		if cfg.Recognition.Command == "" {
			return errors.New("recognition.command must be set when mode=exec")
		}
		if cfg.Recognition.AudioListen == "" {
			return errors.New("recognition.audio_listen must be set when mode=exec")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("recognition.mode=bus requires bus.enabled")
		}
		if cfg.Recognition.PartialSubject == "" {
			return errors.New("recognition.partial_subject must be set when mode=bus")
		}
	default:
		return errors.New("recognition.mode must be one of mock|exec|bus")
	}
	if cfg.Recognition.SampleRate <= 0 {
		return errors.New("recognition.sample_rate must be positive")
	}
	if cfg.Relay.Port <= 0 || cfg.Relay.Port > 65535 {
		return errors.New("relay.port must be between 1 and 65535")
	}
	if cfg.Relay.FrameBytes <= 0 || cfg.Relay.FrameBytes%2 != 0 {
		return errors.New("relay.frame_bytes must be a positive even number")
	}
	if cfg.Relay.Channels <= 0 {
		return errors.New("relay.channels must be positive")
	}
	switch cfg.Relay.Source {
	case "stdin":
	case "wav":
		if cfg.Relay.WAVPath == "" {
			return errors.New("relay.wav_path must be set when source=wav")
		}
	default:
		return errors.New("relay.source must be one of wav|stdin")
	}
	return nil
}
