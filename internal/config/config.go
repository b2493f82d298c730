package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	Traces       string `yaml:"traces"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	IPC           IPCConfig           `yaml:"ipc"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Queue         QueueConfig         `yaml:"queue"`
	STT           STTConfig           `yaml:"stt"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Hotkeys       HotkeysConfig       `yaml:"hotkeys"`
	Bus           BusConfig           `yaml:"bus"`
	Node          NodeConfig          `yaml:"node"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
}

type IPCConfig struct {
	// SocketPath overrides the discovered per-user socket path.
	SocketPath       string `yaml:"socket_path"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
}

type AudioConfig struct {
	Backend             string `yaml:"backend"` // ffmpeg, null
	FFmpegCommand       string `yaml:"ffmpeg_command"`
	InputFormat         string `yaml:"input_format"`
	SampleRate          int    `yaml:"sample_rate"`
	Channels            int    `yaml:"channels"`
	BatchMS             int    `yaml:"batch_ms"`
	MaxRecordingSeconds int    `yaml:"max_recording_seconds"`
	RecordingsDir       string `yaml:"recordings_dir"`
}

type VADConfig struct {
	ThresholdDB  float64 `yaml:"threshold_db"`
	MinSilenceMS int     `yaml:"min_silence_ms"`
	MinSegmentMS int     `yaml:"min_segment_ms"`
	MaxSegmentMS int     `yaml:"max_segment_ms"`
}

type QueueConfig struct {
	Capacity           int `yaml:"capacity"`
	InferenceTimeoutMS int `yaml:"inference_timeout_ms"`
}

type STTConfig struct {
	Mode           string  `yaml:"mode"` // mock, exec
	Command        string  `yaml:"command"`
	ModelPath      string  `yaml:"model_path"`
	ModelURL       string  `yaml:"model_url"`
	Language       string  `yaml:"language"`
	Sampling       string  `yaml:"sampling"` // greedy, beam_search
	BeamSize       int     `yaml:"beam_size"`
	VADSensitivity float64 `yaml:"vad_sensitivity"`
	GPU            bool    `yaml:"gpu"`
}

type TranscriptionConfig struct {
	SettingsPath string `yaml:"settings_path"`
	HistorySize  int    `yaml:"history_size"`
}

type HotkeysConfig struct {
	Backend string `yaml:"backend"` // none, gohook
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

// NodeConfig identifies this service to peers sharing the bus.
type NodeConfig struct {
	ID                  string `yaml:"id"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "flowsttd",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			Traces:       "none",
			OTLPInsecure: true,
		},
		IPC: IPCConfig{
			SubscriberBuffer: 256,
		},
		Audio: AudioConfig{
			Backend:             "ffmpeg",
			FFmpegCommand:       "ffmpeg",
			InputFormat:         "pulse",
			SampleRate:          48000,
			Channels:            1,
			BatchMS:             20,
			MaxRecordingSeconds: 600,
		},
		VAD: VADConfig{
			ThresholdDB:  -40,
			MinSilenceMS: 500,
			MinSegmentMS: 250,
			MaxSegmentMS: 30000,
		},
		Queue: QueueConfig{
			Capacity:           8,
			InferenceTimeoutMS: 45000,
		},
		STT: STTConfig{
			Mode:           "mock",
			Command:        "whisper-cli",
			ModelPath:      "./models/ggml-base.en.bin",
			ModelURL:       "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin",
			Language:       "en",
			Sampling:       "greedy",
			BeamSize:       5,
			VADSensitivity: 0.5,
		},
		Transcription: TranscriptionConfig{
			SettingsPath: "./data/settings.yaml",
			HistorySize:  50,
		},
		Hotkeys: HotkeysConfig{
			Backend: "none",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "flowstt.events",
		},
		Node: NodeConfig{
			ID:                  "flowstt-local",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
		},
		EventStore: EventStoreConfig{
			Enabled:       true,
			Path:          "./data/flowstt-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

// Load reads path (optional), then .env, then FLOWSTT_* environment overrides.
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

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to load .env file: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "FLOWSTT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FLOWSTT_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "FLOWSTT_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "FLOWSTT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FLOWSTT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FLOWSTT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "FLOWSTT_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FLOWSTT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FLOWSTT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.IPC.SocketPath, "FLOWSTT_IPC_SOCKET_PATH")
	overrideInt(&cfg.IPC.SubscriberBuffer, "FLOWSTT_IPC_SUBSCRIBER_BUFFER")
	overrideString(&cfg.Audio.Backend, "FLOWSTT_AUDIO_BACKEND")
	overrideString(&cfg.Audio.FFmpegCommand, "FLOWSTT_AUDIO_FFMPEG_COMMAND")
	overrideString(&cfg.Audio.InputFormat, "FLOWSTT_AUDIO_INPUT_FORMAT")
	overrideInt(&cfg.Audio.SampleRate, "FLOWSTT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "FLOWSTT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BatchMS, "FLOWSTT_AUDIO_BATCH_MS")
	overrideInt(&cfg.Audio.MaxRecordingSeconds, "FLOWSTT_AUDIO_MAX_RECORDING_SECONDS")
	overrideString(&cfg.Audio.RecordingsDir, "FLOWSTT_AUDIO_RECORDINGS_DIR")
	overrideFloat(&cfg.VAD.ThresholdDB, "FLOWSTT_VAD_THRESHOLD_DB")
	overrideInt(&cfg.VAD.MinSilenceMS, "FLOWSTT_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.VAD.MinSegmentMS, "FLOWSTT_VAD_MIN_SEGMENT_MS")
	overrideInt(&cfg.VAD.MaxSegmentMS, "FLOWSTT_VAD_MAX_SEGMENT_MS")
	overrideInt(&cfg.Queue.Capacity, "FLOWSTT_QUEUE_CAPACITY")
	overrideInt(&cfg.Queue.InferenceTimeoutMS, "FLOWSTT_QUEUE_INFERENCE_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "FLOWSTT_STT_MODE")
	overrideString(&cfg.STT.Command, "FLOWSTT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "FLOWSTT_STT_MODEL_PATH")
	overrideString(&cfg.STT.ModelURL, "FLOWSTT_STT_MODEL_URL")
	overrideString(&cfg.STT.Language, "FLOWSTT_STT_LANGUAGE")
	overrideString(&cfg.STT.Sampling, "FLOWSTT_STT_SAMPLING")
	overrideInt(&cfg.STT.BeamSize, "FLOWSTT_STT_BEAM_SIZE")
	overrideFloat(&cfg.STT.VADSensitivity, "FLOWSTT_STT_VAD_SENSITIVITY")
	overrideBool(&cfg.STT.GPU, "FLOWSTT_STT_GPU")
	overrideString(&cfg.Transcription.SettingsPath, "FLOWSTT_TRANSCRIPTION_SETTINGS_PATH")
	overrideInt(&cfg.Transcription.HistorySize, "FLOWSTT_TRANSCRIPTION_HISTORY_SIZE")
	overrideString(&cfg.Hotkeys.Backend, "FLOWSTT_HOTKEYS_BACKEND")
	overrideBool(&cfg.Bus.Enabled, "FLOWSTT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FLOWSTT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FLOWSTT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FLOWSTT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FLOWSTT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FLOWSTT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FLOWSTT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FLOWSTT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FLOWSTT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FLOWSTT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "FLOWSTT_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.Node.ID, "FLOWSTT_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatIntervalMS, "FLOWSTT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeoutMS, "FLOWSTT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.EventStore.Enabled, "FLOWSTT_EVENT_STORE_ENABLED")
	overrideString(&cfg.EventStore.Path, "FLOWSTT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "FLOWSTT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "FLOWSTT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "FLOWSTT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "FLOWSTT_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.Traces {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when traces=otlp")
		}
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	if cfg.IPC.SubscriberBuffer <= 0 {
		return errors.New("ipc.subscriber_buffer must be positive")
	}
	switch cfg.Audio.Backend {
	case "null":
	case "ffmpeg":
		if cfg.Audio.FFmpegCommand == "" {
			return errors.New("audio.ffmpeg_command must be set when backend=ffmpeg")
		}
	default:
		return errors.New("audio.backend must be one of ffmpeg|null")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BatchMS <= 0 {
		return errors.New("audio.batch_ms must be positive")
	}
	if cfg.Audio.MaxRecordingSeconds < 0 {
		return errors.New("audio.max_recording_seconds must be >= 0")
	}
	if cfg.VAD.MinSilenceMS <= 0 {
		return errors.New("vad.min_silence_ms must be positive")
	}
	if cfg.VAD.MinSegmentMS < 0 {
		return errors.New("vad.min_segment_ms must be >= 0")
	}
	if cfg.VAD.MaxSegmentMS <= cfg.VAD.MinSegmentMS {
		return errors.New("vad.max_segment_ms must be greater than min_segment_ms")
	}
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if cfg.Queue.InferenceTimeoutMS <= 0 {
		return errors.New("queue.inference_timeout_ms must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	switch cfg.STT.Sampling {
	case "greedy":
	case "beam_search":
		if cfg.STT.BeamSize <= 0 {
			return errors.New("stt.beam_size must be positive when sampling=beam_search")
		}
	default:
		return errors.New("stt.sampling must be one of greedy|beam_search")
	}
	if cfg.STT.VADSensitivity < 0 || cfg.STT.VADSensitivity > 1 {
		return errors.New("stt.vad_sensitivity must be between 0 and 1")
	}
	if cfg.Transcription.HistorySize <= 0 {
		return errors.New("transcription.history_size must be positive")
	}
	switch cfg.Hotkeys.Backend {
	case "none", "gohook":
	default:
		return errors.New("hotkeys.backend must be one of none|gohook")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty when the bus is enabled")
		}
		if cfg.Node.HeartbeatIntervalMS <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeoutMS <= cfg.Node.HeartbeatIntervalMS {
			return errors.New("node.heartbeat_timeout_ms must exceed heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Enabled {
		if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
			return errors.New("event_store.path must not be empty")
		}
		switch cfg.EventStore.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.EventStore.RetentionDays < 0 {
			return errors.New("event_store.retention_days must be >= 0")
		}
	}
	return nil
}
