package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the interview client.
type Config struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Audio     AudioConfig     `yaml:"audio"`
	Attention AttentionConfig `yaml:"attention"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Redaction RedactionConfig `yaml:"redaction"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type OpenAIConfig struct {
	APIKey             string `yaml:"-"`
	APIBaseURL         string `yaml:"api_base"`
	Model              string `yaml:"model"`
	Voice              string `yaml:"voice"`
	TranscriptionModel string `yaml:"transcription_model"`
	Instructions       string `yaml:"instructions"`
}

type AudioConfig struct {
	Backend         string `yaml:"backend"`
	RecorderCommand string `yaml:"ffmpeg_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkSize       int    `yaml:"chunk_size"`
	Playback        bool   `yaml:"playback"`
}

type AttentionConfig struct {
	TrackerCommand string        `yaml:"tracker_command"`
	TrackerArgs    []string      `yaml:"tracker_args"`
	Estimator      string        `yaml:"estimator"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	AwayThreshold  time.Duration `yaml:"away_threshold"`
	ViewportWidth  float64       `yaml:"viewport_width"`
	ViewportHeight float64       `yaml:"viewport_height"`
	Margin         float64       `yaml:"margin"`
	MaxYaw         float64       `yaml:"max_yaw"`
	MaxPitch       float64       `yaml:"max_pitch"`
}

type SessionConfig struct {
	Budget          time.Duration `yaml:"budget"`
	ViolationLimit  int           `yaml:"violation_limit"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	OpeningMessage  string        `yaml:"opening_message"`
	ResultsAttempts int           `yaml:"results_attempts"`
	ResultsInterval time.Duration `yaml:"results_interval"`
}

type StorageConfig struct {
	Region        string `yaml:"region"`
	Bucket        string `yaml:"bucket"`
	Table         string `yaml:"table"`
	TranscriptDir string `yaml:"transcript_dir"`
}

type RedactionConfig struct {
	Path  string   `yaml:"path"`
	Rules []string `yaml:"rules"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	EstimatorGaze     = "gaze"
	EstimatorHeadPose = "head_pose"

	AudioBackendFFMPEG = "ffmpeg"
	AudioBackendMalgo  = "malgo"
)

// Load resolves configuration from defaults, an optional YAML file named by
// PROCTOR_CONFIG, then environment variables. A .env file in the working
// directory is read first and never overrides variables already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := defaults(home)
	if path := strings.TrimSpace(os.Getenv("PROCTOR_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	cfg.normalize(home)
	return cfg, nil
}

func defaults(home string) Config {
	return Config{
		OpenAI: OpenAIConfig{
			APIBaseURL:         "https://api.openai.com/v1",
			Model:              "gpt-4o-realtime-preview",
			Voice:              "alloy",
			TranscriptionModel: "whisper-1",
		},
		Audio: AudioConfig{
			Backend:         AudioBackendFFMPEG,
			RecorderCommand: "ffmpeg",
			SampleRate:      24000,
			Channels:        1,
			ChunkSize:       4800,
			Playback:        true,
		},
		Attention: AttentionConfig{
			Estimator:      EstimatorGaze,
			SampleInterval: 100 * time.Millisecond,
			AwayThreshold:  2 * time.Second,
			ViewportWidth:  1280,
			ViewportHeight: 720,
			Margin:         100,
			MaxYaw:         25,
			MaxPitch:       20,
		},
		Session: SessionConfig{
			Budget:          15 * time.Minute,
			ViolationLimit:  5,
			SettleDelay:     500 * time.Millisecond,
			OpeningMessage:  "Hello, I'm ready to begin the interview.",
			ResultsAttempts: 10,
			ResultsInterval: 3 * time.Second,
		},
		Storage: StorageConfig{
			TranscriptDir: filepath.Join(home, ".local", "share", "proctorcall"),
		},
		Redaction: RedactionConfig{
			Path: filepath.Join(home, ".config", "proctorcall", "redaction.rules"),
		},
		Log: LogConfig{Level: "info"},
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAI.APIBaseURL = envOrDefault("OPENAI_API_BASE", cfg.OpenAI.APIBaseURL)
	cfg.OpenAI.Model = envOrDefault("PROCTOR_MODEL", cfg.OpenAI.Model)
	cfg.OpenAI.Voice = envOrDefault("PROCTOR_VOICE", cfg.OpenAI.Voice)
	cfg.OpenAI.TranscriptionModel = envOrDefault("PROCTOR_TRANSCRIPTION_MODEL", cfg.OpenAI.TranscriptionModel)
	cfg.OpenAI.Instructions = envOrDefault("PROCTOR_INSTRUCTIONS", cfg.OpenAI.Instructions)

	cfg.Audio.Backend = strings.ToLower(envOrDefault("PROCTOR_AUDIO_BACKEND", cfg.Audio.Backend))
	cfg.Audio.RecorderCommand = envOrDefault("PROCTOR_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("PROCTOR_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("PROCTOR_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("PROCTOR_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("PROCTOR_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkSize = envOrDefaultInt("PROCTOR_AUDIO_CHUNK_SIZE", cfg.Audio.ChunkSize)
	cfg.Audio.Playback = envOrDefaultBool("PROCTOR_PLAYBACK", cfg.Audio.Playback)

	cfg.Attention.TrackerCommand = envOrDefault("PROCTOR_TRACKER_COMMAND", cfg.Attention.TrackerCommand)
	if args := strings.TrimSpace(os.Getenv("PROCTOR_TRACKER_ARGS")); args != "" {
		cfg.Attention.TrackerArgs = strings.Fields(args)
	}
	cfg.Attention.Estimator = strings.ToLower(envOrDefault("PROCTOR_ESTIMATOR", cfg.Attention.Estimator))
	cfg.Attention.SampleInterval = envOrDefaultMillis("PROCTOR_SAMPLE_INTERVAL_MS", cfg.Attention.SampleInterval)
	cfg.Attention.AwayThreshold = envOrDefaultMillis("PROCTOR_AWAY_THRESHOLD_MS", cfg.Attention.AwayThreshold)
	cfg.Attention.ViewportWidth = envOrDefaultFloat("PROCTOR_VIEWPORT_WIDTH", cfg.Attention.ViewportWidth)
	cfg.Attention.ViewportHeight = envOrDefaultFloat("PROCTOR_VIEWPORT_HEIGHT", cfg.Attention.ViewportHeight)

	cfg.Session.Budget = envOrDefaultDuration("PROCTOR_BUDGET", cfg.Session.Budget)
	cfg.Session.ViolationLimit = envOrDefaultInt("PROCTOR_VIOLATION_LIMIT", cfg.Session.ViolationLimit)
	cfg.Session.SettleDelay = envOrDefaultMillis("PROCTOR_SETTLE_DELAY_MS", cfg.Session.SettleDelay)
	cfg.Session.OpeningMessage = envOrDefault("PROCTOR_OPENING_MESSAGE", cfg.Session.OpeningMessage)
	cfg.Session.ResultsAttempts = envOrDefaultInt("PROCTOR_RESULTS_ATTEMPTS", cfg.Session.ResultsAttempts)
	cfg.Session.ResultsInterval = envOrDefaultMillis("PROCTOR_RESULTS_INTERVAL_MS", cfg.Session.ResultsInterval)

	cfg.Storage.Region = firstNonEmpty(os.Getenv("PROCTOR_AWS_REGION"), os.Getenv("AWS_REGION"), cfg.Storage.Region)
	cfg.Storage.Bucket = envOrDefault("TRANSCRIPT_BUCKET_NAME", cfg.Storage.Bucket)
	cfg.Storage.Table = envOrDefault("PERSONA_TABLE_NAME", cfg.Storage.Table)
	cfg.Storage.TranscriptDir = envOrDefault("PROCTOR_TRANSCRIPT_DIR", cfg.Storage.TranscriptDir)

	cfg.Redaction.Path = envOrDefault("PROCTOR_REDACTION_FILE", cfg.Redaction.Path)
	cfg.Metrics.Addr = envOrDefault("PROCTOR_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Log.Level = envOrDefault("PROCTOR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = envOrDefaultBool("PROCTOR_LOG_DEV", cfg.Log.Development)
}

// normalize replaces out-of-range values with defaults.
func (c *Config) normalize(home string) {
	base := defaults(home)

	if c.Audio.Backend != AudioBackendFFMPEG && c.Audio.Backend != AudioBackendMalgo {
		c.Audio.Backend = base.Audio.Backend
	}
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = base.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = base.Audio.Channels
	}
	if c.Audio.ChunkSize < 256 {
		c.Audio.ChunkSize = base.Audio.ChunkSize
	}

	if c.Attention.Estimator != EstimatorGaze && c.Attention.Estimator != EstimatorHeadPose {
		c.Attention.Estimator = base.Attention.Estimator
	}
	if c.Attention.SampleInterval <= 0 {
		c.Attention.SampleInterval = base.Attention.SampleInterval
	}
	if c.Attention.AwayThreshold <= 0 {
		c.Attention.AwayThreshold = base.Attention.AwayThreshold
	}

	if c.Session.Budget <= 0 {
		c.Session.Budget = base.Session.Budget
	}
	if c.Session.ViolationLimit <= 0 {
		c.Session.ViolationLimit = base.Session.ViolationLimit
	}
	if c.Session.SettleDelay < 0 {
		c.Session.SettleDelay = base.Session.SettleDelay
	}
	if c.Session.ResultsAttempts < 0 {
		c.Session.ResultsAttempts = base.Session.ResultsAttempts
	}
	if c.Session.ResultsInterval <= 0 {
		c.Session.ResultsInterval = base.Session.ResultsInterval
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
