// Package config loads process-level settings from environment variables
// read with godotenv.Load() first, with an optional YAML file layered on
// top for the nested pool and threshold settings that don't fit
// comfortably in flat env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pools mirrors the Scheduler's four pool sizes and shared retry/deadline
// knobs.
type Pools struct {
	AudioSize        int           `yaml:"audioSize"`
	STTSize          int           `yaml:"sttSize"`
	LLMSize          int           `yaml:"llmSize"`
	ScheduledSize    int           `yaml:"scheduledSize"`
	JobDeadline      time.Duration `yaml:"-"`
	JobDeadlineMs    int           `yaml:"jobDeadlineMs"`
	MaxBackoff       time.Duration `yaml:"-"`
	MaxBackoffMs     int           `yaml:"maxBackoffMs"`
}

// Thresholds mirrors the VAD pause-classification boundaries.
type Thresholds struct {
	ShortPause       time.Duration `yaml:"-"`
	ShortPauseMs     int           `yaml:"shortPauseMs"`
	MediumPause      time.Duration `yaml:"-"`
	MediumPauseMs    int           `yaml:"mediumPauseMs"`
	LongPause        time.Duration `yaml:"-"`
	LongPauseMs      int           `yaml:"longPauseMs"`
	MinConfirmedFrames int         `yaml:"minConfirmedFrames"`
}

// Context mirrors the Context Manager's budget knobs.
type Context struct {
	MaxSegments         int     `yaml:"maxSegments"`
	MaxMessagesPerCtx   int     `yaml:"maxMessagesPerContext"`
	MaxContextTokens    int     `yaml:"maxContextTokens"`
	MinRelevance        float64 `yaml:"minRelevance"`
}

// Config is the fully-resolved process configuration: STT/LLM/TTS provider
// selection and credentials, pool sizing, VAD thresholds, context budgets,
// and observability.
type Config struct {
	STTProvider string
	STTKey      string
	STTModel    string

	LLMProvider string
	LLMKey      string
	LLMModel    string

	TTSEnabled bool
	TTSKey     string

	Language   string
	SampleRate int

	// MaxBufferDuration bounds the session janitor's idle-finalization window
	// (spec §5 Inactivity), configured by the maxBufferMs key (spec §6). It is
	// not passed to the Audio Stream Processor: each session's ring uses
	// audiostream.DefaultConfig's fixed 30s.
	MaxBufferDuration time.Duration

	Pools      Pools
	Thresholds Thresholds
	Context    Context

	OTelExporter string
	LogLevel     string

	ListenAddr string
}

// fileOverlay is the subset of Config that an optional YAML file can
// override; provider credentials always come from the environment so
// secrets never land in a config file.
type fileOverlay struct {
	Pools      Pools      `yaml:"pools"`
	Thresholds Thresholds `yaml:"thresholds"`
	Context    Context    `yaml:"context"`
}

// Load builds a Config from the process environment (after an optional
// .env file), then layers an optional YAML file named by CONFIG_FILE over
// the pool/threshold/context defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is a normal deployment shape, not an error.
	}

	cfg := &Config{
		STTProvider: getenv("STT_PROVIDER", "groq"),
		STTKey:      os.Getenv("STT_KEY"),
		STTModel:    os.Getenv("STT_MODEL"),

		LLMProvider: getenv("LLM_PROVIDER", "groq"),
		LLMKey:      os.Getenv("LLM_KEY"),
		LLMModel:    os.Getenv("LLM_MODEL"),

		TTSEnabled: os.Getenv("LOKUTOR_API_KEY") != "",
		TTSKey:     os.Getenv("LOKUTOR_API_KEY"),

		Language:   getenv("AGENT_LANGUAGE", "en"),
		SampleRate: getenvInt("AUDIO_SAMPLE_RATE", 16000),

		MaxBufferDuration: time.Duration(getenvInt("MAX_BUFFER_MS", 30000)) * time.Millisecond,

		Pools: Pools{
			AudioSize:     getenvInt("POOL_AUDIO_SIZE", 4),
			STTSize:       getenvInt("POOL_STT_SIZE", 3),
			LLMSize:       getenvInt("POOL_LLM_SIZE", 2),
			ScheduledSize: getenvInt("POOL_SCHEDULED_SIZE", 2),
			JobDeadlineMs: getenvInt("POOL_JOB_DEADLINE_MS", 10000),
			MaxBackoffMs:  getenvInt("POOL_RETRY_MAX_BACKOFF_MS", 5000),
		},
		Thresholds: Thresholds{
			ShortPauseMs:       getenvInt("THRESHOLDS_SHORT_PAUSE_MS", 1000),
			MediumPauseMs:      getenvInt("THRESHOLDS_MEDIUM_PAUSE_MS", 3000),
			LongPauseMs:        getenvInt("THRESHOLDS_LONG_PAUSE_MS", 3000),
			MinConfirmedFrames: getenvInt("THRESHOLDS_MIN_CONFIRMED_FRAMES", 2),
		},
		Context: Context{
			MaxSegments:       getenvInt("MAX_SEGMENTS", 200),
			MaxMessagesPerCtx: getenvInt("MAX_MESSAGES_PER_CONTEXT", 15),
			MaxContextTokens:  getenvInt("MAX_CONTEXT_TOKENS", 3000),
			MinRelevance:      getenvFloat("MIN_RELEVANCE", 0.3),
		},
		OTelExporter: getenv("OTEL_EXPORTER", "prometheus"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		ListenAddr:   getenv("LISTEN_ADDR", ":8080"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	cfg.Pools.JobDeadline = time.Duration(cfg.Pools.JobDeadlineMs) * time.Millisecond
	cfg.Pools.MaxBackoff = time.Duration(cfg.Pools.MaxBackoffMs) * time.Millisecond
	cfg.Thresholds.ShortPause = time.Duration(cfg.Thresholds.ShortPauseMs) * time.Millisecond
	cfg.Thresholds.MediumPause = time.Duration(cfg.Thresholds.MediumPauseMs) * time.Millisecond
	cfg.Thresholds.LongPause = time.Duration(cfg.Thresholds.LongPauseMs) * time.Millisecond

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	mergePools(&c.Pools, overlay.Pools)
	mergeThresholds(&c.Thresholds, overlay.Thresholds)
	mergeContext(&c.Context, overlay.Context)
	return nil
}

func mergePools(dst *Pools, src Pools) {
	if src.AudioSize > 0 {
		dst.AudioSize = src.AudioSize
	}
	if src.STTSize > 0 {
		dst.STTSize = src.STTSize
	}
	if src.LLMSize > 0 {
		dst.LLMSize = src.LLMSize
	}
	if src.ScheduledSize > 0 {
		dst.ScheduledSize = src.ScheduledSize
	}
	if src.JobDeadlineMs > 0 {
		dst.JobDeadlineMs = src.JobDeadlineMs
	}
	if src.MaxBackoffMs > 0 {
		dst.MaxBackoffMs = src.MaxBackoffMs
	}
}

func mergeThresholds(dst *Thresholds, src Thresholds) {
	if src.ShortPauseMs > 0 {
		dst.ShortPauseMs = src.ShortPauseMs
	}
	if src.MediumPauseMs > 0 {
		dst.MediumPauseMs = src.MediumPauseMs
	}
	if src.LongPauseMs > 0 {
		dst.LongPauseMs = src.LongPauseMs
	}
	if src.MinConfirmedFrames > 0 {
		dst.MinConfirmedFrames = src.MinConfirmedFrames
	}
}

func mergeContext(dst *Context, src Context) {
	if src.MaxSegments > 0 {
		dst.MaxSegments = src.MaxSegments
	}
	if src.MaxMessagesPerCtx > 0 {
		dst.MaxMessagesPerCtx = src.MaxMessagesPerCtx
	}
	if src.MaxContextTokens > 0 {
		dst.MaxContextTokens = src.MaxContextTokens
	}
	if src.MinRelevance > 0 {
		dst.MinRelevance = src.MinRelevance
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
