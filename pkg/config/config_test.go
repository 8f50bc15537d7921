package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "STT_PROVIDER", "LLM_PROVIDER", "CONFIG_FILE", "POOL_AUDIO_SIZE",
		"THRESHOLDS_SHORT_PAUSE_MS", "LISTEN_ADDR", "LOKUTOR_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.STTProvider != "groq" {
		t.Errorf("expected default STT provider groq, got %s", cfg.STTProvider)
	}
	if cfg.Pools.AudioSize != 4 {
		t.Errorf("expected default audio pool size 4, got %d", cfg.Pools.AudioSize)
	}
	if cfg.Thresholds.ShortPause != time.Second {
		t.Errorf("expected default short pause 1s, got %v", cfg.Thresholds.ShortPause)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.ListenAddr)
	}
	if cfg.TTSEnabled {
		t.Error("expected TTS disabled without LOKUTOR_API_KEY")
	}
	if cfg.MaxBufferDuration != 30*time.Second {
		t.Errorf("expected default max buffer duration 30s, got %v", cfg.MaxBufferDuration)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t, "STT_PROVIDER", "POOL_STT_SIZE", "CONFIG_FILE")
	os.Setenv("STT_PROVIDER", "deepgram")
	os.Setenv("POOL_STT_SIZE", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.STTProvider != "deepgram" {
		t.Errorf("expected STT provider deepgram, got %s", cfg.STTProvider)
	}
	if cfg.Pools.STTSize != 7 {
		t.Errorf("expected STT pool size 7, got %d", cfg.Pools.STTSize)
	}
}

func TestLoadFileOverlayLayersOverEnvDefaults(t *testing.T) {
	clearEnv(t, "CONFIG_FILE", "POOL_LLM_SIZE")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	yamlBody := "pools:\n  llmSize: 9\nthresholds:\n  shortPauseMs: 250\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	os.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pools.LLMSize != 9 {
		t.Errorf("expected overlay llmSize 9, got %d", cfg.Pools.LLMSize)
	}
	if cfg.Thresholds.ShortPause != 250*time.Millisecond {
		t.Errorf("expected overlay short pause 250ms, got %v", cfg.Thresholds.ShortPause)
	}
}

func TestLoadMissingConfigFileReturnsError(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	os.Setenv("CONFIG_FILE", "/nonexistent/path/overlay.yaml")

	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}
