package main

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/lokutor-ai/convocore/pkg/config"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/convocore/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/convocore/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/convocore/pkg/providers/tts"
	"github.com/lokutor-ai/convocore/pkg/scheduler"
)

const srvShutdownTimeout = 10 * time.Second

func otelGlobalMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

// buildProviders selects STT/LLM/TTS adapters from cfg via an env-driven
// provider-selection switch.
func buildProviders(cfg *config.Config, logger orchestrator.Logger) (orchestrator.STTProvider, orchestrator.LLMProvider, orchestrator.TTSProvider) {
	var stt orchestrator.STTProvider
	switch cfg.STTProvider {
	case "openai":
		stt = sttProvider.NewOpenAISTT(requireEnv(logger, "OPENAI_API_KEY", cfg.STTKey), orDefaultStr(cfg.STTModel, "whisper-1"))
	case "deepgram":
		stt = sttProvider.NewDeepgramSTT(requireEnv(logger, "DEEPGRAM_API_KEY", cfg.STTKey))
	case "assemblyai":
		stt = sttProvider.NewAssemblyAISTT(requireEnv(logger, "ASSEMBLYAI_API_KEY", cfg.STTKey))
	case "groq":
		fallthrough
	default:
		stt = sttProvider.NewGroqSTT(requireEnv(logger, "GROQ_API_KEY", cfg.STTKey), orDefaultStr(cfg.STTModel, "whisper-large-v3-turbo"))
	}
	if s, ok := stt.(interface{ SetSampleRate(int) }); ok && cfg.SampleRate > 0 {
		s.SetSampleRate(cfg.SampleRate)
	}

	var llm orchestrator.LLMProvider
	switch cfg.LLMProvider {
	case "openai":
		llm = llmProvider.NewOpenAILLM(requireEnv(logger, "OPENAI_API_KEY", cfg.LLMKey), orDefaultStr(cfg.LLMModel, "gpt-4o"))
	case "anthropic":
		llm = llmProvider.NewAnthropicLLM(requireEnv(logger, "ANTHROPIC_API_KEY", cfg.LLMKey), orDefaultStr(cfg.LLMModel, "claude-3-5-sonnet-20241022"))
	case "google":
		g, err := llmProvider.NewGoogleLLM(context.Background(), requireEnv(logger, "GOOGLE_API_KEY", cfg.LLMKey), orDefaultStr(cfg.LLMModel, "gemini-1.5-flash"))
		if err != nil {
			logger.Error("failed to build google llm provider", "error", err)
			os.Exit(1)
		}
		llm = g
	case "groq":
		fallthrough
	default:
		llm = llmProvider.NewGroqLLM(requireEnv(logger, "GROQ_API_KEY", cfg.LLMKey), orDefaultStr(cfg.LLMModel, "llama-3.3-70b-versatile"))
	}

	var tts orchestrator.TTSProvider
	if cfg.TTSEnabled {
		tts = ttsProvider.NewLokutorTTS(cfg.TTSKey)
	}

	return stt, llm, tts
}

func poolPolicies(cfg *config.Config) map[scheduler.Class]scheduler.Policy {
	policies := scheduler.DefaultPolicies()

	audio := policies[scheduler.ClassAudio]
	audio.Size = int64(cfg.Pools.AudioSize)
	audio.Deadline = cfg.Pools.JobDeadline
	audio.MaxBackoff = cfg.Pools.MaxBackoff
	policies[scheduler.ClassAudio] = audio

	stt := policies[scheduler.ClassSTT]
	stt.Size = int64(cfg.Pools.STTSize)
	stt.Deadline = cfg.Pools.JobDeadline
	stt.MaxBackoff = cfg.Pools.MaxBackoff
	policies[scheduler.ClassSTT] = stt

	llm := policies[scheduler.ClassLLM]
	llm.Size = int64(cfg.Pools.LLMSize)
	llm.Deadline = cfg.Pools.JobDeadline
	llm.MaxBackoff = cfg.Pools.MaxBackoff
	policies[scheduler.ClassLLM] = llm

	scheduled := policies[scheduler.ClassScheduled]
	scheduled.Size = int64(cfg.Pools.ScheduledSize)
	scheduled.Deadline = cfg.Pools.JobDeadline
	policies[scheduler.ClassScheduled] = scheduled

	return policies
}

func requireEnv(logger orchestrator.Logger, envVar, configured string) string {
	if configured != "" {
		return configured
	}
	v := os.Getenv(envVar)
	if v == "" {
		logger.Error("missing required credential", "envVar", envVar)
		os.Exit(1)
	}
	return v
}

func orDefaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
