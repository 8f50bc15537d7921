// Command server runs the conversation backend: it wires the event bus,
// scheduler, audio/transcript/context managers and provider adapters into a
// session.Manager, then serves the client duplex protocol over websockets.
// Provider selection uses an env-driven switch over the configured
// STT/LLM/TTS backends; ingress is client-supplied audio bytes delivered
// over the websocket hub rather than a local microphone device.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/convocore/pkg/audiostream"
	"github.com/lokutor-ai/convocore/pkg/client"
	"github.com/lokutor-ai/convocore/pkg/config"
	"github.com/lokutor-ai/convocore/pkg/contextmgr"
	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/metrics"
	"github.com/lokutor-ai/convocore/pkg/scheduler"
	"github.com/lokutor-ai/convocore/pkg/session"
	"github.com/lokutor-ai/convocore/pkg/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := config.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := metrics.InitProvider(ctx, metrics.ProviderConfig{ServiceName: "convocore"})
	if err != nil {
		logger.Error("failed to init metrics provider", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics(context.Background())

	met, err := metrics.New(otelGlobalMeterProvider())
	if err != nil {
		logger.Error("failed to build metrics instruments", "error", err)
		os.Exit(1)
	}

	stt, llm, tts := buildProviders(cfg, logger)

	bus := eventbus.New(func(topic eventbus.Topic, sessionID string, r interface{}) {
		logger.Error("event handler panic", "topic", topic, "sessionID", sessionID, "recovered", r)
	})
	sched := scheduler.New(poolPolicies(cfg), metrics.NewSchedulerAdapter(met))
	audioProc := audiostream.New(bus)
	transcripts := transcript.New(cfg.Context.MaxSegments)
	ctxMgr := contextmgr.New(nil)
	stopCtxJanitor := ctxMgr.StartJanitor(time.Minute)
	defer stopCtxJanitor()

	mgr := session.New(bus, sched, audioProc, transcripts, ctxMgr, stt, llm, tts, logger, metrics.NewSessionAdapter(met))
	stopSessionJanitor := mgr.StartJanitor(time.Second, cfg.MaxBufferDuration)
	defer stopSessionJanitor()

	hub := client.NewHub(bus, mgr, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r); err != nil {
			logger.Warn("websocket session ended with error", "error", err)
		}
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), srvShutdownTimeout)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
