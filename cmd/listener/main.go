package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/live-transcriber/internal/api"
	"github.com/lexiqai/live-transcriber/internal/audio"
	"github.com/lexiqai/live-transcriber/internal/backend"
	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/config"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/session"
	"github.com/lexiqai/live-transcriber/internal/sink"
	"github.com/lexiqai/live-transcriber/internal/stt"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	mainLog := observability.WithComponent("listener")

	mainLog.Info().
		Str("port", cfg.Port).
		Str("backend_url", cfg.BackendURL).
		Str("language", cfg.Language).
		Str("mode", cfg.Mode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("kafka_enabled", cfg.KafkaEnabled).
		Msg("Live transcriber starting")

	// Collaborators
	capture := audio.NewFFmpegCapture(cfg.Capture(), logger)
	engine := stt.NewDeepgramEngine(cfg.Deepgram(), capture, logger)
	backendChannel := channel.NewClient(cfg.Channel(), logger)
	hub := sink.NewHub(cfg.Hub(), logger)
	publisher := sink.NewPublisher(cfg.Kafka(), logger)

	sess, err := session.New(session.Config{
		Initial:     cfg.InitialConfiguration(),
		Recognition: cfg.Recognition(),
		Relay:       cfg.Relay(),
	}, session.Deps{
		Engine:  engine,
		Capture: capture,
		Channel: backendChannel,
		Sink:    sink.Fanout{hub, publisher},
		Logger:  logger,
	})
	if err != nil {
		mainLog.Fatal().Err(err).Msg("Failed to create session")
	}
	backendChannel.SetHandler(sess)

	runCtx, stopRun := context.WithCancel(context.Background())
	go sess.Run(runCtx)

	// HTTP surface
	mux := http.NewServeMux()
	api.NewHandler(sess, hub).Register(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{}
	var probe *backend.Probe
	if probeCfg, ok := cfg.Probe(); ok {
		probe, err = backend.NewProbe(probeCfg, logger)
		if err != nil {
			mainLog.Fatal().Err(err).Msg("Failed to create backend probe")
		}
		checks["backend"] = probe.Check
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		mainLog.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		mainLog.Info().
			Str("port", cfg.Port).
			Str("events", fmt.Sprintf("ws://localhost:%s/events", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	mainLog.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sess.Stop(ctx); err != nil {
		mainLog.Warn().Err(err).Msg("Failed to stop session")
	}
	waitSettled(ctx, sess, cfg.Relay().DrainTimeout)
	// The relay closes the channel after its grace period.
	time.Sleep(cfg.Relay().CloseGrace)

	if err := server.Shutdown(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.Close()

	stopRun()
	<-sess.Done()

	_ = engine.Abort()
	backendChannel.Shutdown()
	if err := publisher.Close(); err != nil {
		mainLog.Error().Err(err).Msg("Failed to close Kafka publisher")
	}
	if probe != nil {
		_ = probe.Close()
	}

	mainLog.Info().Msg("Server exited gracefully")
}

// waitSettled polls until both sub-sessions are idle or limit elapses.
func waitSettled(ctx context.Context, sess *session.Session, limit time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return
		}
		if snap.Recognition != domain.StateStarting && snap.Recognition != domain.StateStopping &&
			snap.Relay != domain.StateStarting && snap.Relay != domain.StateStopping {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
