package config

import (
	"os"
	"testing"
	"time"

	"github.com/lexiqai/live-transcriber/internal/domain"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
}

func TestLoad(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.Language != "en-US" {
		t.Errorf("Expected default Language 'en-US', got '%s'", cfg.Language)
	}
	if cfg.Mode != "off" {
		t.Errorf("Expected default Mode 'off', got '%s'", cfg.Mode)
	}
	if cfg.ChunkInterval != 1000 {
		t.Errorf("Expected default ChunkInterval 1000, got %d", cfg.ChunkInterval)
	}
	if cfg.CloseGrace != 500 {
		t.Errorf("Expected default CloseGrace 500, got %d", cfg.CloseGrace)
	}
	if cfg.KafkaEnabled {
		t.Error("Expected Kafka disabled by default")
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("Expected default KafkaBrokers [localhost:9092], got %v", cfg.KafkaBrokers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Errorf("Expected two brokers, got %v", cfg.KafkaBrokers)
	}
	if len(cfg.AllowedOrigins) != 1 {
		t.Errorf("Expected one allowed origin, got %v", cfg.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"stall timeout not below restart timeout", map[string]string{"NO_UPDATE_TIMEOUT_MS": "10000", "NO_RESULT_TIMEOUT_MS": "10000"}},
		{"unknown mode", map[string]string{"MODE": "karaoke"}},
		{"empty language", map[string]string{"LANGUAGE": " "}},
		{"http backend url", map[string]string{"BACKEND_URL": "http://localhost:9090"}},
		{"zero sample rate", map[string]string{"AUDIO_SAMPLE_RATE": "0"}},
		{"zero chunk interval", map[string]string{"CHUNK_INTERVAL_MS": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadFromEnv(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestConfig_ComponentSettings(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	initial := cfg.InitialConfiguration()
	if initial.Mode != domain.ModeOff || initial.Audio != domain.DefaultAudioConstraints() {
		t.Errorf("InitialConfiguration() = %+v", initial)
	}

	rec := cfg.Recognition()
	if rec.NoResultTimeout != 10*time.Second || rec.NoUpdateTimeout != 3*time.Second {
		t.Errorf("Recognition() = %+v", rec)
	}

	rel := cfg.Relay()
	if rel.CloseGrace != 500*time.Millisecond || rel.BreakerResetTimeout != 30*time.Second || rel.RestartBackoff != 250*time.Millisecond {
		t.Errorf("Relay() = %+v", rel)
	}

	capture := cfg.Capture()
	if capture.ChunkInterval != time.Second || capture.Level.SpeechThreshold != 500 {
		t.Errorf("Capture() = %+v", capture)
	}

	if _, ok := cfg.Probe(); ok {
		t.Error("Expected no probe without BACKEND_GRPC_ADDR")
	}
	cfg.BackendGRPCAddr = "localhost:50051"
	probe, ok := cfg.Probe()
	if !ok || probe.Target != "localhost:50051" {
		t.Errorf("Probe() = (%+v, %v)", probe, ok)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
