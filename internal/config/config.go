package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/live-transcriber/internal/audio"
	"github.com/lexiqai/live-transcriber/internal/backend"
	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/recognition"
	"github.com/lexiqai/live-transcriber/internal/relay"
	"github.com/lexiqai/live-transcriber/internal/resilience"
	"github.com/lexiqai/live-transcriber/internal/sink"
	"github.com/lexiqai/live-transcriber/internal/stt"
)

// Config holds all configuration for the live transcriber
type Config struct {
	// Control surface
	Port           string   `envconfig:"PORT" default:"8080"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"` // Browser origins allowed on /events; empty allows any

	// Initial session configuration
	Language         string `envconfig:"LANGUAGE" default:"en-US"`
	Mode             string `envconfig:"MODE" default:"off"` // off, summary, translation, conversation
	EchoCancellation bool   `envconfig:"AUDIO_ECHO_CANCELLATION" default:"false"`
	NoiseSuppression bool   `envconfig:"AUDIO_NOISE_SUPPRESSION" default:"true"`
	AutoGainControl  bool   `envconfig:"AUDIO_AUTO_GAIN_CONTROL" default:"false"`
	ChannelCount     int    `envconfig:"AUDIO_CHANNEL_COUNT" default:"1"`
	SampleRate       int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`

	// Deepgram STT API configuration
	DeepgramAPIKey         string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramHost           string `envconfig:"DEEPGRAM_HOST" default:""`
	DeepgramModel          string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramSmartFormat    bool   `envconfig:"DEEPGRAM_SMART_FORMAT" default:"true"`
	DeepgramUtteranceEndMs int    `envconfig:"DEEPGRAM_UTTERANCE_END_MS" default:"1000"`
	DeepgramFinalizeGrace  int    `envconfig:"DEEPGRAM_FINALIZE_GRACE_MS" default:"1500"`

	// Watchdogs and failure restart policy, in milliseconds
	NoResultTimeout    int `envconfig:"NO_RESULT_TIMEOUT_MS" default:"10000"` // Restart a run that stays silent this long
	NoUpdateTimeout    int `envconfig:"NO_UPDATE_TIMEOUT_MS" default:"3000"`  // Flush a stale interim tail after this long
	AckTimeout         int `envconfig:"ACK_TIMEOUT_MS" default:"5000"`        // Bound on engine start/stop acknowledgement
	RestartMaxAttempts int `envconfig:"RESTART_MAX_ATTEMPTS" default:"5"`
	RestartBackoff     int `envconfig:"RESTART_BACKOFF_MS" default:"250"`
	RestartMaxBackoff  int `envconfig:"RESTART_MAX_BACKOFF_MS" default:"5000"`

	// Processing backend
	BackendURL        string `envconfig:"BACKEND_URL" default:"ws://localhost:9090/ws"`
	BackendGRPCAddr   string `envconfig:"BACKEND_GRPC_ADDR" default:""` // Health probe target; empty disables readiness probing
	BackendGRPCTLS    bool   `envconfig:"BACKEND_GRPC_TLS" default:"false"`
	BackendHealthName string `envconfig:"BACKEND_HEALTH_SERVICE" default:""`

	// Audio relay
	CaptureBinary   string `envconfig:"FFMPEG_BINARY" default:"ffmpeg"`
	CaptureFormat   string `envconfig:"FFMPEG_INPUT_FORMAT" default:"pulse"`
	CaptureDevice   string `envconfig:"FFMPEG_DEVICE" default:"default"`
	ChunkInterval   int    `envconfig:"CHUNK_INTERVAL_MS" default:"1000"`
	DrainTimeout    int    `envconfig:"DRAIN_TIMEOUT_MS" default:"3000"`
	CloseGrace      int    `envconfig:"CLOSE_GRACE_MS" default:"500"`
	MaxSendFailures int    `envconfig:"MAX_SEND_FAILURES" default:"5"`

	// Speech-activity level, RMS energy of 16-bit PCM
	SpeechThreshold float64 `envconfig:"SPEECH_THRESHOLD" default:"500.0"`
	SoundThreshold  float64 `envconfig:"SOUND_THRESHOLD" default:"150.0"`
	SpeechHangover  int     `envconfig:"SPEECH_HANGOVER_MS" default:"300"`

	// Kafka transcript publishing
	KafkaEnabled      bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers      []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopicPartial string   `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcripts.partial"`
	KafkaTopicFinal   string   `envconfig:"KAFKA_TOPIC_FINAL" default:"transcripts.final"`
	KafkaPrincipal    string   `envconfig:"KAFKA_PRINCIPAL" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return errors.New("DEEPGRAM_API_KEY is required")
	}
	if c.NoUpdateTimeout >= c.NoResultTimeout {
		return fmt.Errorf("NO_UPDATE_TIMEOUT_MS (%d) must be below NO_RESULT_TIMEOUT_MS (%d)", c.NoUpdateTimeout, c.NoResultTimeout)
	}
	if c.BackendURL == "" {
		return errors.New("BACKEND_URL is required")
	}
	if !strings.HasPrefix(c.BackendURL, "ws://") && !strings.HasPrefix(c.BackendURL, "wss://") {
		return fmt.Errorf("BACKEND_URL must be a ws:// or wss:// URL, got %q", c.BackendURL)
	}
	if c.ChunkInterval <= 0 {
		return errors.New("CHUNK_INTERVAL_MS must be positive")
	}
	if err := c.InitialConfiguration().Validate(); err != nil {
		return fmt.Errorf("invalid session configuration: %w", err)
	}
	return nil
}

// InitialConfiguration is the session configuration at startup.
func (c *Config) InitialConfiguration() domain.Configuration {
	return domain.Configuration{
		Language: strings.TrimSpace(c.Language),
		Mode:     domain.Mode(c.Mode),
		Audio: domain.AudioConstraints{
			EchoCancellation: c.EchoCancellation,
			NoiseSuppression: c.NoiseSuppression,
			AutoGainControl:  c.AutoGainControl,
			ChannelCount:     c.ChannelCount,
			SampleRate:       c.SampleRate,
		},
	}
}

// Recognition returns the recognition controller settings.
func (c *Config) Recognition() recognition.Config {
	return recognition.Config{
		NoResultTimeout:    ms(c.NoResultTimeout),
		NoUpdateTimeout:    ms(c.NoUpdateTimeout),
		AckTimeout:         ms(c.AckTimeout),
		RestartMaxAttempts: c.RestartMaxAttempts,
		RestartBackoff:     ms(c.RestartBackoff),
		RestartMaxBackoff:  ms(c.RestartMaxBackoff),
	}
}

// Relay returns the audio relay settings.
func (c *Config) Relay() relay.Config {
	return relay.Config{
		DrainTimeout:        ms(c.DrainTimeout),
		CloseGrace:          ms(c.CloseGrace),
		MaxSendFailures:     c.MaxSendFailures,
		BreakerResetTimeout: c.breakerReset(),
		RestartBackoff:      ms(c.RestartBackoff),
		RestartMaxBackoff:   ms(c.RestartMaxBackoff),
	}
}

// Deepgram returns the recognition engine settings.
func (c *Config) Deepgram() stt.Config {
	return stt.Config{
		APIKey:              c.DeepgramAPIKey,
		Host:                c.DeepgramHost,
		Model:               c.DeepgramModel,
		SmartFormat:         c.DeepgramSmartFormat,
		UtteranceEndMs:      c.DeepgramUtteranceEndMs,
		FinalizeGrace:       ms(c.DeepgramFinalizeGrace),
		Audio:               c.InitialConfiguration().Audio,
		BreakerMaxFailures:  c.CircuitBreakerMaxFailures,
		BreakerResetTimeout: c.breakerReset(),
	}
}

// Capture returns the ffmpeg capture settings.
func (c *Config) Capture() audio.CaptureConfig {
	return audio.CaptureConfig{
		Binary:        c.CaptureBinary,
		InputFormat:   c.CaptureFormat,
		Device:        c.CaptureDevice,
		ChunkInterval: ms(c.ChunkInterval),
		Level: audio.LevelConfig{
			SoundThreshold:  c.SoundThreshold,
			SpeechThreshold: c.SpeechThreshold,
			Hangover:        ms(c.SpeechHangover),
			Frame:           20 * time.Millisecond,
		},
	}
}

// Channel returns the backend websocket settings.
func (c *Config) Channel() channel.Config {
	return channel.Config{
		URL:              c.BackendURL,
		HandshakeTimeout: 10 * time.Second,
		Retry:            c.retry(),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: c.ReconnectMaxAttempts,
			Backoff:     ms(c.ReconnectBackoff),
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
	}
}

// Kafka returns the transcript publisher settings.
func (c *Config) Kafka() sink.KafkaConfig {
	return sink.KafkaConfig{
		Enabled:      c.KafkaEnabled,
		Brokers:      c.KafkaBrokers,
		TopicPartial: c.KafkaTopicPartial,
		TopicFinal:   c.KafkaTopicFinal,
		Principal:    c.KafkaPrincipal,
	}
}

// Hub returns the UI event hub settings.
func (c *Config) Hub() sink.HubConfig {
	return sink.HubConfig{AllowedOrigins: c.AllowedOrigins}
}

// Probe returns the backend health probe settings. ok is false when no
// probe target is configured.
func (c *Config) Probe() (cfg backend.ProbeConfig, ok bool) {
	if c.BackendGRPCAddr == "" {
		return backend.ProbeConfig{}, false
	}
	return backend.ProbeConfig{
		Target:              c.BackendGRPCAddr,
		Service:             c.BackendHealthName,
		TLS:                 c.BackendGRPCTLS,
		Retry:               c.retry(),
		BreakerMaxFailures:  c.CircuitBreakerMaxFailures,
		BreakerResetTimeout: c.breakerReset(),
	}, true
}

func (c *Config) retry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:       c.RetryMaxAttempts,
		InitialBackoff:    ms(c.RetryInitialBackoff),
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (c *Config) breakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
