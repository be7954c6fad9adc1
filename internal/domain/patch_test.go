package domain

import (
	"errors"
	"testing"
)

func baseConfig() Configuration {
	return Configuration{Language: "en-US", Mode: ModeOff, Audio: DefaultAudioConstraints()}
}

func TestMerge_FlatAudioKey(t *testing.T) {
	cfg, err := baseConfig().Merge(map[string]any{"echoCancellation": true})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if !cfg.Audio.EchoCancellation {
		t.Error("Expected echo cancellation to be enabled")
	}
	if !cfg.Audio.NoiseSuppression {
		t.Error("Expected untouched noise suppression to stay enabled")
	}
	if cfg.Language != "en-US" {
		t.Errorf("Expected language to be unchanged, got %q", cfg.Language)
	}
}

func TestMerge_NestedAndSnakeCase(t *testing.T) {
	cfg, err := baseConfig().Merge(map[string]any{
		"lang": "ja-JP",
		"mode": "summary",
		"audio": map[string]any{
			"sample_rate":   float64(48000),
			"channel-count": "2",
		},
	})
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if cfg.Language != "ja-JP" || cfg.Mode != ModeSummary {
		t.Errorf("Unexpected session values: %+v", cfg)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.ChannelCount != 2 {
		t.Errorf("Unexpected audio values: %+v", cfg.Audio)
	}
}

func TestMerge_RejectsInvalid(t *testing.T) {
	base := baseConfig()

	if _, err := base.Merge(map[string]any{"mode": "karaoke"}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("Expected unknown mode to be rejected with ErrInvalidConfiguration, got %v", err)
	}
	if _, err := base.Merge(map[string]any{"volume": 11}); err == nil {
		t.Error("Expected unknown key to be rejected")
	}
	if _, err := base.Merge(map[string]any{"audio": "loud"}); err == nil {
		t.Error("Expected non-object audio to be rejected")
	}
}

func TestMerge_EmptyPatch(t *testing.T) {
	base := baseConfig()
	cfg, err := base.Merge(nil)
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if cfg != base {
		t.Errorf("Expected identical configuration, got %+v", cfg)
	}
}

func TestClassify(t *testing.T) {
	root := errors.New("boom")
	err := Classify(root, ComponentRelay, ClassFatal, "audio_error")

	if ClassOf(err) != ClassFatal {
		t.Errorf("Expected fatal class, got %s", ClassOf(err))
	}
	if CodeOf(err) != "audio_error" {
		t.Errorf("Expected audio_error code, got %s", CodeOf(err))
	}
	if !errors.Is(err, root) {
		t.Error("Expected classified error to unwrap to root")
	}

	again := Classify(err, ComponentRecognition, ClassIgnorable, "other")
	if ClassOf(again) != ClassFatal {
		t.Error("Expected reclassification to be a no-op")
	}
	if ClassOf(root) != ClassRecoverable {
		t.Error("Expected unclassified errors to default to recoverable")
	}
	if Classify(nil, ComponentRelay, ClassFatal, "x") != nil {
		t.Error("Expected nil to stay nil")
	}
}
