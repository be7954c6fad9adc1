package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a listening sub-session.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateListening  State = "listening"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// Component names the sub-session a notification belongs to.
type Component string

const (
	ComponentRecognition Component = "recognition"
	ComponentRelay       Component = "relay"
	ComponentSession     Component = "session"
)

// StateChange is emitted once per actual lifecycle transition.
type StateChange struct {
	Component Component `json:"component"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mode selects what the backend does with the transcript.
type Mode string

const (
	ModeOff          Mode = "off"
	ModeSummary      Mode = "summary"
	ModeTranslation  Mode = "translation"
	ModeConversation Mode = "conversation"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeOff, ModeSummary, ModeTranslation, ModeConversation:
		return true
	}
	return false
}

// AudioConstraints are the capture settings handed to the capture device.
type AudioConstraints struct {
	EchoCancellation bool `json:"echoCancellation" mapstructure:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression" mapstructure:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl" mapstructure:"autoGainControl"`
	ChannelCount     int  `json:"channelCount" mapstructure:"channelCount"`
	SampleRate       int  `json:"sampleRate" mapstructure:"sampleRate"`
}

// DefaultAudioConstraints mirrors the capture setup used by the web client.
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: false,
		NoiseSuppression: true,
		AutoGainControl:  false,
		ChannelCount:     1,
		SampleRate:       16000,
	}
}

// Configuration is the user-facing session configuration.
type Configuration struct {
	Language string           `json:"lang" mapstructure:"lang"`
	Mode     Mode             `json:"mode" mapstructure:"mode"`
	Audio    AudioConstraints `json:"audio" mapstructure:"audio"`
}

// Validate checks the configuration for values the session cannot run with.
func (c Configuration) Validate() error {
	if c.Language == "" {
		return fmt.Errorf("language is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Audio.ChannelCount <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", c.Audio.ChannelCount)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.Audio.SampleRate)
	}
	return nil
}

// SpeechLevel is the coarse activity level of the captured audio.
type SpeechLevel string

const (
	SpeechSilent SpeechLevel = "silent"
	SpeechSound  SpeechLevel = "sound"
	SpeechSpeech SpeechLevel = "speech"
)
