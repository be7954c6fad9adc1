package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/lexiqai/live-transcriber/internal/domain"
)

// LevelConfig tunes speech-activity detection on 16-bit PCM.
type LevelConfig struct {
	SoundThreshold  float64       // RMS above which a frame counts as sound
	SpeechThreshold float64       // RMS above which a frame counts as speech
	Hangover        time.Duration // speech persists this long after the last loud frame
	Frame           time.Duration // analysis frame length
}

// DefaultLevelConfig returns thresholds that work for a close microphone.
func DefaultLevelConfig() LevelConfig {
	return LevelConfig{
		SoundThreshold:  150,
		SpeechThreshold: 500,
		Hangover:        300 * time.Millisecond,
		Frame:           20 * time.Millisecond,
	}
}

// LevelMeter classifies audio frames as silent, sound or speech. Speech
// starts on the first loud frame and ends after the hangover of quieter
// frames.
type LevelMeter struct {
	cfg         LevelConfig
	hangFrames  int
	quietFrames int
	speaking    bool
	level       domain.SpeechLevel
}

// NewLevelMeter creates a meter that starts out silent.
func NewLevelMeter(cfg LevelConfig) *LevelMeter {
	hang := 1
	if cfg.Frame > 0 {
		hang = int(cfg.Hangover / cfg.Frame)
		if hang < 1 {
			hang = 1
		}
	}
	return &LevelMeter{cfg: cfg, hangFrames: hang, level: domain.SpeechSilent}
}

// Process classifies one frame and reports whether the level changed.
func (m *LevelMeter) Process(samples []int16) (domain.SpeechLevel, bool) {
	rms := CalculateRMS(samples)

	switch {
	case rms > m.cfg.SpeechThreshold:
		m.speaking = true
		m.quietFrames = 0
	case m.speaking:
		m.quietFrames++
		if m.quietFrames >= m.hangFrames {
			m.speaking = false
			m.quietFrames = 0
		}
	}

	level := domain.SpeechSilent
	switch {
	case m.speaking:
		level = domain.SpeechSpeech
	case rms > m.cfg.SoundThreshold:
		level = domain.SpeechSound
	}

	changed := level != m.level
	m.level = level
	return level, changed
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
