package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/lexiqai/live-transcriber/internal/domain"
)

func constantFrame(n int, value int16) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = value
		} else {
			frame[i] = -value
		}
	}
	return frame
}

func TestCalculateRMS(t *testing.T) {
	if got := CalculateRMS(nil); got != 0 {
		t.Errorf("CalculateRMS(nil) = %v, want 0", got)
	}
	if got := CalculateRMS(constantFrame(160, 1000)); got != 1000 {
		t.Errorf("CalculateRMS() = %v, want 1000", got)
	}
}

func TestBytesToSamples(t *testing.T) {
	pcm := make([]byte, 5)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(1234))
	var neg int16 = -2
	binary.LittleEndian.PutUint16(pcm[2:], uint16(neg))

	samples := BytesToSamples(pcm)
	if len(samples) != 2 {
		t.Fatalf("len(samples) = %d, want 2", len(samples))
	}
	if samples[0] != 1234 || samples[1] != -2 {
		t.Errorf("samples = %v", samples)
	}
}

func TestLevelMeter_Transitions(t *testing.T) {
	cfg := LevelConfig{
		SoundThreshold:  100,
		SpeechThreshold: 1000,
		Hangover:        40 * time.Millisecond,
		Frame:           20 * time.Millisecond,
	}
	m := NewLevelMeter(cfg)

	steps := []struct {
		value       int16
		wantLevel   domain.SpeechLevel
		wantChanged bool
	}{
		{0, domain.SpeechSilent, false},
		{500, domain.SpeechSound, true},
		{2000, domain.SpeechSpeech, true},
		{0, domain.SpeechSpeech, false}, // hangover
		{0, domain.SpeechSilent, true},
		{0, domain.SpeechSilent, false},
	}
	for i, step := range steps {
		level, changed := m.Process(constantFrame(320, step.value))
		if level != step.wantLevel || changed != step.wantChanged {
			t.Errorf("step %d: Process() = (%s, %v), want (%s, %v)", i, level, changed, step.wantLevel, step.wantChanged)
		}
	}
}
