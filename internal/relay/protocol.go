// Package relay streams captured audio to the backend over the session
// channel, following the configure, audioStart, chunks, audioStop handshake.
package relay

import "github.com/lexiqai/live-transcriber/internal/domain"

// Outbound message types.
const (
	TypeConfigure  = "configure"
	TypeAudioStart = "audioStart"
	TypeAudio      = "audio"
	TypeAudioStop  = "audioStop"
)

// Configure announces session-level settings without touching capture.
type Configure struct {
	Type string      `json:"type"`
	Mode domain.Mode `json:"mode"`
	Lang string      `json:"lang"`
}

// AudioControl opens or closes an audio stream. It carries the full
// configuration the stream was captured with.
type AudioControl struct {
	Type string      `json:"type"`
	Mode domain.Mode `json:"mode"`
	Lang string      `json:"lang"`
	domain.AudioConstraints
}

// Chunk is one captured audio blob. Data is base64 encoded on the wire.
type Chunk struct {
	Type     string `json:"type"`
	Seq      int    `json:"seq"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

func configureMsg(cfg domain.Configuration) Configure {
	return Configure{Type: TypeConfigure, Mode: cfg.Mode, Lang: cfg.Language}
}

func controlMsg(kind string, cfg domain.Configuration) AudioControl {
	return AudioControl{Type: kind, Mode: cfg.Mode, Lang: cfg.Language, AudioConstraints: cfg.Audio}
}
