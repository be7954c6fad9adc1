package channel

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeTranscription = "transcription"
	TypeResultText    = "result_text"
	TypeEvent         = "ev"
)

// Event sub-commands carried in an ev envelope.
const (
	EventBufSize       = "bufsize"
	EventTranscription = "transcription"
	EventLLMStat       = "llmStat"
	EventAudioError    = "audioError"
)

// Transcription is the backend's own transcription progress: Text is
// finalized on the backend side, Tmp is still provisional.
type Transcription struct {
	Text []string `json:"text"`
	Tmp  []string `json:"tmp"`
}

// ResultText is a processed result, optionally with synthesized audio.
type ResultText struct {
	Text  string `json:"text"`
	Audio string `json:"audio,omitempty"`
}

// Event is the generic envelope for backend sub-commands.
type Event struct {
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is one decoded backend message; exactly one payload is set.
type Inbound struct {
	Type          string         `json:"type"`
	Transcription *Transcription `json:"transcription,omitempty"`
	ResultText    *ResultText    `json:"resultText,omitempty"`
	Event         *Event         `json:"event,omitempty"`
}

// IsAudioError reports whether the message is the backend rejecting audio.
func (in Inbound) IsAudioError() bool {
	return in.Event != nil && in.Event.Msg == EventAudioError
}

// Detail renders the event payload as text, for logging and errors.
func (e Event) Detail() string {
	if len(e.Data) == 0 {
		return e.Msg
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// Decode parses a raw backend message.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode message: %w", err)
	}

	in := Inbound{Type: envelope.Type}
	switch envelope.Type {
	case TypeTranscription:
		in.Transcription = &Transcription{}
		if err := json.Unmarshal(data, in.Transcription); err != nil {
			return Inbound{}, fmt.Errorf("failed to decode %s: %w", envelope.Type, err)
		}
	case TypeResultText:
		in.ResultText = &ResultText{}
		if err := json.Unmarshal(data, in.ResultText); err != nil {
			return Inbound{}, fmt.Errorf("failed to decode %s: %w", envelope.Type, err)
		}
	case TypeEvent:
		in.Event = &Event{}
		if err := json.Unmarshal(data, in.Event); err != nil {
			return Inbound{}, fmt.Errorf("failed to decode %s: %w", envelope.Type, err)
		}
	default:
		return Inbound{}, fmt.Errorf("unknown message type %q", envelope.Type)
	}
	return in, nil
}
