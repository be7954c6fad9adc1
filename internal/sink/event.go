// Package sink implements the UI side of a session: a websocket hub for
// browser clients, a Kafka transcript publisher, and a fan-out over both.
package sink

import (
	"errors"
	"time"

	"github.com/lexiqai/live-transcriber/internal/channel"
	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/session"
	"github.com/lexiqai/live-transcriber/internal/transcript"
)

// Event types sent to UI clients.
const (
	EventTranscript = "transcript"
	EventLifecycle  = "lifecycle"
	EventError      = "error"
	EventLevel      = "level"
	EventBackend    = "backend"
)

// Event is the envelope of everything pushed to UI clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// ErrorData describes a classified error.
type ErrorData struct {
	Component domain.Component  `json:"component,omitempty"`
	Class     domain.ErrorClass `json:"class"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
}

// LevelData is the speech-activity indicator.
type LevelData struct {
	Level domain.SpeechLevel `json:"level"`
}

func transcriptEvent(d transcript.Delta) Event {
	return Event{Type: EventTranscript, Time: time.Now(), Data: d}
}

func lifecycleEvent(change domain.StateChange) Event {
	return Event{Type: EventLifecycle, Time: time.Now(), Data: change}
}

func errorEvent(err error) Event {
	data := ErrorData{Class: domain.ClassOf(err), Code: domain.CodeOf(err), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		data.Component = de.Component
	}
	return Event{Type: EventError, Time: time.Now(), Data: data}
}

func levelEvent(level domain.SpeechLevel) Event {
	return Event{Type: EventLevel, Time: time.Now(), Data: LevelData{Level: level}}
}

func backendEvent(msg channel.Inbound) Event {
	return Event{Type: EventBackend, Time: time.Now(), Data: msg}
}

// Fanout delivers every event to each sink in order.
type Fanout []session.Sink

func (f Fanout) Transcript(d transcript.Delta) {
	for _, s := range f {
		s.Transcript(d)
	}
}

func (f Fanout) Lifecycle(change domain.StateChange) {
	for _, s := range f {
		s.Lifecycle(change)
	}
}

func (f Fanout) Error(err error) {
	for _, s := range f {
		s.Error(err)
	}
}

func (f Fanout) Level(level domain.SpeechLevel) {
	for _, s := range f {
		s.Level(level)
	}
}

func (f Fanout) Backend(msg channel.Inbound) {
	for _, s := range f {
		s.Backend(msg)
	}
}
