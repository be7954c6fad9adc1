package stt

import (
	"context"
	"time"

	"github.com/lexiqai/live-transcriber/internal/domain"
)

// Config configures the Deepgram engine.
type Config struct {
	APIKey string
	Host   string // empty selects the hosted API
	Model  string

	SmartFormat    bool
	UtteranceEndMs int
	// FinalizeGrace bounds the wait for trailing finals after the capture
	// drained on a graceful stop.
	FinalizeGrace time.Duration

	// Audio is what the engine captures for itself; it is sent as linear16.
	Audio domain.AudioConstraints

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// streamConn is the part of the Deepgram websocket client a run drives.
type streamConn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finalize() error
	Finish()
}

type dialFunc func(ctx context.Context, lang string, cb *messageCallbackHandler) (streamConn, error)
