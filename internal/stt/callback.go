package stt

import (
	"errors"
	"fmt"
	"strings"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/lexiqai/live-transcriber/internal/recognition"
)

// messageCallbackHandler routes Deepgram callbacks of one connection to its
// run. It embeds the default handler for the events we do not use.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	r *run
}

func newCallbackHandler(r *run) *messageCallbackHandler {
	return &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		r:                      r,
	}
}

func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || (msg.Type != "" && msg.Type != "Results") {
		return nil
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	m.r.onTranscript(alt.Transcript, alt.Confidence, msg.IsFinal)
	return nil
}

func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.r.onError(deepgramError(fmt.Sprintf("%+v", er)))
	return nil
}

func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.r.finish()
	return nil
}

var authFragments = []string{"401", "403", "unauthorized", "forbidden", "invalid_auth", "insufficient_permissions"}

// deepgramError maps a Deepgram error description onto the engine errors the
// recognition controller classifies.
func deepgramError(detail string) error {
	lower := strings.ToLower(detail)
	for _, fragment := range authFragments {
		if strings.Contains(lower, fragment) {
			return fmt.Errorf("%w: %s", recognition.ErrNotAllowed, detail)
		}
	}
	return errors.New("deepgram: " + detail)
}
