// Package api is the local HTTP control surface of the listener.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/live-transcriber/internal/domain"
	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/session"
)

// Controller is the session surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reconfigure(ctx context.Context, patch map[string]any) (domain.Configuration, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

// Handler serves the session endpoints.
type Handler struct {
	ctrl    Controller
	events  http.Handler
	timeout time.Duration
}

// NewHandler creates the API. events serves the UI event stream.
func NewHandler(ctrl Controller, events http.Handler) *Handler {
	return &Handler{ctrl: ctrl, events: events, timeout: 5 * time.Second}
}

// Register adds the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", h.traced(h.start))
	mux.HandleFunc("POST /session/stop", h.traced(h.stop))
	mux.HandleFunc("PATCH /session/config", h.traced(h.reconfigure))
	mux.HandleFunc("GET /session", h.traced(h.snapshot))
	mux.HandleFunc("GET /session/transcript", h.traced(h.transcript))
	if h.events != nil {
		mux.Handle("GET /events", h.events)
	}
}

// CorrelationHeader carries the request correlation ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

// traced tags the request with a correlation ID and puts a logger carrying
// it into the request context.
func (h *Handler) traced(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = observability.NewCorrelationID()
		}
		logger := observability.WithCorrelationID(id).With().Str("component", "api").Logger()
		w.Header().Set(CorrelationHeader, id)

		logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Request")
		next(w, r.WithContext(logger.WithContext(r.Context())))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.ctrl.Start(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondSnapshot(ctx, w, r)
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.ctrl.Stop(ctx); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondSnapshot(ctx, w, r)
}

func (h *Handler) reconfigure(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var patch map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be a JSON object: " + err.Error()})
		return
	}

	cfg, err := h.ctrl.Reconfigure(ctx, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	h.respondSnapshot(ctx, w, r)
}

func (h *Handler) transcript(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Transcript)
}

func (h *Handler) respondSnapshot(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	snap, err := h.ctrl.Snapshot(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidConfiguration):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
