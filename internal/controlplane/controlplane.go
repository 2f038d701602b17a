// Package controlplane implements the reset_stream control-plane contract of
// spec.md §6/§9: a single authenticated HTTP endpoint that drives a session
// controller's RESET sequence.
package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/framepipe/ingest/internal/logger"
)

// Resetter is implemented by internal/session.Controller; kept as a narrow
// interface so this package has no direct dependency on session.
type Resetter interface {
	Reset(ctx context.Context) error
}

// request is the body of POST /reset_stream.
type request struct {
	Message string `json:"message"`
	Auth    string `json:"auth"`
}

// response is the JSON shape returned on both success and failure paths.
type response struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	FirstTime *bool  `json:"first_time,omitempty"`
}

// Handler serves POST /reset_stream. The shared secret is compared in
// constant time to avoid a timing side channel on authentication.
type Handler struct {
	sharedSecret string
	resetter     Resetter
	log          *slog.Logger
	timeout      time.Duration

	mu        sync.Mutex
	firstSeen bool
}

// New constructs a Handler bound to resetter, authenticated by
// sharedSecret. resetTimeout bounds how long a single request waits for the
// underlying RESET sequence to complete; zero uses a 5s default.
func New(sharedSecret string, resetter Resetter, resetTimeout time.Duration) *Handler {
	if resetTimeout == 0 {
		resetTimeout = 5 * time.Second
	}
	return &Handler{
		sharedSecret: sharedSecret,
		resetter:     resetter,
		log:          logger.Logger().With("component", "controlplane"),
		timeout:      resetTimeout,
	}
}

// ServeHTTP implements the POST /reset_stream contract of spec.md §6: on
// authentication failure the server returns an unchanged state (an error
// response, no RESET is triggered).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeJSON(w, http.StatusMethodNotAllowed, response{Error: true, Message: "method not allowed"})
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, response{Error: true, Message: "malformed request"})
		return
	}

	if !h.authenticated(req.Auth) {
		h.writeJSON(w, http.StatusUnauthorized, response{Error: true, Message: "unauthorized"})
		return
	}
	if req.Message != "INIT_STREAM" {
		h.writeJSON(w, http.StatusBadRequest, response{Error: true, Message: "unrecognized message"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	firstTime := h.claimFirstTime()
	if !firstTime {
		if err := h.resetter.Reset(ctx); err != nil {
			h.log.Warn("reset_stream failed", "error", err)
			h.writeJSON(w, http.StatusInternalServerError, response{Error: true, Message: "reset failed"})
			return
		}
	}

	ft := firstTime
	h.writeJSON(w, http.StatusOK, response{Error: false, Message: "STREAM CAN START", FirstTime: &ft})
}

func (h *Handler) authenticated(auth string) bool {
	return subtle.ConstantTimeCompare([]byte(auth), []byte(h.sharedSecret)) == 1
}

// claimFirstTime reports true exactly once, for the first successfully
// authenticated reset_stream call this Handler has served.
func (h *Handler) claimFirstTime() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstSeen {
		return false
	}
	h.firstSeen = true
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("failed to write response", "error", err)
	}
}
