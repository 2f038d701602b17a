// Package subscribe implements the browser-facing endpoints of spec.md §6:
// server-sent H.264, multipart MJPEG, and a WebSocket H.264 push, each
// backed by one internal/fanout subscriber queue.
package subscribe

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/framepipe/ingest/internal/fanout"
	"github.com/framepipe/ingest/internal/logger"
	"github.com/framepipe/ingest/internal/metrics"
)

// Handlers wires the fan-out hub to the three subscriber-facing endpoints.
type Handlers struct {
	hub        *fanout.Hub
	metrics    *metrics.Registry
	log        *slog.Logger
	freshness  time.Duration
	bufSize    int
	upgrader   websocket.Upgrader
}

// New constructs Handlers serving from hub. freshness <= 0 uses
// fanout.DefaultFreshness; bufSize <= 0 uses a queue depth of 32.
func New(hub *fanout.Hub, m *metrics.Registry, freshness time.Duration, bufSize int) *Handlers {
	if freshness <= 0 {
		freshness = fanout.DefaultFreshness
	}
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Handlers{
		hub:       hub,
		metrics:   m,
		log:       logger.Logger().With("component", "subscribe"),
		freshness: freshness,
		bufSize:   bufSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 256 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeH264SSE implements GET /h264_stream: server-sent events whose data
// field is the base64 encoding of `pts_us | is_keyframe | NAL`
// (spec.md §6), one event per delivered frame.
func (h *Handlers) ServeH264SSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe(h.bufSize, 0)
	defer h.hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		f, err := sub.Dequeue(ctx, h.freshness, h.metrics)
		if err != nil {
			return
		}
		encoded := base64.StdEncoding.EncodeToString(f.Payload)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
			h.log.Debug("sse write failed, client likely disconnected", "error", err)
			return
		}
		flusher.Flush()
	}
}

// ServeJPEGMultipart implements GET /jpg_stream: a
// multipart/x-mixed-replace MJPEG stream, one `image/jpeg` part per
// delivered frame (spec.md §6).
func (h *Handlers) ServeJPEGMultipart(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	sub := h.hub.Subscribe(h.bufSize, 0)
	defer h.hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		f, err := sub.Dequeue(ctx, h.freshness, h.metrics)
		if err != nil {
			return
		}
		header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(f.Payload))
		if _, err := w.Write([]byte(header)); err != nil {
			return
		}
		if _, err := w.Write(f.Payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// ServeH264WebSocket implements WS /ws_h264_stream: binary frames in the
// same `pts_us | is_keyframe | NAL` payload as the SSE endpoint, pushed
// only after the client sends the literal text "READY" (spec.md §6).
func (h *Handlers) ServeH264WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil || string(msg) != "READY" {
		h.log.Debug("websocket client did not send READY", "error", err)
		return
	}

	sub := h.hub.Subscribe(h.bufSize, 0)
	defer h.hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		f, err := sub.Dequeue(ctx, h.freshness, h.metrics)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, f.Payload); err != nil {
			h.log.Debug("websocket write failed, client likely disconnected", "error", err)
			return
		}
	}
}
