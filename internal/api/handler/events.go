package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/roomscan/internal/api/response"
	"github.com/kiranshivaraju/roomscan/internal/notify"
)

const defaultHeartbeat = 15 * time.Second

// NewEventsHandler returns an http.HandlerFunc for
// GET /api/v1/exports/{exportID}/events. It streams status changes as
// Server-Sent Events, starting with the current state, and ends the stream
// once the export is ready or failed.
func NewEventsHandler(svc Exports, sub notify.Subscriber, heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := exportID(w, r)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, response.CodeInternal, "Streaming is not supported", nil)
			return
		}

		// Subscribe before reading the record so no transition falls between.
		events, cancel, err := sub.Subscribe(r.Context(), id)
		if err != nil {
			response.Internal(w, r, fmt.Errorf("subscribing to export events: %w", err))
			return
		}
		defer cancel()

		view, err := svc.View(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		// Streams outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		current := notify.Event{
			ExportID: view.ID,
			Status:   view.Status,
			GLBPath:  view.GLBPath,
			GLBURL:   view.GLBPublicURL,
			Error:    view.Error,
		}
		if err := writeEvent(w, current); err != nil {
			return
		}
		flusher.Flush()
		if current.Terminal() {
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					slog.Debug("event stream closed", "export_id", id, "error", err)
					return
				}
				flusher.Flush()
				if ev.Terminal() {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}
