package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/obs"
)

const keepAlive = 15 * time.Second

// Events streams persisted status changes as server-sent events. The optional
// kind and object_type query parameters filter the stream.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	kind := events.Kind(r.URL.Query().Get("kind"))
	objectType := domain.ObjectType(r.URL.Query().Get("object_type"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ch := a.bus.Subscribe(ctx)
	_, _ = fmt.Fprint(w, ": stream started\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if kind != "" && evt.Kind != kind {
				continue
			}
			if objectType != "" && evt.ObjectType != objectType {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				obs.Logger().Error("encode event", "error", err, "id", evt.ID)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload)
			flusher.Flush()
		}
	}
}
