package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"callflow/events"
)

const keepaliveInterval = 30 * time.Second

// handleEvents serves the live pipeline event stream as server-sent events.
// Each frame is one JSON object; a comment-only keepalive frame holds the
// connection open through proxies. The subscription is released on both
// normal close and client disconnect.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		ch, release, err := deps.Subscriber.Subscribe(r.Context())
		if err != nil {
			deps.Logger.Error("event subscribe failed", "error", err)
			httpError(w, http.StatusServiceUnavailable, "api_error", "event stream unavailable")
			return
		}
		defer release()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeFrame(w, events.New(events.TypeConnected, nil))
		flusher.Flush()

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, open := <-ch:
				if !open {
					return
				}
				writeFrame(w, ev)
				flusher.Flush()
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
