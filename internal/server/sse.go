package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/remedyhq/remedy/internal/healer/events"
)

// WriteSSE streams a broadcaster to one client: full history replay first,
// then live events until the client disconnects or the broadcaster closes.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *events.Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				// Channel closed. Only emit "done" when the broadcaster
				// finished, not when this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
