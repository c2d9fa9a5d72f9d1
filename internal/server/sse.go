package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crewbrain/crewbrain/internal/progress"
	"github.com/crewbrain/crewbrain/internal/registry"
)

// handleEvents streams a document's progress as Server-Sent Events. The
// stream ends with an "event: done" frame when the document reaches a
// terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.reg.DocumentOf(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown process " + id})
		return
	}

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

	events, unsub := s.hub.Subscribe(id)
	defer unsub()

	// The document may already be terminal; the replayed snapshot is the
	// whole story then.
	writeEvent := func(ev progress.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			if !writeEvent(ev) {
				return
			}
			if st := registry.State(ev.Stage); st.Terminal() && ev.Missed == 0 {
				fmt.Fprintf(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
		}
	}
}
