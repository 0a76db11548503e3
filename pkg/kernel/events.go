package kernel

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/manthysbr/mandos/internal/core/domain"
)

// handleJobEventsSSE streams scheduler events of one original job as
// server-sent events until the client disconnects.
// GET /v1/jobs/{id}/events
func (s *Server) handleJobEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.jobs.GetOriginalJob(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
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
	w.WriteHeader(http.StatusOK)

	eventCh, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", id)
	flusher.Flush()

	for {
		select {
		case event, open := <-eventCh:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
