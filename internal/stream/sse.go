package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// ssePayload is the wire shape of one activity event
type ssePayload struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Details   json.RawMessage `json:"details,omitempty"`
	Output    string          `json:"output,omitempty"`
	Verbosity int             `json:"verbosity"`
}

// SSEHandler serves GET /sse/projects/{projectID} as a Server-Sent Events
// feed. The optional verbosity query parameter selects the tier (default 2).
func SSEHandler(s *Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "projectID")

		verbosity := store.VerbosityPhase
		if v := r.URL.Query().Get("verbosity"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				http.Error(w, "invalid verbosity", http.StatusBadRequest)
				return
			}
			verbosity = n
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		events, err := s.Subscribe(r.Context(), projectID, verbosity)
		if err != nil {
			if err == store.ErrProjectNotFound {
				http.Error(w, "project not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for ev := range events {
			switch ev.Kind {
			case KindHeartbeat:
				fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			case KindActivity:
				data, err := json.Marshal(activityPayload(ev.Activity))
				if err != nil {
					logger.ErrorContext(r.Context(), "failed to encode sse event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: activity\ndata: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}

func activityPayload(a *store.Activity) ssePayload {
	p := ssePayload{
		ID:        a.ID,
		Timestamp: a.Timestamp,
		Source:    a.Source,
		Message:   a.Description,
		Type:      string(a.Type),
		Output:    a.Output,
		Verbosity: a.Verbosity,
	}
	if a.Details != "" {
		p.Details = json.RawMessage(a.Details)
	}
	return p
}
