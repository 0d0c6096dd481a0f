package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
)

type streamEvent struct {
	State      orchestrator.State `json:"state"`
	Deliveries []deliveryView     `json:"deliveries"`
	Summary    string             `json:"summary"`
	SentAt     time.Time          `json:"sent_at"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func() bool {
		list := s.deliveries.List()
		payload, err := json.Marshal(streamEvent{
			State:      s.controller.Snapshot(),
			Deliveries: deliveryViews(list),
			Summary:    deliverySummary(list),
			SentAt:     time.Now().UTC(),
		})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
