package httpapi

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
)

var (
	errDeliveryNotFound = errors.New("delivery not found")
	errDeliveryNotSaved = errors.New("delivery has no saved file")
)

// deliveryView adds display fields to a delivery.
type deliveryView struct {
	*delivery.Delivery
	SizeHuman string `json:"size_human,omitempty"`
	Updated   string `json:"updated"`
}

type deliveryDetailResponse struct {
	deliveryView
	// Job is the tracker's last observation of the job, when still tracked.
	Job *backend.JobState `json:"job,omitempty"`
}

func newDeliveryView(d *delivery.Delivery) deliveryView {
	v := deliveryView{Delivery: d, Updated: humanize.Time(d.UpdatedAt)}
	if d.Size > 0 {
		v.SizeHuman = humanize.Bytes(uint64(d.Size))
	}
	return v
}

func deliveryViews(list []*delivery.Delivery) []deliveryView {
	ret := make([]deliveryView, 0, len(list))
	for _, d := range list {
		if d == nil {
			continue
		}
		ret = append(ret, newDeliveryView(d))
	}
	return ret
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, deliveryViews(s.deliveries.List()))
}

func (s *Server) handleDeliveryRoutes(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseDeliveryRoute(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch action {
	case "":
		s.handleDeliveryDetail(w, id)
	case "file":
		s.handleDeliveryFile(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func parseDeliveryRoute(path string) (id string, action string, ok bool) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/deliveries/"), "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	rawID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(rawID) == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return rawID, "", true
	}
	return rawID, parts[1], true
}

func (s *Server) handleDeliveryDetail(w http.ResponseWriter, id string) {
	d, ok := s.deliveries.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errDeliveryNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, deliveryDetailResponse{
		deliveryView: newDeliveryView(d),
		Job:          trackedJob(s.controller.Snapshot(), d.JobID),
	})
}

// handleDeliveryFile serves a saved artifact as an attachment.
func (s *Server) handleDeliveryFile(w http.ResponseWriter, r *http.Request, id string) {
	d, ok := s.deliveries.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errDeliveryNotFound.Error())
		return
	}
	if d.Status != delivery.StatusSuccess || d.Path == "" {
		writeError(w, http.StatusConflict, errDeliveryNotSaved.Error())
		return
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": filepath.Base(d.Path),
	}))
	http.ServeFile(w, r, d.Path)
}

func trackedJob(st orchestrator.State, jobID string) *backend.JobState {
	switch {
	case st.Single != nil && st.Single.JobID == jobID:
		job := st.Single.State
		return &job
	case st.Batch != nil:
		if m, ok := st.Batch.State.Member(jobID); ok {
			job := m.JobState
			return &job
		}
	}
	return nil
}

func deliverySummary(list []*delivery.Delivery) string {
	var saved int64
	done := 0
	for _, d := range list {
		if d != nil && d.Status == delivery.StatusSuccess {
			done++
			saved += d.Size
		}
	}
	return fmt.Sprintf("%d saved, %s", done, humanize.Bytes(uint64(saved)))
}
