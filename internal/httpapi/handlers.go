package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/urls"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

type optionsRequest struct {
	Kind         string `json:"kind"`
	Format       string `json:"format"`
	Resolution   string `json:"resolution"`
	AudioBitrate string `json:"audio_bitrate"`
}

var kindFormats = map[backend.Kind]string{
	backend.KindVideo: "mp4",
	backend.KindAudio: "mp3",
	backend.KindGIF:   "gif",
}

// merge fills empty fields from defaults. Switching kind drops the default
// fields that kind does not use.
func (o optionsRequest) merge(defaults backend.Options) (backend.Options, error) {
	ret := defaults
	if strings.TrimSpace(o.Kind) != "" {
		kind, err := backend.ParseKind(o.Kind)
		if err != nil {
			return backend.Options{}, errs.Wrap(err, errs.Validation, err.Error())
		}
		if kind != defaults.Kind {
			ret = backend.Options{
				Kind:         kind,
				Format:       kindFormats[kind],
				Resolution:   defaults.Resolution,
				AudioBitrate: defaults.AudioBitrate,
			}
			if kind == backend.KindAudio {
				ret.Resolution = ""
			}
			if kind == backend.KindGIF {
				ret.AudioBitrate = ""
			}
		}
	}
	if o.Format != "" {
		ret.Format = o.Format
	}
	if o.Resolution != "" {
		ret.Resolution = o.Resolution
	}
	if o.AudioBitrate != "" {
		ret.AudioBitrate = o.AudioBitrate
	}
	return ret, nil
}

type singleRequest struct {
	URL string `json:"url"`
	optionsRequest
}

type batchRequest struct {
	URLs []string `json:"urls"`
	// Text is a newline separated block, as pasted into a form.
	Text string `json:"text"`
	optionsRequest
}

type batchResponse struct {
	Report urls.Report        `json:"report"`
	Errors []string           `json:"errors"`
	State  orchestrator.State `json:"state"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type downloadRequest struct {
	JobID string `json:"job_id"`
	All   bool   `json:"all"`
}

type consentRequest struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	mode, err := orchestrator.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.controller.SetMode(mode); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req singleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	opts, err := req.merge(s.defaults)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.controller.SubmitSingle(r.Context(), backend.JobSpec{SourceURL: req.URL, Options: opts}); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.controller.Snapshot())
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	opts, err := req.merge(s.defaults)
	if err != nil {
		writeErr(w, err)
		return
	}

	lines := req.URLs
	if req.Text != "" {
		lines = append(lines, strings.Split(strings.ReplaceAll(req.Text, "\r\n", "\n"), "\n")...)
	}
	report, err := s.controller.SubmitBatch(r.Context(), lines, opts)
	if err != nil {
		status, msg := statusFor(err)
		writeJSON(w, status, map[string]any{
			"error":  msg,
			"errors": report.Errors(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{
		Report: report,
		Errors: report.Errors(),
		State:  s.controller.Snapshot(),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.controller.Cancel(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.controller.Reset(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if req.All {
		n, err := s.controller.DownloadAll()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": n})
		return
	}
	if err := s.controller.Download(req.JobID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": 1})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if s.consent == nil {
		writeError(w, http.StatusNotImplemented, "consent store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.consent.Get())
	case http.MethodPut:
		var req consentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		saved, err := s.consent.Update(req.Accepted)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.controller.SetConsent(saved.Valid())
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusNotImplemented, "schedule is not configured")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.schedule.Status())
}

func (s *Server) handleScheduleRun(w http.ResponseWriter, r *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusNotImplemented, "schedule is not configured")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	result, err := s.schedule.RunOnce(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusFor maps an error kind to an HTTP status and the text to show.
func statusFor(err error) (int, string) {
	msg := errs.UserMessage(err, err.Error())
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest, msg
	case errs.Precondition, errs.Cancelled:
		return http.StatusConflict, msg
	case errs.NotFound:
		return http.StatusNotFound, msg
	case errs.Submission, errs.TransientQuery, errs.Fetch:
		return http.StatusBadGateway, msg
	default:
		return http.StatusInternalServerError, msg
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
