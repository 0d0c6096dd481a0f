package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/errs"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/schedule"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
	"github.com/MimeLyc/easy-downloader/internal/urls"
)

var defaultOpts = backend.Options{Kind: backend.KindVideo, Format: "mp4", Resolution: "720p", AudioBitrate: "192k"}

type fakeController struct {
	mu        sync.Mutex
	state     orchestrator.State
	err       error
	specs     []backend.JobSpec
	lines     [][]string
	opts      []backend.Options
	downloads []string
	all       int
	cancels   int
	resets    int
}

func (f *fakeController) Snapshot() orchestrator.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Mode == "" {
		f.state.Mode = orchestrator.ModeSingle
	}
	return f.state
}

func (f *fakeController) SetMode(mode orchestrator.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Mode = mode
	return f.err
}

func (f *fakeController) SetConsent(accepted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Consent = accepted
}

func (f *fakeController) SubmitSingle(_ context.Context, spec backend.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.err
}

func (f *fakeController) SubmitBatch(_ context.Context, lines []string, opts backend.Options) (urls.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := urls.Validate(lines)
	if err := report.Eligible(); err != nil {
		return report, err
	}
	f.lines = append(f.lines, lines)
	f.opts = append(f.opts, opts)
	return report, f.err
}

func (f *fakeController) Cancel(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.err
}

func (f *fakeController) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return f.err
}

func (f *fakeController) Download(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, jobID)
	return f.err
}

func (f *fakeController) DownloadAll() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all++
	return 3, f.err
}

type fakeDeliveries struct {
	list []*delivery.Delivery
}

func (f *fakeDeliveries) List() []*delivery.Delivery {
	return f.list
}

func (f *fakeDeliveries) Get(id string) (*delivery.Delivery, bool) {
	for _, d := range f.list {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

type fakeSchedule struct {
	runs int
	err  error
}

func (f *fakeSchedule) Status() schedule.Status {
	return schedule.Status{Inbox: "/srv/inbox"}
}

func (f *fakeSchedule) RunOnce(context.Context) (schedule.RunResult, error) {
	f.runs++
	if f.err != nil {
		return schedule.RunResult{Files: 1}, f.err
	}
	return schedule.RunResult{Files: 2, Batches: 1}, nil
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_State(t *testing.T) {
	ctrl := &fakeController{state: orchestrator.State{
		Mode:   orchestrator.ModeSingle,
		Single: &tracker.SingleSnapshot{Phase: tracker.PhasePolling, JobID: "j1"},
	}}
	srv := NewServer(ctrl, &fakeDeliveries{})

	rec := do(t, srv, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	st := decode[orchestrator.State](t, rec)
	require.NotNil(t, st.Single)
	assert.Equal(t, "j1", st.Single.JobID)
	assert.Equal(t, tracker.PhasePolling, st.Single.Phase)

	rec = do(t, srv, http.MethodPost, "/api/state", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Single_MergesDefaults(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{}, WithDefaults(defaultOpts))

	rec := do(t, srv, http.MethodPost, "/api/single", `{"url":"https://youtu.be/abc","resolution":"1080p"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, ctrl.specs, 1)
	assert.Equal(t, "https://youtu.be/abc", ctrl.specs[0].SourceURL)
	assert.Equal(t, backend.Options{Kind: backend.KindVideo, Format: "mp4", Resolution: "1080p", AudioBitrate: "192k"}, ctrl.specs[0].Options)
}

func TestServer_Single_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{name: "validation", err: errs.New(errs.Validation, "Please enter a valid YouTube URL"), code: http.StatusBadRequest, msg: "Please enter a valid YouTube URL"},
		{name: "consent", err: errs.New(errs.Precondition, "Please accept the terms of use before downloading"), code: http.StatusConflict, msg: "Please accept the terms of use before downloading"},
		{name: "backend", err: errs.New(errs.Submission, "Video unavailable"), code: http.StatusBadGateway, msg: "Video unavailable"},
		{name: "not found", err: errs.New(errs.NotFound, "job no longer exists"), code: http.StatusNotFound, msg: "job no longer exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&fakeController{err: tt.err}, &fakeDeliveries{}, WithDefaults(defaultOpts))

			rec := do(t, srv, http.MethodPost, "/api/single", `{"url":"https://youtu.be/abc"}`)
			require.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.msg, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestServer_Single_BadBody(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{}, WithDefaults(defaultOpts))

	rec := do(t, srv, http.MethodPost, "/api/single", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/single", `{"url":"https://youtu.be/abc","kind":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ctrl.specs)
}

func TestOptionsRequest_Merge(t *testing.T) {
	tests := []struct {
		name string
		req  optionsRequest
		want backend.Options
	}{
		{name: "empty keeps defaults", want: defaultOpts},
		{
			name: "audio drops resolution",
			req:  optionsRequest{Kind: "audio"},
			want: backend.Options{Kind: backend.KindAudio, Format: "mp3", AudioBitrate: "192k"},
		},
		{
			name: "gif drops bitrate",
			req:  optionsRequest{Kind: "GIF", Resolution: "480p"},
			want: backend.Options{Kind: backend.KindGIF, Format: "gif", Resolution: "480p"},
		},
		{
			name: "explicit fields win",
			req:  optionsRequest{Kind: "audio", Format: "m4a", AudioBitrate: "320k"},
			want: backend.Options{Kind: backend.KindAudio, Format: "m4a", AudioBitrate: "320k"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.merge(defaultOpts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, got.Validate())
		})
	}
}

func TestServer_Batch(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{}, WithDefaults(defaultOpts))

	body := `{"text":"https://youtu.be/a\r\nhttps://youtu.be/b\n","kind":"audio"}`
	rec := do(t, srv, http.MethodPost, "/api/batch", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, ctrl.lines, 1)
	assert.Equal(t, backend.KindAudio, ctrl.opts[0].Kind)

	resp := decode[batchResponse](t, rec)
	assert.Equal(t, []string{"https://youtu.be/a", "https://youtu.be/b"}, resp.Report.UniqueURLs())
	assert.Empty(t, resp.Errors)
}

func TestServer_Batch_ReportsLineErrors(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{}, WithDefaults(defaultOpts))

	rec := do(t, srv, http.MethodPost, "/api/batch", `{"urls":["https://youtu.be/a","nope","https://youtu.be/a"]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2 invalid/duplicate lines", resp.Error)
	assert.Equal(t, []string{"Line 2: Invalid YouTube URL", "Line 3: Duplicate URL"}, resp.Errors)
	assert.Empty(t, ctrl.lines)
}

func TestServer_Mode(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{})

	rec := do(t, srv, http.MethodPost, "/api/mode", `{"mode":"batch"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.ModeBatch, decode[orchestrator.State](t, rec).Mode)

	rec = do(t, srv, http.MethodPost, "/api/mode", `{"mode":"playlist"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CancelAndReset(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{})

	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/cancel", "").Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/reset", "").Code)
	assert.Equal(t, 1, ctrl.cancels)
	assert.Equal(t, 1, ctrl.resets)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/api/cancel", "").Code)
}

func TestServer_Download(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{})

	rec := do(t, srv, http.MethodPost, "/api/download", `{"all":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 3, decode[map[string]int](t, rec)["queued"])
	assert.Equal(t, 1, ctrl.all)

	rec = do(t, srv, http.MethodPost, "/api/download", `{"job_id":"j2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"j2"}, ctrl.downloads)

	ctrl.err = errs.New(errs.Precondition, "job j9 has not completed")
	rec = do(t, srv, http.MethodPost, "/api/download", `{"job_id":"j9"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_Deliveries(t *testing.T) {
	dir := t.TempDir()
	saved := filepath.Join(dir, "song.mp3")
	require.NoError(t, os.WriteFile(saved, []byte("audio bytes"), 0o644))

	now := time.Now()
	deliveries := &fakeDeliveries{list: []*delivery.Delivery{
		{ID: "dl-1", JobID: "j1", Status: delivery.StatusSuccess, Path: saved, Size: 2048, UpdatedAt: now},
		{ID: "dl-2", JobID: "j2", Status: delivery.StatusPending, UpdatedAt: now},
	}}
	ctrl := &fakeController{state: orchestrator.State{
		Mode: orchestrator.ModeSingle,
		Single: &tracker.SingleSnapshot{
			Phase: tracker.PhaseCompleted,
			JobID: "j1",
			State: backend.JobState{Status: backend.StatusCompleted, Progress: 100, Filename: "song.mp3"},
		},
	}}
	srv := NewServer(ctrl, deliveries)

	rec := do(t, srv, http.MethodGet, "/api/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "dl-1", list[0]["id"])
	assert.Equal(t, "2.0 kB", list[0]["size_human"])
	assert.NotContains(t, list[1], "size_human")

	rec = do(t, srv, http.MethodGet, "/api/deliveries/dl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[deliveryDetailResponse](t, rec)
	require.NotNil(t, detail.Job)
	assert.Equal(t, "song.mp3", detail.Job.Filename)

	rec = do(t, srv, http.MethodGet, "/api/deliveries/dl-1/file", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=song.mp3`)

	assert.Equal(t, http.StatusConflict, do(t, srv, http.MethodGet, "/api/deliveries/dl-2/file", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/deliveries/dl-9", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/deliveries/dl-1/raw", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/deliveries/", "").Code)
}

func TestParseDeliveryRoute(t *testing.T) {
	id, action, ok := parseDeliveryRoute("/api/deliveries/dl-3/file")
	require.True(t, ok)
	assert.Equal(t, "dl-3", id)
	assert.Equal(t, "file", action)

	_, _, ok = parseDeliveryRoute("/api/deliveries/a/b/c")
	assert.False(t, ok)
}

func TestServer_Consent(t *testing.T) {
	store, err := config.NewConsentStore(filepath.Join(t.TempDir(), "consent.json"))
	require.NoError(t, err)
	ctrl := &fakeController{}
	srv := NewServer(ctrl, &fakeDeliveries{}, WithConsentStore(store))

	rec := do(t, srv, http.MethodGet, "/api/consent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[config.Consent](t, rec).Accepted)

	rec = do(t, srv, http.MethodPut, "/api/consent", `{"accepted":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	saved := decode[config.Consent](t, rec)
	assert.True(t, saved.Valid())
	assert.True(t, ctrl.Snapshot().Consent)
	assert.True(t, store.Get().Valid())

	rec = do(t, srv, http.MethodPut, "/api/consent", `{"accepted":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.Snapshot().Consent)
}

func TestServer_ConsentNotConfigured(t *testing.T) {
	srv := NewServer(&fakeController{}, &fakeDeliveries{})
	assert.Equal(t, http.StatusNotImplemented, do(t, srv, http.MethodGet, "/api/consent", "").Code)
}

func TestServer_Schedule(t *testing.T) {
	srv := NewServer(&fakeController{}, &fakeDeliveries{})
	assert.Equal(t, http.StatusNotImplemented, do(t, srv, http.MethodGet, "/api/schedule", "").Code)

	sched := &fakeSchedule{}
	srv = NewServer(&fakeController{}, &fakeDeliveries{}, WithSchedule(sched))

	rec := do(t, srv, http.MethodGet, "/api/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/srv/inbox", decode[schedule.Status](t, rec).Inbox)

	rec = do(t, srv, http.MethodPost, "/api/schedule/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[schedule.RunResult](t, rec).Files)
	assert.Equal(t, 1, sched.runs)

	sched.err = errs.New(errs.Precondition, "Please accept the terms of use before downloading")
	rec = do(t, srv, http.MethodPost, "/api/schedule/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "accept the terms")
}

func TestServer_Stream(t *testing.T) {
	deliveries := &fakeDeliveries{list: []*delivery.Delivery{
		{ID: "dl-1", JobID: "j1", Status: delivery.StatusSuccess, Size: 1_500_000, UpdatedAt: time.Now()},
	}}
	srv := NewServer(&fakeController{}, deliveries, WithStreamInterval(10*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	events := 0
	for events < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, orchestrator.ModeSingle, ev.State.Mode)
		require.Len(t, ev.Deliveries, 1)
		assert.Equal(t, "1.5 MB", ev.Deliveries[0].SizeHuman)
		assert.Equal(t, "1 saved, 1.5 MB", ev.Summary)
		events++
	}
}
