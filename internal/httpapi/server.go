package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/config"
	"github.com/MimeLyc/easy-downloader/internal/delivery"
	"github.com/MimeLyc/easy-downloader/internal/orchestrator"
	"github.com/MimeLyc/easy-downloader/internal/schedule"
	"github.com/MimeLyc/easy-downloader/internal/urls"
)

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Snapshot() orchestrator.State
	SetMode(mode orchestrator.Mode) error
	SetConsent(accepted bool)
	SubmitSingle(ctx context.Context, spec backend.JobSpec) error
	SubmitBatch(ctx context.Context, lines []string, opts backend.Options) (urls.Report, error)
	Cancel(ctx context.Context) error
	Reset() error
	Download(jobID string) error
	DownloadAll() (int, error)
}

type deliveryLister interface {
	List() []*delivery.Delivery
	Get(id string) (*delivery.Delivery, bool)
}

type consentStore interface {
	Get() config.Consent
	Update(accepted bool) (config.Consent, error)
}

type scheduleService interface {
	Status() schedule.Status
	RunOnce(ctx context.Context) (schedule.RunResult, error)
}

type Server struct {
	controller Controller
	deliveries deliveryLister
	consent    consentStore
	schedule   scheduleService
	defaults   backend.Options

	streamInterval time.Duration

	uiEnabled   bool
	uiStaticDir string

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

func WithConsentStore(store consentStore) Option {
	return func(s *Server) {
		s.consent = store
	}
}

func WithSchedule(svc scheduleService) Option {
	return func(s *Server) {
		s.schedule = svc
	}
}

// WithDefaults sets the options used for fields a submission leaves empty.
func WithDefaults(opts backend.Options) Option {
	return func(s *Server) {
		s.defaults = opts
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(controller Controller, deliveries deliveryLister, opts ...Option) *Server {
	s := &Server{
		controller:     controller,
		deliveries:     deliveries,
		streamInterval: time.Second,
		uiEnabled:      false,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/state", s.handleState)
	s.mux.HandleFunc("/api/mode", s.handleMode)
	s.mux.HandleFunc("/api/single", s.handleSingle)
	s.mux.HandleFunc("/api/batch", s.handleBatch)
	s.mux.HandleFunc("/api/cancel", s.handleCancel)
	s.mux.HandleFunc("/api/reset", s.handleReset)
	s.mux.HandleFunc("/api/download", s.handleDownload)
	s.mux.HandleFunc("/api/deliveries", s.handleDeliveries)
	s.mux.HandleFunc("/api/deliveries/", s.handleDeliveryRoutes)
	s.mux.HandleFunc("/api/stream", s.handleStream)
	s.mux.HandleFunc("/api/consent", s.handleConsent)
	s.mux.HandleFunc("/api/schedule", s.handleSchedule)
	s.mux.HandleFunc("/api/schedule/run", s.handleScheduleRun)
	s.mux.HandleFunc("/", s.handleStatic)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// SPA fallback: non-existing static file path returns index
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}
