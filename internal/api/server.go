package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/archive"
	"github.com/JakeFAU/parker/internal/backup"
	"github.com/JakeFAU/parker/internal/integrity"
	"github.com/JakeFAU/parker/internal/metrics"
	"github.com/JakeFAU/parker/internal/progress"
	"github.com/JakeFAU/parker/internal/service"
)

// Archive is the application surface served by the API.
type Archive interface {
	Submit(ctx context.Context, req service.SubmitRequest) (archive.Capture, error)
	Recapture(ctx context.Context, id string) (archive.Capture, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (service.Detail, error)
	List(ctx context.Context, q archive.CaptureQuery) (service.ListResult, error)
	AddTag(ctx context.Context, id, tag string) ([]string, error)
	RemoveTag(ctx context.Context, id, tag string) ([]string, error)
	Subscribe(ctx context.Context, id string) (*progress.Subscription, error)
	ArtifactPath(ctx context.Context, id string, kind archive.Kind) (archive.Artifact, string, error)
	CreateSchedule(ctx context.Context, rawURL string, intervalHours int) (archive.Schedule, error)
	ListSchedules(ctx context.Context) ([]archive.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) (archive.Schedule, error)
	CurrentSettings() archive.Settings
	UpdateSettings(ctx context.Context, next archive.Settings) (archive.Settings, error)
	Dashboard(ctx context.Context) (service.Dashboard, error)
	Export(ctx context.Context) (backup.Result, error)
	ExportTo(ctx context.Context, w io.Writer) (backup.Manifest, error)
	Verify(ctx context.Context) (integrity.Report, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when non-empty, is required in X-API-Key or ?api_key=.
	APIKey string
	// RequestTimeout bounds non-streaming handlers (default 60s).
	RequestTimeout time.Duration
	// Heartbeat is the SSE keep-alive interval (default 15s).
	Heartbeat time.Duration
	// MaxBodyBytes caps JSON request bodies (default 1 MiB).
	MaxBodyBytes int64
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultHeartbeat      = 15 * time.Second
	defaultMaxBodyBytes   = 1 << 20
)

// Server wires HTTP handlers to the archive service.
type Server struct {
	router  chi.Router
	archive Archive
	cfg     Config
	logger  *zap.Logger
	clock   archive.Clock
}

// NewServer constructs a Server with middleware and routes.
func NewServer(a Archive, clock archive.Clock, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{archive: a, cfg: cfg, logger: logger, clock: clock}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Streaming routes stay outside http.TimeoutHandler, which buffers
		// the response and hides http.Flusher.
		bounded := r.With(timeoutMiddleware(cfg.RequestTimeout))

		r.Route("/captures", func(r chi.Router) {
			bounded := r.With(timeoutMiddleware(cfg.RequestTimeout))
			bounded.Post("/", s.submitCapture)
			bounded.Get("/", s.listCaptures)
			bounded.Get("/{id}", s.getCapture)
			bounded.Delete("/{id}", s.deleteCapture)
			bounded.Post("/{id}/recapture", s.recapture)
			bounded.Post("/{id}/tags", s.addTag)
			bounded.Delete("/{id}/tags/{tag}", s.removeTag)
			bounded.Get("/{id}/artifacts/{kind}", s.downloadArtifact)
			r.Get("/{id}/events", s.streamEvents)
		})
		r.Route("/schedules", func(r chi.Router) {
			bounded := r.With(timeoutMiddleware(cfg.RequestTimeout))
			bounded.Post("/", s.createSchedule)
			bounded.Get("/", s.listSchedules)
			bounded.Patch("/{id}", s.toggleSchedule)
		})
		bounded.Get("/settings", s.getSettings)
		bounded.Put("/settings", s.putSettings)
		bounded.Get("/dashboard", s.dashboard)
		bounded.Post("/export", s.writeExport)
		bounded.Post("/integrity/verify", s.verify)
		r.Get("/export", s.streamExport)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.archive.Dashboard(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeJSON reads a bounded JSON body into dst, rejecting unknown fields.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// writeServiceError maps archive errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, archive.ErrInvalidURL),
		errors.Is(err, archive.ErrInvalidSettings),
		errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, archive.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (rw *statusWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
