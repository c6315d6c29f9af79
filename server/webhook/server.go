// Package webhook accepts bucket notifications over HTTP and dispatches one
// transfer per created object.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/event"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/health"
	"github.com/migadu/s3watcher/server/dispatcher"
)

const (
	defaultMaxBodyBytes = 1 << 20
	notificationSource  = "webhook"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, objects []event.Object) ([]dispatcher.Result, error)
}

type HealthReporter interface {
	Results() []health.CheckResult
	GetOverallStatus() health.ComponentStatus
	CheckNow(ctx context.Context) health.ComponentStatus
}

// ServerOptions holds configuration options for the webhook server
type ServerOptions struct {
	Addr         string
	Path         string
	AuthToken    string // optional; when set, notifications need "Authorization: Bearer <token>"
	MaxBodyBytes int64
}

type Server struct {
	opts       ServerOptions
	dispatcher Dispatcher
	health     HealthReporter
	server     *http.Server
}

func New(d Dispatcher, h HealthReporter, opts ServerOptions) (*Server, error) {
	if d == nil {
		return nil, fmt.Errorf("webhook server needs a dispatcher")
	}
	if opts.Path == "" {
		opts.Path = "/events"
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("webhook path %q must start with /", opts.Path)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{opts: opts, dispatcher: d, health: h}, nil
}

// Start runs the server until ctx is done. Errors other than a clean shutdown
// are sent to errChan.
func Start(ctx context.Context, d Dispatcher, h HealthReporter, opts ServerOptions, errChan chan<- error) {
	s, err := New(d, h, opts)
	if err != nil {
		errChan <- fmt.Errorf("failed to create webhook server: %w", err)
		return
	}

	logger.Info("Webhook: starting server", "addr", opts.Addr, "path", s.opts.Path)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("webhook server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Webhook: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Webhook: error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.Handle(s.opts.Path, s.authMiddleware(http.HandlerFunc(s.handleNotification))).Methods(http.MethodPost)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("Webhook: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.opts.AuthToken)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NotificationResponse is returned for every accepted notification.
type NotificationResponse struct {
	Results []dispatcher.Result `json:"results"`
	Failed  bool                `json:"failed"`
}

func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Notification too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "Failed to read notification")
		return
	}

	objects, err := event.Parse(notificationSource, body)
	if err != nil {
		if errors.Is(err, consts.ErrInvalidNotification) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results, err := s.dispatcher.Dispatch(r.Context(), objects)
	if results == nil {
		results = []dispatcher.Result{}
	}
	resp := NotificationResponse{Results: results, Failed: err != nil || dispatcher.AnyFailed(results)}

	// A non-2xx status lets the sender redeliver the notification.
	status := http.StatusOK
	if resp.Failed {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, resp)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string               `json:"status"`
	Checks []health.CheckResult `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, HealthResponse{Status: string(health.StatusHealthy), Checks: []health.CheckResult{}})
		return
	}

	status := s.health.GetOverallStatus()
	if r.URL.Query().Get("fresh") == "1" {
		status = s.health.CheckNow(r.Context())
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{Status: string(status), Checks: s.health.Results()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Webhook: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
