package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/idempotency"
	"github.com/zombor/receipt-ledger/internal/metrics"
)

// Server handles HTTP requests for the ledger
type Server struct {
	service   *Service
	basicAuth BasicAuth
	guard     idempotency.Guard
	metrics   *metrics.Metrics
	version   string
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Options configures the optional collaborators of a Server
type Options struct {
	BasicAuth BasicAuth
	// Guard enables Idempotency-Key handling on saves when set
	Guard   idempotency.Guard
	Metrics *metrics.Metrics
	Version string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, opts Options) *Server {
	return NewServerWithMux(service, opts, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, opts Options, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: opts.BasicAuth,
		guard:     opts.Guard,
		metrics:   opts.Metrics,
		version:   opts.Version,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Ledger"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// statusRecorder captures the status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// API endpoints - receipts and items (most specific paths first)
	s.mux.HandleFunc("POST /api/receipts", s.requireAuth(s.handleProcessReceipt))
	s.mux.HandleFunc("GET /api/items/statistics", s.requireAuth(s.handleStatistics))
	s.mux.HandleFunc("GET /api/items/by-category", s.requireAuth(s.handleBreakdown("category")))
	s.mux.HandleFunc("GET /api/items/by-store", s.requireAuth(s.handleBreakdown("store_name")))
	s.mux.HandleFunc("GET /api/items", s.requireAuth(s.handleListItems))
	s.mux.HandleFunc("POST /api/items", s.requireAuth(s.handleSaveItems))
	s.mux.HandleFunc("GET /api/items/{id}", s.requireAuth(s.handleGetItem))
	s.mux.HandleFunc("PATCH /api/items/{id}", s.requireAuth(s.handleUpdateItem))
	s.mux.HandleFunc("DELETE /api/items/{id}", s.requireAuth(s.handleDeleteItem))

	// API endpoints - questions
	s.mux.HandleFunc("POST /api/query", s.requireAuth(s.handleQuery))
}

// ServeHTTP applies CORS and request metrics around the mux
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	// Handle preflight OPTIONS requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	_, pattern := s.mux.Handler(r)
	s.mux.ServeHTTP(rec, r)
	if pattern == "" {
		pattern = "unmatched"
	}
	s.metrics.ObserveRequest(pattern, strconv.Itoa(rec.status), time.Since(start))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
