package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/workflow"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// Resolver runs a ticket through the agent workflow.
type Resolver interface {
	Resolve(ctx context.Context, req protocol.TicketRequest) (*protocol.TicketOutcome, error)
}

// RecordReader reads persisted runs.
type RecordReader interface {
	Get(requestID string) (*ticket.Record, error)
	List(filter ticket.Filter) ([]*ticket.Record, error)
	Count(filter ticket.Filter) (int, error)
}

// LogQuerier abstracts log entry querying to avoid coupling to logbuf.Buffer directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host        string
	Port        int
	Key         string // API key for Bearer auth
	CORSOrigins []string
	Version     string
}

// Server is the triage REST API server.
type Server struct {
	resolver Resolver
	records  RecordReader
	cfg      Config
	logger   *slog.Logger
	logs     LogQuerier
	mux      *http.ServeMux
	srv      *http.Server
}

// NewServer creates a new API server. records and logs may be nil.
func NewServer(resolver Resolver, records RecordReader, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	s := &Server{
		resolver: resolver,
		records:  records,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		logs:     logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/tickets/health", s.handleTicketsHealth)
	mux.HandleFunc("POST /api/v1/tickets/process", s.requireAuth(s.handleProcess))
	mux.HandleFunc("GET /api/v1/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/v1/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	mux.Handle("GET /metrics", promhttp.Handler())
	s.mux = mux

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.timingMiddleware(s.corsMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Mount registers an extra route that brings its own authentication.
// Call before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

// timedWriter sets X-Process-Time just before the header is written.
type timedWriter struct {
	http.ResponseWriter
	start  time.Time
	status int
}

func (w *timedWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.Header().Set("X-Process-Time", strconv.FormatFloat(time.Since(w.start).Seconds(), 'f', 6, 64))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *timedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timedWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
		if tw.status == 0 {
			tw.WriteHeader(http.StatusOK)
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", tw.status,
			"duration", time.Since(tw.start),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowAll := len(s.cfg.CORSOrigins) == 0 || slices.Contains(s.cfg.CORSOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.cfg.CORSOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Process-Time, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTicketsHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   s.cfg.Version,
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req protocol.TicketRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON: " + err.Error()})
		return
	}
	req.Description = strings.TrimSpace(req.Description)

	s.logger.Info("received ticket request", "description_len", len(req.Description))
	outcome, err := s.resolver.Resolve(r.Context(), req)
	if err != nil {
		var wfErr *workflow.Error
		if errors.As(err, &wfErr) {
			w.Header().Set("X-Request-ID", wfErr.RequestID)
		}
		s.logger.Error("error processing ticket", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	w.Header().Set("X-Request-ID", outcome.RequestID)
	writeJSON(w, http.StatusOK, outcome)
}

// recordView is the API shape of a stored run.
type recordView struct {
	protocol.TicketOutcome
	Description string            `json:"description"`
	UserInfo    map[string]string `json:"user_info,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func viewOf(rec *ticket.Record) recordView {
	v := recordView{
		TicketOutcome: rec.Outcome,
		Description:   rec.Description,
		UserInfo:      rec.UserInfo,
		Error:         rec.Error,
	}
	if v.Transcript == nil {
		v.Transcript = []protocol.TranscriptEntry{}
	}
	return v
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "ticket store is not configured"})
		return
	}
	q := r.URL.Query()
	filter := ticket.Filter{Query: q.Get("q"), Limit: 50}
	if status := q.Get("status"); status != "" {
		st := protocol.OutcomeStatus(status)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": fmt.Sprintf("unknown status %q", status)})
			return
		}
		filter.Status = &st
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	recs, err := s.records.List(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	countFilter := filter
	countFilter.Limit = 0
	total, err := s.records.Count(countFilter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}

	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "tickets": views})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "ticket store is not configured"})
		return
	}
	rec, err := s.records.Get(r.PathValue("id"))
	if errors.Is(err, ticket.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "ticket not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		MinLevel:  slog.LevelDebug,
		RequestID: q.Get("request_id"),
		Contains:  q.Get("q"),
		Limit:     200,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := q.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
