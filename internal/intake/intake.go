// Package intake accepts tickets pushed by external systems (CRM, helpdesk,
// chat bots) on per-source endpoints and delivers outcomes back to them.
package intake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/h1v3-io/triage/internal/metrics"
	"github.com/h1v3-io/triage/internal/workflow"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// SignatureHeader carries "sha256=<hex>" of the raw body.
const SignatureHeader = "X-Signature-256"

// Source authenticates one ticket source.
type Source struct {
	Secret      string
	BearerToken string
	CallbackURL string
}

// Payload is the JSON body a source posts.
type Payload struct {
	TicketID    string         `json:"ticket_id,omitempty"`
	Description string         `json:"description"`
	UserInfo    map[string]any `json:"user_info,omitempty"`
}

// Callback is the JSON body delivered to a source's callback URL.
type Callback struct {
	Source   string                  `json:"source"`
	TicketID string                  `json:"ticket_id,omitempty"`
	Outcome  *protocol.TicketOutcome `json:"outcome,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Resolver runs a ticket through the agent workflow.
type Resolver interface {
	Resolve(ctx context.Context, req protocol.TicketRequest) (*protocol.TicketOutcome, error)
}

// Handler serves POST /api/v1/intake/{source}.
type Handler struct {
	sources  map[string]Source
	resolver Resolver
	client   *http.Client
	logger   *slog.Logger
	baseCtx  context.Context
	wg       sync.WaitGroup
}

// Option configures a Handler.
type Option func(*Handler)

// WithHTTPClient sets the client used for callbacks.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithBaseContext sets the context asynchronous runs derive from. Cancelling
// it aborts runs still in flight.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Handler) { h.baseCtx = ctx }
}

// New creates an intake handler.
func New(sources map[string]Source, resolver Resolver, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		sources:  sources,
		resolver: resolver,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "intake"),
		baseCtx:  context.Background(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Wait blocks until asynchronous runs and their callbacks finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"detail": "method not allowed"})
		return
	}

	name := r.PathValue("source")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	src, ok := h.sources[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": fmt.Sprintf("unknown intake source: %s", name)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "failed to read body"})
		return
	}

	if !authenticate(r, src, body) {
		metrics.IntakeRequests.WithLabelValues(name, "unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
		return
	}

	var payload Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		metrics.IntakeRequests.WithLabelValues(name, "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid JSON payload"})
		return
	}
	payload.Description = strings.TrimSpace(payload.Description)
	if payload.Description == "" {
		metrics.IntakeRequests.WithLabelValues(name, "invalid").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "description is required"})
		return
	}

	req := protocol.TicketRequest{Description: payload.Description, UserInfo: payload.UserInfo}
	if payload.TicketID != "" {
		if req.UserInfo == nil {
			req.UserInfo = make(map[string]any, 1)
		}
		if _, set := req.UserInfo["ticket_id"]; !set {
			req.UserInfo["ticket_id"] = payload.TicketID
		}
	}
	logger := h.logger.With("source", name, "ticket_id", payload.TicketID)

	if src.CallbackURL == "" {
		metrics.IntakeRequests.WithLabelValues(name, "sync").Inc()
		outcome, err := h.resolver.Resolve(r.Context(), req)
		if err != nil {
			var wfErr *workflow.Error
			if errors.As(err, &wfErr) {
				w.Header().Set("X-Request-ID", wfErr.RequestID)
			}
			logger.Error("intake run failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
			return
		}
		w.Header().Set("X-Request-ID", outcome.RequestID)
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	metrics.IntakeRequests.WithLabelValues(name, "accepted").Inc()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("intake run panicked", "panic", fmt.Sprintf("%v", rec))
			}
		}()
		h.process(logger, name, src, payload.TicketID, req)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"source":    name,
		"ticket_id": payload.TicketID,
	})
}

func (h *Handler) process(logger *slog.Logger, name string, src Source, ticketID string, req protocol.TicketRequest) {
	cb := Callback{Source: name, TicketID: ticketID}
	outcome, err := h.resolver.Resolve(h.baseCtx, req)
	if err != nil {
		logger.Error("intake run failed", "error", err)
		cb.Error = err.Error()
	} else {
		cb.Outcome = outcome
	}

	if err := h.deliver(src, cb); err != nil {
		metrics.CallbackDeliveries.WithLabelValues(name, "error").Inc()
		logger.Error("callback delivery failed", "url", src.CallbackURL, "error", err)
		return
	}
	metrics.CallbackDeliveries.WithLabelValues(name, "success").Inc()
	logger.Info("callback delivered", "url", src.CallbackURL)
}

func (h *Handler) deliver(src Source, cb Callback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.baseCtx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, src.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if src.Secret != "" {
		req.Header.Set(SignatureHeader, ComputeSignature(body, src.Secret))
	}
	if src.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+src.BearerToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func authenticate(r *http.Request, src Source, body []byte) bool {
	if src.Secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" {
			sig = r.Header.Get("X-Hub-Signature-256")
		}
		return VerifySignature(body, src.Secret, sig)
	}
	if src.BearerToken != "" {
		return r.Header.Get("Authorization") == "Bearer "+src.BearerToken
	}
	// No credentials configured: open source, for local development.
	return true
}

// VerifySignature checks a "sha256=<hex>" HMAC-SHA256 signature of body.
func VerifySignature(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ComputeSignature returns the "sha256=<hex>" HMAC-SHA256 signature of body.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// extractName gets the last path segment from /api/v1/intake/{source}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
