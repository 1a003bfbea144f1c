package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/ticket"
	"github.com/h1v3-io/triage/internal/workflow"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// mockResolver implements Resolver for testing.
type mockResolver struct {
	got []protocol.TicketRequest
	out *protocol.TicketOutcome
	err error
}

func (m *mockResolver) Resolve(_ context.Context, req protocol.TicketRequest) (*protocol.TicketOutcome, error) {
	m.got = append(m.got, req)
	return m.out, m.err
}

func successOutcome() *protocol.TicketOutcome {
	return &protocol.TicketOutcome{
		RequestID:      "req-1",
		Status:         protocol.StatusSuccess,
		Transcript:     []protocol.TranscriptEntry{{Role: "resolution_agent", Content: "FINAL ANSWER: use card reissue."}},
		Solution:       "use card reissue.",
		ProcessingTime: 1.5,
		CreatedAt:      time.Now().UTC(),
	}
}

func newTestStore(t *testing.T) *ticket.SQLiteStore {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(resolver Resolver, records RecordReader, key string) *Server {
	return NewServer(resolver, records, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, nil)
}

func serve(srv *Server, method, target, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	w := serve(srv, "GET", "/api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestTicketsHealth(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "secret")
	w := serve(srv, "GET", "/api/v1/tickets/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health must not require auth, status = %d", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "healthy" || body["version"] != "1.0.0" || body["timestamp"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestProcess(t *testing.T) {
	resolver := &mockResolver{out: successOutcome()}
	srv := newTestServer(resolver, nil, "")

	w := serve(srv, "POST", "/api/v1/tickets/process",
		`{"description": "  兑换券未成功  ", "user_info": {"user_id": 1763739554902667264, "phone": "13518845492"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if w.Header().Get("X-Process-Time") == "" {
		t.Error("missing X-Process-Time header")
	}
	if w.Header().Get("X-Request-ID") != "req-1" {
		t.Errorf("X-Request-ID = %q", w.Header().Get("X-Request-ID"))
	}

	var out protocol.TicketOutcome
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Solution != "use card reissue." || len(out.Transcript) != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}

	req := resolver.got[0]
	if req.Description != "兑换券未成功" {
		t.Errorf("description not trimmed: %q", req.Description)
	}
	if got := req.UserInfoStrings()["user_id"]; got != "1763739554902667264" {
		t.Errorf("large user id lost precision: %q", got)
	}
}

func TestProcess_EmptyBody(t *testing.T) {
	resolver := &mockResolver{out: successOutcome()}
	srv := newTestServer(resolver, nil, "")
	w := serve(srv, "POST", "/api/v1/tickets/process", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(resolver.got) != 1 || resolver.got[0].Description != "" {
		t.Errorf("unexpected request %+v", resolver.got)
	}
}

func TestProcess_InvalidJSON(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	w := serve(srv, "POST", "/api/v1/tickets/process", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestProcess_WorkflowFailure(t *testing.T) {
	resolver := &mockResolver{err: &workflow.Error{RequestID: "req-9", Cause: errors.New("model timeout")}}
	srv := newTestServer(resolver, nil, "")

	w := serve(srv, "POST", "/api/v1/tickets/process", `{"description": "x"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if !strings.Contains(body["detail"], "model timeout") {
		t.Errorf("detail = %q", body["detail"])
	}
	if w.Header().Get("X-Request-ID") != "req-9" {
		t.Errorf("X-Request-ID = %q", w.Header().Get("X-Request-ID"))
	}
}

func TestListAndGetTickets(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, status := range []protocol.OutcomeStatus{protocol.StatusSuccess, protocol.StatusError, protocol.StatusSuccess} {
		out := successOutcome()
		out.RequestID = []string{"r1", "r2", "r3"}[i]
		out.Status = status
		out.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Save(&ticket.Record{Outcome: *out, Description: "ticket " + out.RequestID}); err != nil {
			t.Fatal(err)
		}
	}
	srv := newTestServer(&mockResolver{}, store, "")

	w := serve(srv, "GET", "/api/v1/tickets?status=success&limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var list struct {
		Total   int          `json:"total"`
		Tickets []recordView `json:"tickets"`
	}
	json.NewDecoder(w.Body).Decode(&list)
	if list.Total != 2 || len(list.Tickets) != 1 || list.Tickets[0].RequestID != "r3" {
		t.Errorf("unexpected list %+v", list)
	}

	w = serve(srv, "GET", "/api/v1/tickets/r1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view recordView
	json.NewDecoder(w.Body).Decode(&view)
	if view.Description != "ticket r1" || len(view.Transcript) != 1 {
		t.Errorf("unexpected record %+v", view)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	srv := newTestServer(&mockResolver{}, newTestStore(t), "")
	if w := serve(srv, "GET", "/api/v1/tickets/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListTickets_BadStatus(t *testing.T) {
	srv := newTestServer(&mockResolver{}, newTestStore(t), "")
	if w := serve(srv, "GET", "/api/v1/tickets?status=done", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListTickets_NoStore(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	if w := serve(srv, "GET", "/api/v1/tickets", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(&mockResolver{out: successOutcome()}, nil, "secret-key")

	if w := serve(srv, "POST", "/api/v1/tickets/process", `{}`); w.Code != http.StatusUnauthorized {
		t.Errorf("no auth: status = %d, want 401", w.Code)
	}
	if w := serve(srv, "POST", "/api/v1/tickets/process", `{}`, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", w.Code)
	}
	if w := serve(srv, "POST", "/api/v1/tickets/process", `{}`, "Authorization", "Bearer secret-key"); w.Code != http.StatusOK {
		t.Errorf("correct key: status = %d, want 200", w.Code)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	w := serve(srv, "OPTIONS", "/api/v1/tickets/process", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	restricted := NewServer(&mockResolver{}, nil, Config{CORSOrigins: []string{"https://ops.example.com"}}, nil, nil)
	w = serve(restricted, "GET", "/api/health", "", "Origin", "https://ops.example.com")
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Errorf("allowed origin not echoed: %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	w = serve(restricted, "GET", "/api/health", "", "Origin", "https://evil.example.com")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin must not be allowed")
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(100)
	logger := slog.New(logbuf.NewHandler(slog.NewTextHandler(io.Discard, nil), buf))
	logger.Info("ticket run started", "request_id", "a")
	logger.Info("ticket run started", "request_id", "b")
	logger.Warn("failed to persist ticket run", "request_id", "a")

	srv := NewServer(&mockResolver{}, nil, Config{}, nil, buf)

	w := serve(srv, "GET", "/api/logs?request_id=a", "")
	var entries []logbuf.Entry
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for run a, got %d", len(entries))
	}

	w = serve(srv, "GET", "/api/logs?level=warn", "")
	entries = nil
	json.NewDecoder(w.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].RequestID != "a" {
		t.Errorf("unexpected warn entries %+v", entries)
	}
}

func TestGetLogs_NoBuffer(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	w := serve(srv, "GET", "/api/logs", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body)
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "")
	w := serve(srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}

func TestMount_BypassesAPIKey(t *testing.T) {
	srv := newTestServer(&mockResolver{}, nil, "secret-key")
	srv.Mount("POST /api/v1/intake/{source}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, map[string]string{"source": r.PathValue("source")})
	}))

	w := serve(srv, "POST", "/api/v1/intake/crm", `{}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"crm"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}
