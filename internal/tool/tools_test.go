package tool

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/triage/internal/correlate"
	"github.com/h1v3-io/triage/internal/identifier"
	"github.com/h1v3-io/triage/internal/subject"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// --- fakes ---

type stubCorrelator struct {
	mu     sync.Mutex
	texts  []string
	result correlate.Result
}

func (s *stubCorrelator) Correlate(_ context.Context, text string) correlate.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.result
}

// scriptedProvider replies with canned contents in order.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []protocol.ChatRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Chat(_ context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.replies) == 0 {
		return &protocol.ChatResponse{}, nil
	}
	reply := p.replies[0]
	p.replies = p.replies[1:]
	return &protocol.ChatResponse{Content: reply}, nil
}

type fixedEmbedder struct{ vec []float64 }

func (f fixedEmbedder) Embed(_ context.Context, req protocol.EmbeddingRequest) ([][]float64, error) {
	out := make([][]float64, len(req.Input))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

type stubSearcher struct {
	matches []subject.Match
	opts    subject.SearchOptions
}

func (s *stubSearcher) Search(_ context.Context, _ []float64, opts subject.SearchOptions) ([]subject.Match, error) {
	s.opts = opts
	return s.matches, nil
}

// --- query_system_logs ---

func TestSystemLogs_PrefixesKnownUserID(t *testing.T) {
	c := &stubCorrelator{result: correlate.Result{
		Status:   correlate.StatusSuccess,
		Message:  "found 1 log records",
		Selected: identifier.Identifier{Kind: identifier.KindUserID, Value: "42"},
	}}
	tool := &SystemLogsTool{Correlator: c}
	run := NewRunContext("req", map[string]string{"user_id": "42"})

	res, err := tool.Execute(context.Background(), map[string]any{"query": "login fails"}, run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.texts[0] != "用户ID:42 login fails" {
		t.Errorf("expected prefixed query, got %q", c.texts[0])
	}
	if res.Facts["log_status"] != "success" || res.Facts["identifier"] != "42" {
		t.Errorf("unexpected facts %v", res.Facts)
	}
	if !strings.Contains(res.Content, "identifier used: 42") {
		t.Errorf("unexpected content %q", res.Content)
	}
}

func TestSystemLogs_NoPrefixWithoutUserID(t *testing.T) {
	c := &stubCorrelator{result: correlate.Result{Status: correlate.StatusNoLogs, Message: "no matching log records found, try another tool"}}
	tool := &SystemLogsTool{Correlator: c}

	if _, err := tool.Execute(context.Background(), map[string]any{"query": "phone 13518845492"}, RunContext{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.texts[0] != "phone 13518845492" {
		t.Errorf("query should be unchanged, got %q", c.texts[0])
	}
}

func TestSystemLogs_RequiresQuery(t *testing.T) {
	tool := &SystemLogsTool{Correlator: &stubCorrelator{}}
	if _, err := tool.Execute(context.Background(), map[string]any{}, RunContext{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

// --- query_user_info ---

func userDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
		CREATE TABLE t_member (id INTEGER PRIMARY KEY, name TEXT, phone TEXT);
		INSERT INTO t_member VALUES (1763739554902667264, 'Wang', '13518845492');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return db
}

func TestUserInfo_ReturnsRowAndFacts(t *testing.T) {
	p := &scriptedProvider{replies: []string{"```sql\nSELECT id, name, phone FROM t_member WHERE phone = '13518845492';\n```"}}
	tool := &UserInfoTool{
		DB:       userDB(t),
		Provider: p,
		Schema:   "TABLE t_member (id bigint, name text, phone text)\n",
	}

	res, err := tool.Execute(context.Background(), map[string]any{"query": "user with phone 13518845492"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Facts["user_id"] != "1763739554902667264" {
		t.Errorf("expected user_id fact, got %v", res.Facts)
	}
	if !strings.Contains(res.Content, "(1763739554902667264, 'Wang', '13518845492')") {
		t.Errorf("unexpected content %q", res.Content)
	}
	if !strings.Contains(p.requests[0].Messages[0].Content, "TABLE t_member") {
		t.Error("expected schema in prompt")
	}
}

func TestUserInfo_NoRows(t *testing.T) {
	p := &scriptedProvider{replies: []string{"SELECT id FROM t_member WHERE id = 1"}}
	tool := &UserInfoTool{DB: userDB(t), Provider: p, Schema: "TABLE t_member (id bigint)\n"}

	res, err := tool.Execute(context.Background(), map[string]any{"query": "user 1"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Content, "no matching user") || res.Facts != nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestUserInfo_RejectsWrites(t *testing.T) {
	p := &scriptedProvider{replies: []string{"DELETE FROM t_member"}}
	tool := &UserInfoTool{DB: userDB(t), Provider: p, Schema: "TABLE t_member (id bigint)\n"}

	if _, err := tool.Execute(context.Background(), map[string]any{"query": "remove everyone"}, RunContext{}); err == nil {
		t.Fatal("expected write statement to be rejected")
	}
}

func TestUserInfo_ModelFailure(t *testing.T) {
	p := &scriptedProvider{err: errors.New("quota exceeded")}
	tool := &UserInfoTool{DB: userDB(t), Provider: p, Schema: "x"}
	if _, err := tool.Execute(context.Background(), map[string]any{"query": "user 1"}, RunContext{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadOnlySQL(t *testing.T) {
	tests := []struct {
		reply string
		want  string
		ok    bool
	}{
		{"SELECT 1", "SELECT 1", true},
		{"select id from t;", "select id from t", true},
		{"```sql\nWITH x AS (SELECT 1) SELECT * FROM x\n```", "WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"SELECT updated_at FROM t", "SELECT updated_at FROM t", true},
		{"SELECT 1; DROP TABLE t", "", false},
		{"UPDATE t SET a = 1", "", false},
		{"WITH d AS (DELETE FROM t RETURNING *) SELECT * FROM d", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, err := readOnlySQL(tt.reply)
		if (err == nil) != tt.ok {
			t.Errorf("readOnlySQL(%q) error = %v, want ok=%v", tt.reply, err, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("readOnlySQL(%q) = %q, want %q", tt.reply, got, tt.want)
		}
	}
}

// --- analyze_ticket_subject ---

func TestSubject_RanksCandidates(t *testing.T) {
	searcher := &stubSearcher{matches: []subject.Match{
		{Activity: subject.Activity{Code: "MX-2503", Description: "milk tea 1 cent deal"}, Score: 0.9},
		{Activity: subject.Activity{Code: "CF-01", Description: "coffee cashback"}, Score: 0.5},
	}}
	p := &scriptedProvider{replies: []string{"1. MX-2503 milk tea 1 cent deal"}}
	tool := &SubjectTool{Index: searcher, Embedder: fixedEmbedder{vec: []float64{1, 0}}, Provider: p}

	res, err := tool.Execute(context.Background(), map[string]any{"query": "voucher failed"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "1. MX-2503 milk tea 1 cent deal" {
		t.Errorf("unexpected content %q", res.Content)
	}
	if res.Facts["subject_code"] != "MX-2503" {
		t.Errorf("unexpected facts %v", res.Facts)
	}
	if searcher.opts != subject.DefaultSearchOptions() {
		t.Errorf("expected default search options, got %+v", searcher.opts)
	}
	prompt := p.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "result 1 (MX-2503)") || !strings.Contains(prompt, "result 2 (CF-01)") {
		t.Errorf("candidates missing from prompt: %q", prompt)
	}
}

func TestSubject_Unavailable(t *testing.T) {
	tool := &SubjectTool{}
	res, err := tool.Execute(context.Background(), map[string]any{"query": "x"}, RunContext{})
	if err != nil || !strings.Contains(res.Content, "not available") {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
}

// --- query_ticket_background ---

func TestBackground_NotConfigured(t *testing.T) {
	tool := &BackgroundTool{}
	res, err := tool.Execute(context.Background(), map[string]any{"ticket_id": "T-1"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Content, "not supported") {
		t.Errorf("expected unavailable message, got %q", res.Content)
	}
}

func TestBackground_FetchesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tickets/T-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Error("expected bearer token")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<!DOCTYPE html>
<html><head><title>Ticket T-1</title></head>
<body><article><h1>Voucher redemption failed</h1><p>The customer could not redeem the voucher after entering the verification code.</p></article></body>
</html>`))
	}))
	defer srv.Close()

	tool := &BackgroundTool{URLTemplate: srv.URL + "/tickets/{ticket_id}", Token: "secret"}
	res, err := tool.Execute(context.Background(), map[string]any{"ticket_id": "T-1"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Content, "Ticket T-1") {
		t.Errorf("expected title in output, got %q", res.Content)
	}
}

func TestBackground_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	tool := &BackgroundTool{URLTemplate: srv.URL + "/{ticket_id}"}
	res, err := tool.Execute(context.Background(), map[string]any{"ticket_id": "T-9"}, RunContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Content, "no background") {
		t.Errorf("unexpected content %q", res.Content)
	}
}
