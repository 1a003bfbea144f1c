// Package logstore queries the centralized log search service.
package logstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPageSize   = 100
	defaultLookback   = 48 * time.Hour
	defaultTimeout    = 30 * time.Second
	maxErrorBodyBytes = 1024
	maxBodyBytes      = 32 << 20
	timeLayout        = "2006-01-02 15:04:05"
)

// Querier is the read side of a log store.
type Querier interface {
	Query(ctx context.Context, term string) ([]Record, error)
}

// Record is one log line returned by the store. Fields keeps every attribute
// of the row, including timestamp and message.
type Record struct {
	Timestamp string
	Message   string
	Fields    map[string]any
}

// UnmarshalJSON keeps all row attributes while lifting the well-known ones.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Fields = fields
	r.Timestamp = stringField(fields, "timestamp")
	r.Message = stringField(fields, "message")
	return nil
}

// MarshalJSON writes the passthrough fields back out.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["timestamp"] = r.Timestamp
	out["message"] = r.Message
	return json.Marshal(out)
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// TransportError reports that the log store could not be reached.
type TransportError struct {
	Term string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("log store: query %q: %v", e.Term, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a non-success answer from the log store, either an
// HTTP status other than 200 or a non-zero application code.
type StatusError struct {
	Term       string
	StatusCode int
	Code       int
	Body       string
}

func (e *StatusError) Error() string {
	if e.StatusCode != http.StatusOK {
		return fmt.Sprintf("log store: query %q: status %d: %s", e.Term, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("log store: query %q: code %d: %s", e.Term, e.Code, e.Body)
}

// Config holds connection settings for the log store.
type Config struct {
	URL      string
	Project  string
	Cookie   string
	PageSize int
	Lookback time.Duration
	// RateLimit caps queries per second; zero disables limiting.
	RateLimit float64
	Timeout   time.Duration
}

// Client queries the log search endpoint with form-encoded POST requests.
// It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithClock overrides the clock used to compute the query window.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) { cl.now = now }
}

// New creates a log store client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	Code  int      `json:"code"`
	Msg   string   `json:"msg"`
	Total int      `json:"total"`
	Rows  []Record `json:"rows"`
}

// Query searches log messages for term within the configured lookback window.
// An empty result is not an error.
func (c *Client) Query(ctx context.Context, term string) ([]Record, error) {
	term = cleanTerm(term)
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Term: term, Err: err}
		}
	}

	end := c.now()
	begin := end.Add(-c.cfg.Lookback)
	form := url.Values{
		"projects":      {c.cfg.Project},
		"project":       {c.cfg.Project},
		"beginTime":     {begin.Format(timeLayout)},
		"endTime":       {end.Format(timeLayout)},
		"message":       {term},
		"sort":          {"asc"},
		"isAsc":         {"asc"},
		"pageSize":      {strconv.Itoa(c.cfg.PageSize)},
		"pageNum":       {"1"},
		"orderByColumn": {""},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Term: term, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Term: term, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &TransportError{Term: term, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(body) > maxBodyBytes {
		return nil, &TransportError{Term: term, Err: fmt.Errorf("response exceeds %d bytes", maxBodyBytes)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Term: term, StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	var sr searchResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&sr); err != nil {
		return nil, &StatusError{Term: term, StatusCode: resp.StatusCode, Body: "invalid JSON: " + truncate(body)}
	}
	if sr.Code != 0 {
		return nil, &StatusError{Term: term, StatusCode: resp.StatusCode, Code: sr.Code, Body: sr.Msg}
	}
	return sr.Rows, nil
}

// cleanTerm drops surrounding whitespace and quotes that models tend to add.
func cleanTerm(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBodyBytes {
		return string(b[:maxErrorBodyBytes]) + "..."
	}
	return string(b)
}
