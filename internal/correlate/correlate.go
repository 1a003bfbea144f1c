// Package correlate expands a ticket into the log records related to its
// customer: it queries the log store by the customer's identifier, follows
// the trace ids found in those records and merges everything into one
// deduplicated record set.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/triage/internal/identifier"
	"github.com/h1v3-io/triage/internal/logstore"
	"github.com/h1v3-io/triage/internal/metrics"
)

const (
	// MaxTraceIDs bounds the number of follow-up queries per correlation.
	MaxTraceIDs        = 20
	defaultConcurrency = 4
)

// Status is the overall result of a correlation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusNoLogs  Status = "no_logs"
	StatusError   Status = "error"
)

// traceIDPattern matches ids embedded as "...:sso:0123456789ab:...".
var traceIDPattern = regexp.MustCompile(`:[a-z]{3}:([0-9a-f]{12}):`)

// Result is the structured outcome of Correlate.
type Result struct {
	Status      Status
	Message     string
	Records     []logstore.Record
	Identifiers identifier.Identifiers
	Selected    identifier.Identifier
	TraceIDs    []string
	// Failures holds follow-up queries that failed; they do not change Status.
	Failures []error
	// Err is set when Status is StatusError.
	Err error
}

// Resolver runs correlations against a log store. It holds no per-request
// state and is safe for concurrent use.
type Resolver struct {
	Store       logstore.Querier
	MaxTraceIDs int
	Concurrency int
	Logger      *slog.Logger
}

// NewResolver creates a Resolver with default bounds.
func NewResolver(store logstore.Querier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Store:       store,
		MaxTraceIDs: MaxTraceIDs,
		Concurrency: defaultConcurrency,
		Logger:      logger,
	}
}

// Correlate extracts the customer identifier from text and collects the
// related log records. It never returns an error; failures are reported
// through Result.Status and Result.Err.
func (r *Resolver) Correlate(ctx context.Context, text string) Result {
	ids, selected, err := identifier.ExtractBest(text)
	if err != nil {
		return Result{
			Status:      StatusError,
			Message:     "no valid user identifier found in the ticket",
			Identifiers: ids,
			Err:         err,
		}
	}

	r.Logger.Info("querying logs by identifier", "kind", selected.Kind, "identifier", selected.Value)
	records, err := r.Store.Query(ctx, selected.Value)
	if err != nil {
		metrics.LogStoreQueries.WithLabelValues("initial", "error").Inc()
		r.Logger.Warn("log query failed", "identifier", selected.Value, "error", err)
		return Result{
			Status:      StatusError,
			Message:     fmt.Sprintf("log query failed: %v", err),
			Identifiers: ids,
			Selected:    selected,
			Err:         err,
		}
	}
	metrics.LogStoreQueries.WithLabelValues("initial", queryStatus(records)).Inc()

	traceIDs := ExtractTraceIDs(records, r.maxTraceIDs())
	merged := records
	var failures []error
	if len(traceIDs) > 0 {
		r.Logger.Info("cascading trace queries", "trace_ids", len(traceIDs))
		var extra []logstore.Record
		extra, failures = r.cascade(ctx, traceIDs)
		merged = append(append([]logstore.Record(nil), records...), extra...)
	}

	unique := Dedup(merged)
	res := Result{
		Status:      StatusSuccess,
		Message:     fmt.Sprintf("found %d log records", len(unique)),
		Records:     unique,
		Identifiers: ids,
		Selected:    selected,
		TraceIDs:    traceIDs,
		Failures:    failures,
	}
	if len(unique) == 0 {
		res.Status = StatusNoLogs
		res.Message = "no matching log records found, try another tool"
	}
	return res
}

// cascade issues one query per trace id with bounded concurrency. Results
// are merged in trace id order regardless of completion order.
func (r *Resolver) cascade(ctx context.Context, traceIDs []string) ([]logstore.Record, []error) {
	results := make([][]logstore.Record, len(traceIDs))
	errs := make([]error, len(traceIDs))

	var g errgroup.Group
	g.SetLimit(r.concurrency())
	for i, id := range traceIDs {
		g.Go(func() error {
			recs, err := r.Store.Query(ctx, id)
			if err != nil {
				metrics.LogStoreQueries.WithLabelValues("cascade", "error").Inc()
				r.Logger.Warn("trace query failed", "trace_id", id, "error", err)
				errs[i] = err
				return nil
			}
			metrics.LogStoreQueries.WithLabelValues("cascade", queryStatus(recs)).Inc()
			results[i] = recs
			return nil
		})
	}
	g.Wait()

	var merged []logstore.Record
	var failures []error
	for i := range traceIDs {
		merged = append(merged, results[i]...)
		if errs[i] != nil {
			failures = append(failures, errs[i])
		}
	}
	return merged, failures
}

// ExtractTraceIDs collects the distinct trace ids embedded in the records'
// messages in first-seen order, keeping at most limit of them.
func ExtractTraceIDs(records []logstore.Record, limit int) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range records {
		for _, m := range traceIDPattern.FindAllStringSubmatch(rec.Message, -1) {
			id := m[1]
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return ids
			}
		}
	}
	return ids
}

// Dedup drops records whose message was already seen, keeping the first
// occurrence and the original order.
func Dedup(records []logstore.Record) []logstore.Record {
	seen := make(map[string]bool, len(records))
	out := make([]logstore.Record, 0, len(records))
	for _, rec := range records {
		if seen[rec.Message] {
			continue
		}
		seen[rec.Message] = true
		out = append(out, rec)
	}
	return out
}

func (r *Resolver) maxTraceIDs() int {
	if r.MaxTraceIDs <= 0 || r.MaxTraceIDs > MaxTraceIDs {
		return MaxTraceIDs
	}
	return r.MaxTraceIDs
}

func (r *Resolver) concurrency() int {
	if r.Concurrency <= 0 {
		return defaultConcurrency
	}
	return r.Concurrency
}

func queryStatus(recs []logstore.Record) string {
	if len(recs) == 0 {
		return "empty"
	}
	return "success"
}
