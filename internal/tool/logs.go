package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/h1v3-io/triage/internal/correlate"
)

// Correlator resolves ticket text into related log records.
type Correlator interface {
	Correlate(ctx context.Context, text string) correlate.Result
}

// SystemLogsTool searches the log store for the customer named in the query
// and follows the trace ids it finds.
type SystemLogsTool struct {
	Correlator Correlator
}

func (t *SystemLogsTool) Name() string { return "query_system_logs" }
func (t *SystemLogsTool) Description() string {
	return "Query the system logs for a customer. Pass the ticket text or any text containing " +
		"the user id, id card number or phone number; related trace logs are included automatically."
}
func (t *SystemLogsTool) Parameters() map[string]any {
	return objectSchema("query", map[string]any{
		"query": stringParam("Text containing the customer identifier, usually the ticket content"),
	})
}

func (t *SystemLogsTool) Execute(ctx context.Context, params map[string]any, run RunContext) (Result, error) {
	query := firstString(params, "query", "params", "text")
	if query == "" {
		return Result{}, fmt.Errorf("query_system_logs: query is required")
	}
	if t.Correlator == nil {
		return Text("log search is not available (no log store configured)"), nil
	}

	// A user id resolved earlier in the run wins over whatever the model
	// copied into the query.
	if uid := run.Value("user_id"); uid != "" && !strings.Contains(query, uid) {
		query = "用户ID:" + uid + " " + query
	}

	res := t.Correlator.Correlate(ctx, query)
	out := Result{
		Content: correlate.Render(res),
		Facts:   map[string]string{"log_status": string(res.Status)},
	}
	if res.Selected.Value != "" {
		out.Facts["identifier"] = res.Selected.Value
		out.Facts["identifier_kind"] = string(res.Selected.Kind)
	}
	return out, nil
}
