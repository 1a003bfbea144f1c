package tool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const defaultMaxUserRows = 20

// OpenUserDB opens the customer database through the pgx driver.
func OpenUserDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open user db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping user db: %w", err)
	}
	return db, nil
}

// UserInfoTool answers natural-language questions about a customer by having
// the model write a read-only SQL query against the customer database.
type UserInfoTool struct {
	DB       *sql.DB
	Provider provider.Provider
	Model    string
	// Schema describes the tables to the model. When empty it is loaded from
	// information_schema on first use.
	Schema  string
	MaxRows int
	Logger  *slog.Logger

	mu     sync.Mutex
	loaded string
}

func (t *UserInfoTool) Name() string { return "query_user_info" }
func (t *UserInfoTool) Description() string {
	return "Query the customer database for a user's details. Describe what you need in plain language, " +
		"e.g. the user id or phone number to look up."
}
func (t *UserInfoTool) Parameters() map[string]any {
	return objectSchema("query", map[string]any{
		"query": stringParam("What to look up, including any known user id, id number or phone number"),
	})
}

func (t *UserInfoTool) Execute(ctx context.Context, params map[string]any, run RunContext) (Result, error) {
	question := firstString(params, "query", "user_query")
	if question == "" {
		return Result{}, fmt.Errorf("query_user_info: query is required")
	}
	if t.DB == nil || t.Provider == nil {
		return Text("user lookup is not available (no user database configured), use another tool"), nil
	}

	schema, err := t.schema(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("query_user_info: %w", err)
	}

	resp, err := t.Provider.Chat(ctx, protocol.ChatRequest{
		Model:    t.Model,
		Messages: []protocol.ChatMessage{{Role: "user", Content: sqlPrompt(schema, question)}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("query_user_info: generate sql: %w", err)
	}
	query, err := readOnlySQL(resp.Content)
	if err != nil {
		return Result{}, fmt.Errorf("query_user_info: %w", err)
	}
	t.logger().Debug("generated user query", "request_id", run.RequestID, "sql", query)

	columns, rows, err := t.run(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("query_user_info: %w", err)
	}
	if len(rows) == 0 {
		return Text("no matching user found, try another tool"), nil
	}

	formatted := make([]string, len(rows))
	for i, row := range rows {
		formatted[i] = formatRow(row)
	}
	out := Result{
		Content: fmt.Sprintf("user details retrieved: [%s]\ncolumns: %s",
			strings.Join(formatted, ", "), strings.Join(columns, ", ")),
	}
	if id := userIDFromRow(columns, rows[0]); id != "" {
		out.Facts = map[string]string{"user_id": id}
	}
	return out, nil
}

func (t *UserInfoTool) schema(ctx context.Context) (string, error) {
	if t.Schema != "" {
		return t.Schema, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded != "" {
		return t.loaded, nil
	}

	rows, err := t.DB.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return "", fmt.Errorf("load schema: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	current := ""
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", fmt.Errorf("scan schema: %w", err)
		}
		if table != current {
			if current != "" {
				b.WriteString(")\n")
			}
			fmt.Fprintf(&b, "TABLE %s (", table)
			current = table
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", column, dataType)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("load schema: %w", err)
	}
	if current == "" {
		return "", fmt.Errorf("load schema: no tables visible")
	}
	b.WriteString(")\n")
	t.loaded = b.String()
	return t.loaded, nil
}

func (t *UserInfoTool) run(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := t.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("execute: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}
	limit := t.MaxRows
	if limit <= 0 {
		limit = defaultMaxUserRows
	}

	var out [][]any
	for rows.Next() && len(out) < limit {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, vals)
	}
	return columns, out, rows.Err()
}

func (t *UserInfoTool) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

func sqlPrompt(schema, question string) string {
	return `You are a database engineer. Write one PostgreSQL SELECT statement that answers the question below.

## Tables
` + schema + `
## Question
` + question + `

Rules:
- When several tables are needed, the member table is the primary table and its id column comes first.
- Only read data; never modify it.
- Reply with the SQL statement only, no explanation.`
}

var (
	sqlFence     = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")
	forbiddenSQL = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke|copy|merge|call|vacuum)\b`)
	readPrefix   = regexp.MustCompile(`(?i)^(select|with)\b`)
)

// readOnlySQL extracts the statement from a model reply and rejects anything
// but a single SELECT.
func readOnlySQL(reply string) (string, error) {
	query := strings.TrimSpace(reply)
	if m := sqlFence.FindStringSubmatch(query); m != nil {
		query = strings.TrimSpace(m[1])
	}
	query = strings.TrimSpace(strings.TrimRight(query, "; \n\t"))
	switch {
	case query == "":
		return "", fmt.Errorf("model returned no sql")
	case strings.Contains(query, ";"):
		return "", fmt.Errorf("multiple statements are not allowed")
	case !readPrefix.MatchString(query):
		return "", fmt.Errorf("only SELECT statements are allowed")
	case forbiddenSQL.MatchString(query):
		return "", fmt.Errorf("statement contains a write keyword")
	}
	return query, nil
}

func formatRow(row []any) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = formatValue(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return "'" + string(x) + "'"
	case string:
		return "'" + x + "'"
	case time.Time:
		return "'" + x.Format(time.DateTime) + "'"
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

// userIDFromRow picks the user id from a result row: a column named id or
// user_id, else a leading integer column.
func userIDFromRow(columns []string, row []any) string {
	for i, c := range columns {
		switch strings.ToLower(c) {
		case "id", "user_id", "member_id":
			if s := plainValue(row[i]); s != "" {
				return s
			}
		}
	}
	if len(row) > 0 {
		if n, ok := row[0].(int64); ok {
			return strconv.FormatInt(n, 10)
		}
	}
	return ""
}

func plainValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
