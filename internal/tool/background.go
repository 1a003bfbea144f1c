package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	maxFetchSize = 50 * 1024 // 50KB text output
	fetchTimeout = 30 * time.Second
)

// BackgroundTool fetches the background page of a ticket from the ticket
// platform and extracts its readable text.
type BackgroundTool struct {
	// URLTemplate is the page address with "{ticket_id}" as placeholder.
	// When empty the tool reports that it is unavailable.
	URLTemplate string
	Token       string
	Client      *http.Client
}

func (t *BackgroundTool) Name() string { return "query_ticket_background" }
func (t *BackgroundTool) Description() string {
	return "Fetch the background information of a ticket from the ticket platform"
}
func (t *BackgroundTool) Parameters() map[string]any {
	return objectSchema("ticket_id", map[string]any{
		"ticket_id": stringParam("Ticket id"),
	})
}

func (t *BackgroundTool) Execute(ctx context.Context, params map[string]any, run RunContext) (Result, error) {
	ticketID := strings.TrimSpace(firstString(params, "ticket_id", "id"))
	if ticketID == "" {
		return Result{}, fmt.Errorf("query_ticket_background: ticket_id is required")
	}
	if t.URLTemplate == "" {
		return Text("ticket background lookup is not supported at the moment, use another tool"), nil
	}

	rawURL := strings.ReplaceAll(t.URLTemplate, "{ticket_id}", url.PathEscape(ticketID))
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("query_ticket_background: invalid URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("query_ticket_background: %w", err)
	}
	req.Header.Set("User-Agent", "triage-agent/1.0")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("query_ticket_background: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Text(fmt.Sprintf("ticket %s has no background information", ticketID)), nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("query_ticket_background: HTTP %d", resp.StatusCode)
	}

	// Non-HTML pages are returned as-is, truncated.
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxFetchSize)))
		return Text(fmt.Sprintf("Ticket: %s\n\n%s", ticketID, body)), nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return Result{}, fmt.Errorf("query_ticket_background: parse: %w", err)
	}

	var textBuf bytes.Buffer
	if err := article.RenderText(&textBuf); err != nil {
		return Result{}, fmt.Errorf("query_ticket_background: render: %w", err)
	}
	text := textBuf.String()
	if len(text) > maxFetchSize {
		text = text[:maxFetchSize] + "\n... [truncated]"
	}

	return Text(fmt.Sprintf("Ticket: %s\nTitle: %s\n\n%s", ticketID, article.Title(), text)), nil
}
