package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/internal/subject"
	"github.com/h1v3-io/triage/pkg/protocol"
)

// SubjectSearcher finds catalogue activities close to an embedding.
type SubjectSearcher interface {
	Search(ctx context.Context, query []float64, opts subject.SearchOptions) ([]subject.Match, error)
}

// SubjectTool classifies a ticket against the activity catalogue: it looks up
// the most similar activity descriptions and asks the model to pick the three
// most likely ones.
type SubjectTool struct {
	Index    SubjectSearcher
	Embedder provider.Embedder
	Provider provider.Provider
	Model    string
	Options  subject.SearchOptions
}

func (t *SubjectTool) Name() string { return "analyze_ticket_subject" }
func (t *SubjectTool) Description() string {
	return "Find the campaign activities (subject codes) a ticket is most likely about, " +
		"based on similarity to the activity descriptions."
}
func (t *SubjectTool) Parameters() map[string]any {
	return objectSchema("query", map[string]any{
		"query": stringParam("The customer's problem description, including any activity name mentioned"),
	})
}

func (t *SubjectTool) Execute(ctx context.Context, params map[string]any, run RunContext) (Result, error) {
	query := firstString(params, "query", "text")
	if query == "" {
		return Result{}, fmt.Errorf("analyze_ticket_subject: query is required")
	}
	if t.Index == nil || t.Embedder == nil {
		return Text("subject analysis is not available (no activity index configured), use another tool"), nil
	}

	vectors, err := t.Embedder.Embed(ctx, protocol.EmbeddingRequest{Input: []string{query}})
	if err != nil {
		return Result{}, fmt.Errorf("analyze_ticket_subject: embed: %w", err)
	}
	if len(vectors) != 1 {
		return Result{}, fmt.Errorf("analyze_ticket_subject: expected one embedding, got %d", len(vectors))
	}

	opts := t.Options
	if opts.K == 0 {
		opts = subject.DefaultSearchOptions()
	}
	matches, err := t.Index.Search(ctx, vectors[0], opts)
	if err != nil {
		return Result{}, fmt.Errorf("analyze_ticket_subject: search: %w", err)
	}
	if len(matches) == 0 {
		return Text("no related activities found"), nil
	}

	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "result %d (%s):\n%s", i+1, m.Code, m.Description)
	}
	candidates := b.String()

	if t.Provider == nil {
		return Result{
			Content: "most similar activities:\n\n" + candidates,
			Facts:   map[string]string{"subject_code": matches[0].Code},
		}, nil
	}

	resp, err := t.Provider.Chat(ctx, protocol.ChatRequest{
		Model: t.Model,
		Messages: []protocol.ChatMessage{{
			Role: "user",
			Content: "Below are several activity descriptions with their subject codes. " +
				"Based on them, work out the 3 activities the customer is most likely asking about.\n\n" +
				"Customer problem:\n" + query + "\n\n" + candidates + "\n\n" +
				"Return the 3 most relevant activities with their subject codes.",
		}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("analyze_ticket_subject: rank: %w", err)
	}
	return Result{
		Content: resp.Content,
		Facts:   map[string]string{"subject_code": matches[0].Code},
	}, nil
}
