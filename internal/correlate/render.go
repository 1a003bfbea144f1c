package correlate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// Render formats a correlation result as the text handed back to an agent.
func Render(res Result) string {
	switch res.Status {
	case StatusError:
		return "error: " + res.Message
	case StatusNoLogs:
		return "query result: " + res.Message
	}

	var b strings.Builder
	fmt.Fprintf(&b, "query result: %s\n", res.Message)
	fmt.Fprintf(&b, "identifier used: %s (type: %s)\n", res.Selected.Value, res.Selected.Kind)
	if len(res.TraceIDs) > 0 {
		fmt.Fprintf(&b, "trace ids: %s\n", strings.Join(res.TraceIDs, ", "))
	}
	if len(res.Failures) > 0 {
		fmt.Fprintf(&b, "failed follow-up queries: %d\n", len(res.Failures))
	}
	b.WriteString("\n")
	for i, rec := range res.Records {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sanitize(rec.Message))
	}
	return b.String()
}

// sanitize removes ANSI escape sequences and control characters other than
// newlines and tabs.
func sanitize(s string) string {
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
