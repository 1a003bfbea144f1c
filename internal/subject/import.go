package subject

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/h1v3-io/triage/internal/provider"
	"github.com/h1v3-io/triage/pkg/protocol"
)

const defaultImportBatch = 16

// Entry is an activity before it is embedded.
type Entry struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// ParseEntries reads activities either as a JSON array of entries or as
// tab-separated "code<TAB>description" lines. Blank lines and lines starting
// with # are skipped.
func ParseEntries(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var entries []Entry
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("parse entries: %w", err)
		}
		return validEntries(entries)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		code, desc, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, fmt.Errorf("line %d: expected code<TAB>description", line)
		}
		entries = append(entries, Entry{Code: strings.TrimSpace(code), Description: strings.TrimSpace(desc)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	return validEntries(entries)
}

func validEntries(entries []Entry) ([]Entry, error) {
	for i, e := range entries {
		if e.Code == "" || e.Description == "" {
			return nil, fmt.Errorf("entry %d: code and description are required", i+1)
		}
	}
	return entries, nil
}

// Import embeds the entries' descriptions in batches and upserts them into
// the index. It returns the number of stored activities.
func Import(ctx context.Context, idx *SQLiteIndex, embedder provider.Embedder, entries []Entry, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultImportBatch
	}
	stored := 0
	for start := 0; start < len(entries); start += batchSize {
		batch := entries[start:min(start+batchSize, len(entries))]
		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.Description
		}
		vectors, err := embedder.Embed(ctx, protocol.EmbeddingRequest{Input: texts})
		if err != nil {
			return stored, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		activities := make([]Activity, len(batch))
		for i, e := range batch {
			activities[i] = Activity{Code: e.Code, Description: e.Description, Embedding: vectors[i]}
		}
		if err := idx.Upsert(ctx, activities); err != nil {
			return stored, err
		}
		stored += len(batch)
	}
	return stored, nil
}
