package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/h1v3-io/triage/pkg/protocol"
)

var (
	apiURL     string
	apiKey     string
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "triagectl",
		Short:         "Operate the ticket triage service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api-url", envOr("TRIAGE_API_URL", "http://localhost:8000"), "Daemon URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TRIAGE_API_KEY"), "API key for authentication")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("TRIAGE_CONFIG"), "Config file for local commands")

	root.AddCommand(
		newProcessCmd(),
		newShowCmd(),
		newListCmd(),
		newHealthCmd(),
		newIdentifyCmd(),
		newCorrelateCmd(),
		newSubjectsCmd(),
		newPruneCmd(),
		newConfigCmd(),
	)
	return root
}

// --- API client commands ---

func newProcessCmd() *cobra.Command {
	var userInfo map[string]string
	var file string
	cmd := &cobra.Command{
		Use:   "process [description...]",
		Short: "Submit a ticket and print the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req protocol.TicketRequest
			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			}
			if len(args) > 0 {
				req.Description = strings.Join(args, " ")
			}
			if len(userInfo) > 0 {
				if req.UserInfo == nil {
					req.UserInfo = make(map[string]any, len(userInfo))
				}
				for k, v := range userInfo {
					req.UserInfo[k] = v
				}
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			// Runs can take minutes; the daemon bounds them itself.
			resp, err := apiDo(http.MethodPost, "/api/v1/tickets/process", bytes.NewReader(body), 0)
			if err != nil {
				return err
			}
			var out protocol.TicketOutcome
			if err := json.Unmarshal(resp, &out); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(resp))
				return nil
			}
			printOutcome(cmd.OutOrStdout(), &out)
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&userInfo, "user-info", "u", nil, "User info entries (key=value,...)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the request JSON from a file (- for stdin)")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a stored run with its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := apiGet("/api/v1/tickets/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var status, query, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if query != "" {
				q.Set("q", query)
			}
			if since != "" {
				q.Set("since", since)
			}
			body, err := apiGet("/api/v1/tickets?" + q.Encode())
			if err != nil {
				return err
			}
			var list struct {
				Total   int `json:"total"`
				Tickets []struct {
					RequestID   string    `json:"request_id"`
					Status      string    `json:"status"`
					Description string    `json:"description"`
					Solution    string    `json:"solution"`
					CreatedAt   time.Time `json:"created_at"`
				} `json:"tickets"`
			}
			if err := json.Unmarshal(body, &list); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			w := cmd.OutOrStdout()
			for _, t := range list.Tickets {
				fmt.Fprintf(w, "%-36s %-8s %s  %s\n", t.RequestID, t.Status,
					t.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(t.Description, 60))
			}
			fmt.Fprintf(w, "%d of %d runs\n", len(list.Tickets), list.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (success|error)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Text search on description, analysis and solution")
	cmd.Flags().StringVar(&since, "since", "", "Only runs created after this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max results")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := apiGet("/api/v1/tickets/health")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), prettyJSON(body))
			return nil
		},
	}
}

// --- Helpers ---

func printOutcome(w io.Writer, out *protocol.TicketOutcome) {
	fmt.Fprintf(w, "request:  %s\n", out.RequestID)
	fmt.Fprintf(w, "status:   %s (%.1fs)\n", out.Status, out.ProcessingTime)
	if out.Analysis != "" {
		fmt.Fprintf(w, "\nanalysis:\n%s\n", out.Analysis)
	}
	if out.Solution != "" {
		fmt.Fprintf(w, "\nsolution:\n%s\n", out.Solution)
	} else {
		fmt.Fprintln(w, "\nno final answer was reached")
	}
	fmt.Fprintf(w, "\n%d agent messages, see `triagectl show %s`\n", len(out.Transcript), out.RequestID)
}

func apiGet(path string) ([]byte, error) {
	return apiDo(http.MethodGet, path, nil, 10*time.Second)
}

func apiDo(method, path string, body io.Reader, timeout time.Duration) ([]byte, error) {
	req, err := http.NewRequest(method, strings.TrimSuffix(apiURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
