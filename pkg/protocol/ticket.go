package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OutcomeStatus is the processing state reported for a ticket.
type OutcomeStatus string

const (
	StatusSuccess    OutcomeStatus = "success"
	StatusError      OutcomeStatus = "error"
	StatusProcessing OutcomeStatus = "processing"
)

// Valid reports whether s is one of the known statuses.
func (s OutcomeStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusProcessing:
		return true
	}
	return false
}

// TicketRequest is a customer issue submitted for resolution.
type TicketRequest struct {
	Description string         `json:"description"`
	UserInfo    map[string]any `json:"user_info,omitempty"`
}

// Format renders the ticket as the first human message of a run.
func (r TicketRequest) Format() string {
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		desc = "无描述"
	}
	var b strings.Builder
	b.WriteString("工单内容：\n")
	b.WriteString(desc)
	if len(r.UserInfo) > 0 {
		b.WriteString("\n\n用户信息：\n")
		b.WriteString(formatUserInfo(r.UserInfo))
	}
	return b.String()
}

// UserInfoStrings flattens user info into string values, skipping empty ones.
func (r TicketRequest) UserInfoStrings() map[string]string {
	out := make(map[string]string, len(r.UserInfo))
	for k, v := range r.UserInfo {
		if v == nil {
			continue
		}
		s := stringify(v)
		if s == "" {
			continue
		}
		out[k] = s
	}
	return out
}

func formatUserInfo(info map[string]any) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+stringify(info[k]))
	}
	return strings.Join(parts, "\n")
}

// stringify prints JSON-decoded values; large integral numbers keep all digits.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// TranscriptEntry is one agent-produced message in an outcome.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TicketOutcome is the result of one resolution run. It is built once when
// the run completes and never modified afterwards.
type TicketOutcome struct {
	RequestID      string            `json:"request_id"`
	Status         OutcomeStatus     `json:"status"`
	Transcript     []TranscriptEntry `json:"messages"`
	Analysis       string            `json:"analysis"`
	Solution       string            `json:"solution"`
	ProcessingTime float64           `json:"processing_time"`
	CreatedAt      time.Time         `json:"created_at"`
}
