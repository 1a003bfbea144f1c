package protocol

import "testing"

func TestToolAllowed(t *testing.T) {
	t.Run("no lists allows all", func(t *testing.T) {
		spec := AgentSpec{}
		for _, name := range []string{"query_system_logs", "query_user_info", "analyze_ticket_subject"} {
			if !spec.ToolAllowed(name) {
				t.Errorf("expected %q to be allowed with no lists", name)
			}
		}
	})

	t.Run("whitelist only allows listed", func(t *testing.T) {
		spec := AgentSpec{
			ToolsWhitelist: []string{"query_system_logs"},
		}
		if !spec.ToolAllowed("query_system_logs") {
			t.Error("expected query_system_logs to be allowed")
		}
		if spec.ToolAllowed("query_user_info") {
			t.Error("expected query_user_info to be denied")
		}
	})

	t.Run("blacklist blocks listed", func(t *testing.T) {
		spec := AgentSpec{
			ToolsBlacklist: []string{"query_ticket_background"},
		}
		if !spec.ToolAllowed("query_system_logs") {
			t.Error("expected query_system_logs to be allowed")
		}
		if spec.ToolAllowed("query_ticket_background") {
			t.Error("expected query_ticket_background to be blocked")
		}
	})

	t.Run("whitelist takes precedence over blacklist", func(t *testing.T) {
		spec := AgentSpec{
			ToolsWhitelist: []string{"query_system_logs"},
			ToolsBlacklist: []string{"query_user_info"},
		}
		if !spec.ToolAllowed("query_system_logs") {
			t.Error("expected query_system_logs to be allowed (whitelisted)")
		}
		if spec.ToolAllowed("analyze_ticket_subject") {
			t.Error("expected analyze_ticket_subject to be denied (not in whitelist)")
		}
	})
}
