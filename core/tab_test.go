package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmux/agentmux/schema"
)

func TestSanitizePathComponent(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/home/user/work", "home_user_work"},
		{`C:\repos\agent`, "C__repos_agent"},
		{"plain", "plain"},
		{"///x", "x"},
	}
	for _, tc := range cases {
		if got := sanitizePathComponent(tc.in); got != tc.want {
			t.Fatalf("sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogFilePathLayout(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	got := logFilePath("/var/log/agents", now, "fixer", "Terminal", "/home/u/wt")
	want := filepath.Join("/var/log/agents", "2026-03", "14", "150926_fixer_Terminal_home_u_wt.log")
	if got != want {
		t.Fatalf("logFilePath = %q, want %q", got, want)
	}
}

func TestReduceStatus(t *testing.T) {
	cases := []struct {
		name string
		tabs []schema.Tab
		want schema.Status
	}{
		{"empty", nil, schema.StatusIdle},
		{"all idle", []schema.Tab{{Status: schema.StatusIdle}}, schema.StatusIdle},
		{"running wins", []schema.Tab{{Status: schema.StatusStopped}, {Status: schema.StatusRunning}}, schema.StatusRunning},
		{"stopped over idle", []schema.Tab{{Status: schema.StatusIdle}, {Status: schema.StatusStopped}}, schema.StatusStopped},
	}
	for _, tc := range cases {
		if got := reduceStatus(tc.tabs); got != tc.want {
			t.Fatalf("%s: reduceStatus = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAgentBranchName(t *testing.T) {
	branch := agentBranchName("Fix Auth Bug", "0b1c2d3e-4f50-6172-8394-a5b6c7d8e9f0")
	if branch != "agent/fix-auth-bug-0b1c2d3e" {
		t.Fatalf("unexpected branch name %q", branch)
	}
	if got := agentBranchName("!!!", "abcdef12-3456"); got != "agent/agent-abcdef12" {
		t.Fatalf("unexpected fallback branch %q", got)
	}
}
