package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmux/agentmux/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), ".aiagent-local.json"), nil)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	store := newTestStore(t)
	state := store.Load()
	if len(state.RecentRepos) != 0 {
		t.Fatalf("expected empty recent repos, got %+v", state.RecentRepos)
	}
	if state.Terminal.FontFamily != "monospace" || state.Terminal.FontSize != 14 {
		t.Fatalf("unexpected terminal defaults: %+v", state.Terminal)
	}
}

func TestLoadCorruptFileDegradesToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".aiagent-local.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewStore(path, nil)
	state := store.Load()
	if state.Terminal.FontSize != 14 {
		t.Fatalf("expected defaults on corrupt file, got %+v", state)
	}
}

func TestRecentReposLRUBound(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 12; i++ {
		store.TouchRecentRepo(fmt.Sprintf("/repo/%d", i))
	}
	repos := store.RecentRepos()
	if len(repos) != 10 {
		t.Fatalf("expected 10 repos, got %d", len(repos))
	}
	if repos[0] != "/repo/11" {
		t.Fatalf("expected most recent first, got %q", repos[0])
	}

	store.TouchRecentRepo("/repo/5")
	repos = store.RecentRepos()
	if repos[0] != "/repo/5" {
		t.Fatalf("expected touched repo promoted, got %q", repos[0])
	}
	if len(repos) != 10 {
		t.Fatalf("touch of existing repo must not grow the list, got %d", len(repos))
	}
}

func TestTerminalSettingsRoundtrip(t *testing.T) {
	store := newTestStore(t)
	store.SetTerminal(schema.TerminalSettings{FontFamily: "Fira Code", FontSize: 16})
	got := store.Terminal()
	if got.FontFamily != "Fira Code" || got.FontSize != 16 {
		t.Fatalf("unexpected settings: %+v", got)
	}
}

func TestCrossFieldUpdatesPreserved(t *testing.T) {
	store := newTestStore(t)
	store.TouchRecentRepo("/repo/a")
	store.SetTerminal(schema.TerminalSettings{FontFamily: "Hack", FontSize: 13})
	enabled := true
	store.SetLogging("/var/log/x", &enabled)
	store.SetAgents([]schema.PersistedAgent{{ID: "a1", Name: "one", WorkDir: "/wt"}})

	state := store.Load()
	if len(state.RecentRepos) != 1 || state.Terminal.FontFamily != "Hack" {
		t.Fatalf("cross-field update lost: %+v", state)
	}
	if state.Settings.LogDir != "/var/log/x" || state.Settings.LogEnabled == nil || !*state.Settings.LogEnabled {
		t.Fatalf("logging settings lost: %+v", state.Settings)
	}
	if len(state.Agents) != 1 || state.Agents[0].ID != "a1" {
		t.Fatalf("agents lost: %+v", state.Agents)
	}
}

func TestSetAgentsReplacesList(t *testing.T) {
	store := newTestStore(t)
	store.SetAgents([]schema.PersistedAgent{{ID: "a1"}, {ID: "a2"}})
	store.SetAgents([]schema.PersistedAgent{{ID: "a2"}})
	agents := store.Agents()
	if len(agents) != 1 || agents[0].ID != "a2" {
		t.Fatalf("expected replacement, got %+v", agents)
	}
}
