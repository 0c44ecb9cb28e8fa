package persist

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

// DefaultFileName is the durable state file, resolved against the process
// working directory.
const DefaultFileName = ".aiagent-local.json"

const maxRecentRepos = 10

// LoggingSettings are the durable log preferences. Nil pointers mean "not
// set"; callers merge with config defaults.
type LoggingSettings struct {
	LogDir     string `json:"logDir,omitempty"`
	LogEnabled *bool  `json:"logEnabled,omitempty"`
}

// State is the whole-file shape of the durable store.
type State struct {
	RecentRepos []string                `json:"recentRepos"`
	Terminal    schema.TerminalSettings `json:"terminal"`
	Settings    LoggingSettings         `json:"settings,omitempty"`
	Agents      []schema.PersistedAgent `json:"agents"`
}

// Store persists console state to a single JSON file. Every write rewrites
// the whole file atomically; every mutation is a reload-modify-save so
// cross-field updates from the same tick are preserved. The process is the
// file's only writer.
type Store struct {
	mu   sync.Mutex
	path string
	log  pslog.Logger
}

// NewStore constructs a store at path, or DefaultFileName when path is empty.
func NewStore(path string, logger pslog.Logger) *Store {
	if path == "" {
		path = DefaultFileName
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{path: path, log: logger.With("state_file", path)}
}

// Load reads the state file, merging with defaults. Read failures degrade to
// defaults and are logged.
func (s *Store) Load() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() State {
	state := defaultState()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("state load failed", "err", err)
		}
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn("state parse failed", "err", err)
		return defaultState()
	}
	if state.Terminal.FontFamily == "" {
		state.Terminal.FontFamily = defaultState().Terminal.FontFamily
	}
	if state.Terminal.FontSize <= 0 {
		state.Terminal.FontSize = defaultState().Terminal.FontSize
	}
	if len(state.RecentRepos) > maxRecentRepos {
		state.RecentRepos = state.RecentRepos[:maxRecentRepos]
	}
	return state
}

func defaultState() State {
	return State{
		RecentRepos: []string{},
		Terminal:    schema.TerminalSettings{FontFamily: "monospace", FontSize: 14},
		Agents:      []schema.PersistedAgent{},
	}
}

// TouchRecentRepo moves repo to the front of the recent list, bounded at ten
// entries.
func (s *Store) TouchRecentRepo(repo string) {
	if repo == "" {
		return
	}
	s.update(func(state *State) {
		repos := make([]string, 0, len(state.RecentRepos)+1)
		repos = append(repos, repo)
		for _, existing := range state.RecentRepos {
			if existing != repo {
				repos = append(repos, existing)
			}
		}
		if len(repos) > maxRecentRepos {
			repos = repos[:maxRecentRepos]
		}
		state.RecentRepos = repos
	})
}

// RecentRepos returns the LRU recent-repo list, most recent first.
func (s *Store) RecentRepos() []string {
	return s.Load().RecentRepos
}

// Terminal returns the stored terminal settings.
func (s *Store) Terminal() schema.TerminalSettings {
	return s.Load().Terminal
}

// SetTerminal stores the terminal settings.
func (s *Store) SetTerminal(settings schema.TerminalSettings) {
	s.update(func(state *State) {
		if settings.FontFamily != "" {
			state.Terminal.FontFamily = settings.FontFamily
		}
		if settings.FontSize > 0 {
			state.Terminal.FontSize = settings.FontSize
		}
	})
}

// Logging returns the stored logging preferences.
func (s *Store) Logging() LoggingSettings {
	return s.Load().Settings
}

// SetLogging stores logging preferences. Empty dir / nil enabled leave the
// stored value untouched.
func (s *Store) SetLogging(logDir string, enabled *bool) {
	s.update(func(state *State) {
		if logDir != "" {
			state.Settings.LogDir = logDir
		}
		if enabled != nil {
			state.Settings.LogEnabled = enabled
		}
	})
}

// Agents returns the persisted agent records.
func (s *Store) Agents() []schema.PersistedAgent {
	return s.Load().Agents
}

// SetAgents replaces the persisted agent records.
func (s *Store) SetAgents(agents []schema.PersistedAgent) {
	if agents == nil {
		agents = []schema.PersistedAgent{}
	}
	s.update(func(state *State) {
		state.Agents = agents
	})
}

func (s *Store) update(mutate func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadLocked()
	mutate(&state)
	if err := s.saveLocked(state); err != nil {
		s.log.Warn("state save failed", "err", err)
	}
}

func (s *Store) saveLocked(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "aiagent-local-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}
	s.log.Trace("state save ok", "agents", len(state.Agents))
	return nil
}
