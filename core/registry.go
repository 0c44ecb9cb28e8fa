package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/eventbus"
	"github.com/agentmux/agentmux/internal/logx"
	"github.com/agentmux/agentmux/internal/persist"
	"github.com/agentmux/agentmux/internal/worktree"
	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultTabName is the name of an agent's first tab.
	DefaultTabName = "Terminal"
	// ScrollbackPersistLimit bounds the first-tab scrollback saved across
	// restarts.
	ScrollbackPersistLimit = 50000
	// ShutdownGrace is how long PTYs get to exit after SIGINT before being
	// force-killed.
	ShutdownGrace = 5 * time.Second
)

// RegistryDeps captures the registry's collaborators.
type RegistryDeps struct {
	Worktrees *worktree.Coordinator
	Bus       *eventbus.Bus
	Control   *ControlTable
	Store     *persist.Store
	// Logging reports the current session-log destination and whether
	// logging is enabled, consulted at each PTY start.
	Logging func() (dir string, enabled bool)
	Logger  pslog.Logger
}

// Registry owns all agents and their tab sessions. The registry mutex covers
// only the agent/tab maps; worktree shell-outs, PTY operations, and
// persistence writes run outside it.
type Registry struct {
	worktrees *worktree.Coordinator
	bus       *eventbus.Bus
	control   *ControlTable
	store     *persist.Store
	logging   func() (string, bool)
	log       pslog.Logger

	mu     sync.Mutex
	agents map[schema.AgentID]*agentRecord
	order  []schema.AgentID
}

type agentRecord struct {
	id         schema.AgentID
	name       string
	sourceRepo string
	workDir    string
	branch     string
	createdAt  int64
	tabs       []*TabSession
}

// NewRegistry constructs a registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Worktrees == nil {
		return nil, errors.New("worktree coordinator is required")
	}
	if deps.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if deps.Control == nil {
		deps.Control = NewControlTable()
	}
	if deps.Logging == nil {
		deps.Logging = func() (string, bool) { return "", false }
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Registry{
		worktrees: deps.Worktrees,
		bus:       deps.Bus,
		control:   deps.Control,
		store:     deps.Store,
		logging:   deps.Logging,
		log:       logger,
		agents:    make(map[schema.AgentID]*agentRecord),
	}, nil
}

// Control returns the control-owner table.
func (r *Registry) Control() *ControlTable { return r.control }

// Restore re-admits persisted agents whose worktree still exists, each with
// one idle tab seeded from the saved scrollback. Agents whose worktree is
// gone are dropped and forgotten.
func (r *Registry) Restore(ctx context.Context) {
	if r.store == nil {
		return
	}
	saved := r.store.Agents()
	admitted := 0
	for _, entry := range saved {
		log := logx.WithAgent(ctx, entry.ID).With("work_dir", entry.WorkDir)
		info, err := os.Stat(entry.WorkDir)
		if err != nil || !info.IsDir() {
			log.Info("persisted agent dropped, worktree missing")
			continue
		}
		record := &agentRecord{
			id:         entry.ID,
			name:       entry.Name,
			sourceRepo: entry.SourceRepo,
			workDir:    entry.WorkDir,
			branch:     entry.Branch,
			createdAt:  entry.CreatedAt,
		}
		tab := r.newTab(record, DefaultTabName)
		tab.Buffer().Seed(entry.OutputBuffer)
		record.tabs = []*TabSession{tab}

		r.mu.Lock()
		r.agents[record.id] = record
		r.order = append(r.order, record.id)
		r.mu.Unlock()
		admitted++
		log.Info("persisted agent restored", "name", entry.Name)
	}
	if admitted != len(saved) {
		r.persistAgents()
	}
	r.log.Info("registry restored", "admitted", admitted, "dropped", len(saved)-admitted)
}

// Create builds a worktree for the agent and registers it with one default
// tab. The agent branch is derived from the display name plus a short unique
// suffix.
func (r *Registry) Create(ctx context.Context, name, sourceRepo string) (schema.Agent, error) {
	name = strings.TrimSpace(name)
	sourceRepo = strings.TrimSpace(sourceRepo)
	if name == "" || sourceRepo == "" {
		return schema.Agent{}, fmt.Errorf("%w: name and sourceRepo are required", schema.ErrInvalidRequest)
	}
	id := schema.AgentID(newID())
	branch := agentBranchName(name, id)
	log := logx.WithAgent(ctx, id).With("name", name, "source_repo", sourceRepo)
	log.Info("agent create start", "branch", branch)

	workDir, err := r.worktrees.Create(ctx, sourceRepo, id, branch)
	if err != nil {
		log.Warn("agent create failed", "err", err)
		return schema.Agent{}, err
	}

	record := &agentRecord{
		id:         id,
		name:       name,
		sourceRepo: sourceRepo,
		workDir:    workDir,
		branch:     branch,
		createdAt:  time.Now().UnixMilli(),
	}
	record.tabs = []*TabSession{r.newTab(record, DefaultTabName)}

	r.mu.Lock()
	r.agents[id] = record
	r.order = append(r.order, id)
	agent := r.snapshotLocked(record)
	r.mu.Unlock()

	if r.store != nil {
		r.store.TouchRecentRepo(sourceRepo)
	}
	r.persistAgents()
	r.publishAgents()
	log.Info("agent created", "work_dir", workDir)
	return agent, nil
}

// Delete stops all tabs, clears control entries, removes the worktree, and
// forgets the agent. Cleanup failures after best effort are swallowed.
func (r *Registry) Delete(ctx context.Context, id schema.AgentID) error {
	r.mu.Lock()
	record, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return schema.ErrAgentNotFound
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	tabs := record.tabs
	record.tabs = nil
	r.mu.Unlock()

	log := logx.WithAgent(ctx, id)
	for _, tab := range tabs {
		tab.Stop()
		tab.Buffer().Close()
		r.control.ClearTab(id, tab.ID())
		r.bus.PublishTabClosed(id, tab.ID())
	}
	r.worktrees.Remove(ctx, record.sourceRepo, id)
	r.persistAgents()
	r.publishAgents()
	log.Info("agent deleted")
	return nil
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(id schema.AgentID) (schema.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[id]
	if !ok {
		return schema.Agent{}, false
	}
	return r.snapshotLocked(record), true
}

// List returns snapshots of all agents in creation order.
func (r *Registry) List() []schema.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []schema.Agent {
	agents := make([]schema.Agent, 0, len(r.order))
	for _, id := range r.order {
		if record, ok := r.agents[id]; ok {
			agents = append(agents, r.snapshotLocked(record))
		}
	}
	return agents
}

// CreateTab adds a tab to the agent. An empty name yields "Terminal" for the
// first tab and "Terminal N" afterwards.
func (r *Registry) CreateTab(ctx context.Context, agentID schema.AgentID, name string) (schema.Tab, error) {
	r.mu.Lock()
	record, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return schema.Tab{}, schema.ErrAgentNotFound
	}
	name = strings.TrimSpace(name)
	if name == "" {
		if len(record.tabs) == 0 {
			name = DefaultTabName
		} else {
			name = fmt.Sprintf("%s %d", DefaultTabName, len(record.tabs)+1)
		}
	}
	tab := r.newTab(record, name)
	record.tabs = append(record.tabs, tab)
	snapshot := tab.Snapshot()
	r.mu.Unlock()

	r.bus.PublishTabCreated(agentID, snapshot)
	r.publishAgents()
	logx.WithAgentTab(ctx, agentID, snapshot.ID).Info("tab created", "name", name)
	return snapshot, nil
}

// CloseTab stops and removes a tab, clearing any control entry.
func (r *Registry) CloseTab(ctx context.Context, agentID schema.AgentID, tabID schema.TabID) error {
	r.mu.Lock()
	record, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return schema.ErrAgentNotFound
	}
	var closed *TabSession
	for i, tab := range record.tabs {
		if tab.ID() == tabID {
			closed = tab
			record.tabs = append(record.tabs[:i], record.tabs[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	if closed == nil {
		return schema.ErrTabNotFound
	}

	closed.Stop()
	closed.Buffer().Close()
	r.control.ClearTab(agentID, tabID)
	r.bus.PublishTabClosed(agentID, tabID)
	r.publishAgentStatus(agentID)
	r.publishAgents()
	logx.WithAgentTab(ctx, agentID, tabID).Info("tab closed")
	return nil
}

// StartTab lazily spawns the tab's PTY.
func (r *Registry) StartTab(ctx context.Context, agentID schema.AgentID, tabID schema.TabID, cols, rows uint16) error {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return err
	}
	logDir, logEnabled := r.logging()
	if err := tab.Start(cols, rows, logDir, logEnabled); err != nil {
		logx.WithAgentTab(ctx, agentID, tabID).Warn("tab start failed", "err", err)
		return err
	}
	r.bus.PublishTabStatus(agentID, tab.Snapshot())
	r.publishAgentStatus(agentID)
	return nil
}

// StopTab kills the tab's PTY.
func (r *Registry) StopTab(ctx context.Context, agentID schema.AgentID, tabID schema.TabID) error {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return err
	}
	tab.Stop()
	return nil
}

// WriteTab forwards input to the tab's PTY; callers enforce control
// ownership first.
func (r *Registry) WriteTab(agentID schema.AgentID, tabID schema.TabID, data string) error {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return err
	}
	tab.Write(data)
	return nil
}

// ResizeTab forwards a resize to the tab's PTY.
func (r *Registry) ResizeTab(agentID schema.AgentID, tabID schema.TabID, cols, rows uint16) error {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return err
	}
	tab.Resize(cols, rows)
	return nil
}

// TabRunning reports whether the tab currently has a live PTY.
func (r *Registry) TabRunning(agentID schema.AgentID, tabID schema.TabID) bool {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return false
	}
	return tab.Status() == schema.StatusRunning
}

// FirstTabID returns the agent's first tab.
func (r *Registry) FirstTabID(agentID schema.AgentID) (schema.TabID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok || len(record.tabs) == 0 {
		return "", false
	}
	return record.tabs[0].ID(), true
}

// SnapshotOutput returns retained chunks with seq >= fromSeq plus the highest
// assigned seq.
func (r *Registry) SnapshotOutput(agentID schema.AgentID, tabID schema.TabID, fromSeq int64) ([]schema.OutputChunk, int64, error) {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return nil, -1, err
	}
	chunks, lastSeq := tab.Buffer().Snapshot(fromSeq)
	return chunks, lastSeq, nil
}

// BufferStats returns the tab's ring statistics.
func (r *Registry) BufferStats(agentID schema.AgentID, tabID schema.TabID) (schema.BufferStats, error) {
	tab, err := r.tab(agentID, tabID)
	if err != nil {
		return schema.BufferStats{}, err
	}
	return tab.Buffer().Stats(), nil
}

// WorkDir returns the agent's worktree path.
func (r *Registry) WorkDir(agentID schema.AgentID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return "", schema.ErrAgentNotFound
	}
	return record.workDir, nil
}

// Shutdown interrupts all PTYs, waits up to ShutdownGrace for clean exits,
// force-kills stragglers, drains pending output, and persists each agent's
// first-tab scrollback tail.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	var tabs []*TabSession
	for _, record := range r.agents {
		tabs = append(tabs, record.tabs...)
	}
	r.mu.Unlock()

	for _, tab := range tabs {
		tab.Interrupt()
	}
	deadline := time.Now().Add(ShutdownGrace)
	for _, tab := range tabs {
		if !tab.WaitExit(deadline) {
			tab.Stop()
		}
	}
	for _, tab := range tabs {
		tab.Buffer().Flush()
		tab.Buffer().Close()
	}
	r.persistAgents()
	r.log.Info("registry shut down", "tabs", len(tabs))
}

func (r *Registry) newTab(record *agentRecord, name string) *TabSession {
	return newTabSession(record.id, record.name, name, record.workDir, r.bus.PublishChunk, r.log, r.onTabExit)
}

// onTabExit runs on the PTY reader goroutine after a shell exits.
func (r *Registry) onTabExit(tab *TabSession) {
	r.bus.PublishTabStatus(tab.agentID, tab.Snapshot())
	r.publishAgentStatus(tab.agentID)
}

func (r *Registry) publishAgentStatus(agentID schema.AgentID) {
	if agent, ok := r.Get(agentID); ok {
		r.bus.PublishAgentStatus(agentID, agent.Status)
	}
}

func (r *Registry) publishAgents() {
	r.bus.PublishAgentsUpdated(r.List())
}

func (r *Registry) persistAgents() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	type pending struct {
		entry  schema.PersistedAgent
		buffer *OutputBuffer
	}
	entries := make([]pending, 0, len(r.order))
	for _, id := range r.order {
		record, ok := r.agents[id]
		if !ok {
			continue
		}
		item := pending{entry: schema.PersistedAgent{
			ID:         record.id,
			Name:       record.name,
			SourceRepo: record.sourceRepo,
			WorkDir:    record.workDir,
			Branch:     record.branch,
			CreatedAt:  record.createdAt,
		}}
		if len(record.tabs) > 0 {
			item.buffer = record.tabs[0].Buffer()
		}
		entries = append(entries, item)
	}
	r.mu.Unlock()

	persisted := make([]schema.PersistedAgent, 0, len(entries))
	for _, item := range entries {
		if item.buffer != nil {
			item.entry.OutputBuffer = item.buffer.Tail(ScrollbackPersistLimit)
		}
		persisted = append(persisted, item.entry)
	}
	r.store.SetAgents(persisted)
}

func (r *Registry) tab(agentID schema.AgentID, tabID schema.TabID) (*TabSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agentID]
	if !ok {
		return nil, schema.ErrAgentNotFound
	}
	for _, tab := range record.tabs {
		if tab.ID() == tabID {
			return tab, nil
		}
	}
	return nil, schema.ErrTabNotFound
}

func (r *Registry) snapshotLocked(record *agentRecord) schema.Agent {
	tabs := make([]schema.Tab, 0, len(record.tabs))
	for _, tab := range record.tabs {
		tabs = append(tabs, tab.Snapshot())
	}
	return schema.Agent{
		ID:         record.id,
		Name:       record.name,
		SourceRepo: record.sourceRepo,
		WorkDir:    record.workDir,
		Branch:     record.branch,
		CreatedAt:  record.createdAt,
		Status:     reduceStatus(tabs),
		Tabs:       tabs,
	}
}

// reduceStatus folds tab states into the agent state: running wins, then
// stopped, then idle.
func reduceStatus(tabs []schema.Tab) schema.Status {
	status := schema.StatusIdle
	for _, tab := range tabs {
		switch tab.Status {
		case schema.StatusRunning:
			return schema.StatusRunning
		case schema.StatusStopped:
			status = schema.StatusStopped
		}
	}
	return status
}

// agentBranchName derives a branch like agent/fix-auth-1a2b3c4d from the
// display name and agent id.
func agentBranchName(name string, id schema.AgentID) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == ' ', r == '_', r == '.':
			return '-'
		default:
			return -1
		}
	}, name)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "agent"
	}
	suffix := strings.ReplaceAll(string(id), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "agent/" + slug + "-" + suffix
}
