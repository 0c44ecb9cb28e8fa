package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmux/agentmux/core"
	"github.com/agentmux/agentmux/internal/appconfig"
	"github.com/agentmux/agentmux/internal/eventbus"
	"github.com/agentmux/agentmux/internal/persist"
	"github.com/agentmux/agentmux/internal/worktree"
	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

// Server serves the HTTP API and the /ws subscriber channel.
type Server struct {
	cfg       Config
	appCfg    appconfig.Config
	registry  *core.Registry
	worktrees *worktree.Coordinator
	store     *persist.Store
	bus       *eventbus.Bus
	log       pslog.Logger
}

// NewServer constructs an HTTP server over the session engine.
func NewServer(cfg Config, appCfg appconfig.Config, registry *core.Registry, worktrees *worktree.Coordinator, store *persist.Store, bus *eventbus.Bus, logger pslog.Logger) *Server {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{
		cfg:       cfg,
		appCfg:    appCfg,
		registry:  registry,
		worktrees: worktrees,
		store:     store,
		bus:       bus,
		log:       logger,
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/diff", s.handleAgentDiff)
	mux.HandleFunc("POST /api/agents/{id}/pr", s.handleAgentPR)
	mux.HandleFunc("POST /api/agents/{id}/merge", s.handleAgentMerge)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("GET /api/terminal-settings", s.handleGetTerminalSettings)
	mux.HandleFunc("PUT /api/terminal-settings", s.handlePutTerminalSettings)
	mux.HandleFunc("GET /api/recent-repos", s.handleRecentRepos)
	mux.HandleFunc("/ws", s.handleWS)
	return withRequestLogging(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.registry.Get(schema.AgentID(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		SourceRepo string `json:"sourceRepo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.SourceRepo == "" {
		writeError(w, http.StatusBadRequest, "name and sourceRepo are required")
		return
	}
	agent, err := s.registry.Create(r.Context(), req.Name, req.SourceRepo)
	if err != nil {
		if errors.Is(err, schema.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Delete(r.Context(), schema.AgentID(r.PathValue("id")))
	if err != nil {
		if errors.Is(err, schema.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.agentWorkDir(w, r)
	if !ok {
		return
	}
	out, err := s.worktrees.Status(r.Context(), workDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": out})
}

func (s *Server) handleAgentDiff(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.agentWorkDir(w, r)
	if !ok {
		return
	}
	out, err := s.worktrees.Diff(r.Context(), workDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"diff": out})
}

func (s *Server) handleAgentPR(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.agentWorkDir(w, r)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	url, err := s.worktrees.CreatePullRequest(r.Context(), workDir, req.Title, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prUrl": url})
}

func (s *Server) handleAgentMerge(w http.ResponseWriter, r *http.Request) {
	workDir, ok := s.agentWorkDir(w, r)
	if !ok {
		return
	}
	var req struct {
		TargetBranch string `json:"targetBranch"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	result, err := s.worktrees.TryLocalMerge(r.Context(), workDir, req.TargetBranch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	logDir, logEnabled := s.LoggingSettings()
	writeJSON(w, http.StatusOK, map[string]any{
		"logDir":     logDir,
		"logEnabled": logEnabled,
		"port":       s.cfg.Port,
		"vitePort":   s.cfg.VitePort,
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LogDir     string `json:"logDir"`
		LogEnabled *bool  `json:"logEnabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.store.SetLogging(req.LogDir, req.LogEnabled)
	logDir, logEnabled := s.LoggingSettings()
	writeJSON(w, http.StatusOK, map[string]any{"logDir": logDir, "logEnabled": logEnabled})
}

func (s *Server) handleGetTerminalSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Terminal())
}

func (s *Server) handlePutTerminalSettings(w http.ResponseWriter, r *http.Request) {
	var req schema.TerminalSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.store.SetTerminal(req)
	writeJSON(w, http.StatusOK, s.store.Terminal())
}

func (s *Server) handleRecentRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"repos": s.store.RecentRepos()})
}

// LoggingSettings merges stored logging preferences over the config
// defaults.
func (s *Server) LoggingSettings() (string, bool) {
	logDir := s.appCfg.LogDir
	logEnabled := s.appCfg.LogEnabled
	stored := s.store.Logging()
	if stored.LogDir != "" {
		logDir = stored.LogDir
	}
	if stored.LogEnabled != nil {
		logEnabled = *stored.LogEnabled
	}
	return logDir, logEnabled
}

func (s *Server) agentWorkDir(w http.ResponseWriter, r *http.Request) (string, bool) {
	workDir, err := s.registry.WorkDir(schema.AgentID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return "", false
	}
	return workDir, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
