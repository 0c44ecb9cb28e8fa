// Package agentmux composes the multiplexing console: the agent registry and
// its PTY tab sessions, the event bus, the worktree coordinator, the durable
// settings store, and the HTTP/websocket surface.
package agentmux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentmux/agentmux/core"
	"github.com/agentmux/agentmux/httpapi"
	"github.com/agentmux/agentmux/internal/appconfig"
	"github.com/agentmux/agentmux/internal/eventbus"
	"github.com/agentmux/agentmux/internal/persist"
	"github.com/agentmux/agentmux/internal/worktree"
	"pkt.systems/pslog"
)

// Server runs the console until stopped.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	App appconfig.Config
	// WorktreeBaseDir overrides the default worktree root when set.
	WorktreeBaseDir string
	// StateFile overrides the durable state file path when set.
	StateFile string
	Logger    pslog.Logger
}

type server struct {
	cfg      ServerConfig
	log      pslog.Logger
	registry *core.Registry
	httpSrv  *httpapi.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	started bool
}

// New constructs the console server and wires the HTTP surface. Start
// restores persisted agents and begins listening.
func New(cfg ServerConfig) (Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	baseDir := cfg.WorktreeBaseDir
	if baseDir == "" {
		baseDir = appconfig.WorktreeBaseDir()
	}
	store := persist.NewStore(cfg.StateFile, logger)
	bus := eventbus.New(logger)
	coordinator := worktree.NewCoordinator(baseDir, logger)

	httpCfg := httpapi.Config{
		Addr:     fmt.Sprintf(":%d", cfg.App.Port),
		Port:     cfg.App.Port,
		VitePort: cfg.App.VitePort,
	}

	var httpSrv *httpapi.Server
	registry, err := core.NewRegistry(core.RegistryDeps{
		Worktrees: coordinator,
		Bus:       bus,
		Control:   core.NewControlTable(),
		Store:     store,
		Logging:   func() (string, bool) { return httpSrv.LoggingSettings() },
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	httpSrv = httpapi.NewServer(httpCfg, cfg.App, registry, coordinator, store, bus, logger)

	return &server{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		httpSrv:  httpSrv,
	}, nil
}

func (s *server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}
	s.started = true

	s.registry.Restore(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)
	addr := fmt.Sprintf(":%d", s.cfg.App.Port)
	s.log.Info("http listen", "addr", addr)
	go func() {
		s.done <- httpapi.ListenAndServe(runCtx, addr, s.httpSrv.Handler())
	}()
	return nil
}

func (s *server) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return errors.New("server not started")
	}
	return <-done
}

// Stop shuts the listener down and drains the registry: PTYs get SIGINT and
// a bounded grace period, buffers flush, and scrollback is persisted.
func (s *server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}
	s.registry.Shutdown(ctx)
	s.log.Info("server stopped")
	return nil
}
