package core

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentmux/agentmux/schema"
	"pkt.systems/pslog"
)

const defaultShell = "/bin/bash"

// TabSession owns one PTY inside an agent's worktree, forwarding its output
// into the tab's sequenced buffer and optionally into a session log file.
type TabSession struct {
	id        schema.TabID
	name      string
	agentID   schema.AgentID
	agentName string
	workDir   string
	buffer    *OutputBuffer
	log       pslog.Logger
	onExit    func(*TabSession)

	mu     sync.Mutex
	status schema.Status
	ptmx   *os.File
	cmd    *exec.Cmd
	done   chan struct{}

	logMu   sync.Mutex
	logFile *os.File
}

func newTabSession(agentID schema.AgentID, agentName, name, workDir string, sink ChunkSink, logger pslog.Logger, onExit func(*TabSession)) *TabSession {
	t := &TabSession{
		id:        schema.TabID(newID()),
		name:      name,
		agentID:   agentID,
		agentName: agentName,
		workDir:   workDir,
		status:    schema.StatusIdle,
		log:       logger,
		onExit:    onExit,
	}
	t.log = t.log.With("agent", agentID, "tab", t.id)
	t.buffer = NewOutputBuffer(agentID, t.id, func(agentID schema.AgentID, tabID schema.TabID, chunk schema.OutputChunk) {
		t.writeLog(chunk)
		if sink != nil {
			sink(agentID, tabID, chunk)
		}
	})
	return t
}

// ID returns the tab id.
func (t *TabSession) ID() schema.TabID { return t.id }

// Name returns the tab display name.
func (t *TabSession) Name() string { return t.name }

// Buffer returns the tab's output buffer.
func (t *TabSession) Buffer() *OutputBuffer { return t.buffer }

// Status returns the current run state.
func (t *TabSession) Status() schema.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns a transport-friendly view of the tab.
func (t *TabSession) Snapshot() schema.Tab {
	return schema.Tab{ID: t.id, Name: t.name, Status: t.Status()}
}

// Start spawns the shell under a PTY sized cols x rows. Idempotent: a
// running tab keeps its existing PTY. When logging is enabled a session log
// file is opened under logDir; failure to open it degrades with a warning.
func (t *TabSession) Start(cols, rows uint16, logDir string, logEnabled bool) error {
	t.mu.Lock()
	if t.status == schema.StatusRunning && t.ptmx != nil {
		t.mu.Unlock()
		return nil
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = defaultShell
	}
	cmd := exec.Command(shell)
	cmd.Dir = t.workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("spawn %s: %w", shell, err)
	}
	if logEnabled {
		t.openLog(logDir)
	}
	t.cmd = cmd
	t.ptmx = ptmx
	t.status = schema.StatusRunning
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.log.Info("pty started", "shell", shell, "cols", cols, "rows", rows)
	go t.readLoop(ptmx, cmd, done)
	return nil
}

func (t *TabSession) readLoop(ptmx *os.File, cmd *exec.Cmd, done chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			t.buffer.Append(buf[:n])
		}
		if err != nil {
			break
		}
	}
	err := cmd.Wait()
	t.buffer.Flush()
	t.closeLog()

	t.mu.Lock()
	_ = ptmx.Close()
	if t.ptmx == ptmx {
		t.ptmx = nil
		t.cmd = nil
		t.status = schema.StatusStopped
	}
	t.mu.Unlock()
	close(done)

	t.log.Info("pty exited", "err", err)
	if t.onExit != nil {
		t.onExit(t)
	}
}

// Stop flushes pending output and kills the PTY. The exit path marks the tab
// stopped and notifies.
func (t *TabSession) Stop() {
	t.mu.Lock()
	cmd := t.cmd
	ptmx := t.ptmx
	t.mu.Unlock()
	if cmd == nil && ptmx == nil {
		return
	}
	t.buffer.Flush()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
}

// Interrupt sends SIGINT to the shell for graceful shutdown.
func (t *TabSession) Interrupt() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGINT)
	}
}

// WaitExit blocks until the PTY exits or the deadline passes. Returns true
// when the tab is down.
func (t *TabSession) WaitExit(deadline time.Time) bool {
	t.mu.Lock()
	done := t.done
	running := t.status == schema.StatusRunning
	t.mu.Unlock()
	if !running || done == nil {
		return true
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return false
	}
	select {
	case <-done:
		return true
	case <-time.After(wait):
		return false
	}
}

// Write forwards input bytes to the PTY; no-op when not running.
func (t *TabSession) Write(data string) {
	t.mu.Lock()
	ptmx := t.ptmx
	running := t.status == schema.StatusRunning
	t.mu.Unlock()
	if !running || ptmx == nil {
		return
	}
	if _, err := ptmx.Write([]byte(data)); err != nil {
		t.log.Warn("pty write failed", "err", err)
	}
}

// Resize adjusts the PTY window; no-op when not running.
func (t *TabSession) Resize(cols, rows uint16) {
	t.mu.Lock()
	ptmx := t.ptmx
	running := t.status == schema.StatusRunning
	t.mu.Unlock()
	if !running || ptmx == nil {
		return
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		t.log.Warn("pty resize failed", "err", err)
	}
}

func (t *TabSession) openLog(logDir string) {
	if logDir == "" {
		return
	}
	path := logFilePath(logDir, time.Now(), t.agentName, t.name, t.workDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.log.Warn("session log dir create failed", "err", err)
		return
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.log.Warn("session log open failed", "path", path, "err", err)
		return
	}
	t.logMu.Lock()
	t.logFile = file
	t.logMu.Unlock()
	t.log.Debug("session log opened", "path", path)
}

// writeLog appends a chunk to the session log before it is published.
func (t *TabSession) writeLog(chunk schema.OutputChunk) {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if t.logFile == nil {
		return
	}
	if _, err := t.logFile.WriteString(chunk.Data); err != nil {
		t.log.Warn("session log write failed", "err", err)
	}
}

func (t *TabSession) closeLog() {
	t.logMu.Lock()
	defer t.logMu.Unlock()
	if t.logFile != nil {
		_ = t.logFile.Close()
		t.logFile = nil
	}
}

// logFilePath builds <logDir>/YYYY-MM/DD/HHMMSS_<agent>_<tab>_<sanitized workdir>.log.
func logFilePath(logDir string, now time.Time, agentName, tabName, workDir string) string {
	file := fmt.Sprintf("%s_%s_%s_%s.log", now.Format("150405"), agentName, tabName, sanitizePathComponent(workDir))
	return filepath.Join(logDir, now.Format("2006-01"), now.Format("02"), file)
}

// sanitizePathComponent replaces path separators and colons with underscores
// and trims leading underscores.
func sanitizePathComponent(value string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		default:
			return r
		}
	}, value)
	return strings.TrimLeft(replaced, "_")
}
