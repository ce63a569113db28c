// Package terminal implements the Terminal Manager: per-session PTY
// ownership, with idle sweeping and a small ring buffer so a client that
// (re)attaches mid-session can replay recent output.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	// DefaultIdleTimeout is how long a Terminal may sit with no input or
	// output before the sweeper destroys it, used when the caller doesn't
	// supply one (e.g. TERMINAL_IDLE_MS is unset).
	DefaultIdleTimeout = 30 * time.Minute
	// SweepInterval is how often the background sweeper checks for idle terminals.
	SweepInterval = 5 * time.Minute

	ringBufferSize = 64 * 1024
)

// OutputFunc receives bytes read from a terminal's PTY as they arrive.
type OutputFunc func(terminalID string, data []byte)

// Manager owns every live Terminal, keyed by id, and enforces the ownership
// invariant: callers are expected to scope ListFor/DestroyAllFor calls to the
// Session they represent — the Manager itself is shared across all sessions
// within one worktree, but a Terminal only appears under its owner's id.
type Manager struct {
	onOutput    OutputFunc
	idleTimeout time.Duration

	mu        sync.Mutex
	terminals map[string]*Terminal

	stop chan struct{}
	done chan struct{}
}

// Terminal wraps a single PTY-backed login shell.
type Terminal struct {
	ID        string
	SessionID string
	Cwd       string
	Name      string

	mu         sync.Mutex
	lastActive time.Time
	closed     bool

	pty  *os.File
	cmd  *exec.Cmd
	ring *ringBuffer
}

// NewManager creates a Terminal Manager and starts its idle sweeper.
// onOutput is invoked from a per-terminal goroutine as PTY output arrives.
// idleTimeout of zero falls back to DefaultIdleTimeout.
func NewManager(onOutput OutputFunc, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		onOutput:    onOutput,
		idleTimeout: idleTimeout,
		terminals:   make(map[string]*Terminal),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go m.runSweeper()
	return m
}

// Create spawns a login shell rooted at cwd and returns its terminal id.
func (m *Manager) Create(sessionID, cwd, name string) (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell, "-l")
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("start pty: %w", err)
	}

	id := uuid.NewString()
	term := &Terminal{
		ID:         id,
		SessionID:  sessionID,
		Cwd:        cwd,
		Name:       name,
		lastActive: time.Now(),
		pty:        ptmx,
		cmd:        cmd,
		ring:       newRingBuffer(ringBufferSize),
	}

	m.mu.Lock()
	m.terminals[id] = term
	m.mu.Unlock()

	go m.streamOutput(term)

	slog.Info("terminal created", "terminalId", id, "sessionId", sessionID, "cwd", cwd)
	return id, nil
}

func (m *Manager) streamOutput(term *Terminal) {
	buf := make([]byte, 4096)
	for {
		n, err := term.pty.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			term.touch()
			term.ring.Write(data)
			if m.onOutput != nil {
				m.onOutput(term.ID, data)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("terminal read ended", "terminalId", term.ID, "error", err)
			}
			m.Destroy(term.ID)
			return
		}
	}
}

// Write sends bytes to the terminal's PTY (keyboard input from the client).
func (m *Manager) Write(terminalID string, data []byte) error {
	term, ok := m.get(terminalID)
	if !ok {
		return fmt.Errorf("terminal: %s not found", terminalID)
	}
	term.touch()
	_, err := term.pty.Write(data)
	return err
}

// Resize applies new PTY dimensions, e.g. on a client window resize.
func (m *Manager) Resize(terminalID string, cols, rows int) error {
	term, ok := m.get(terminalID)
	if !ok {
		return fmt.Errorf("terminal: %s not found", terminalID)
	}
	term.touch()
	return pty.Setsize(term.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Destroy terminates the terminal's shell process and releases its PTY.
// Safe to call more than once.
func (m *Manager) Destroy(terminalID string) {
	m.mu.Lock()
	term, ok := m.terminals[terminalID]
	if ok {
		delete(m.terminals, terminalID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	term.mu.Lock()
	if term.closed {
		term.mu.Unlock()
		return
	}
	term.closed = true
	term.mu.Unlock()

	term.pty.Close()
	if term.cmd.Process != nil {
		term.cmd.Process.Kill()
	}
	term.cmd.Wait()
	slog.Info("terminal destroyed", "terminalId", terminalID)
}

// ListFor returns every live terminal owned by sessionID.
func (m *Manager) ListFor(sessionID string) []*Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Terminal
	for _, t := range m.terminals {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// DestroyAllFor tears down every terminal owned by sessionID, used on
// session Terminate/Delete.
func (m *Manager) DestroyAllFor(sessionID string) {
	for _, t := range m.ListFor(sessionID) {
		m.Destroy(t.ID)
	}
}

// Replay returns the buffered recent output for terminalID, for a client
// that (re)attaches after missing some output.
func (m *Manager) Replay(terminalID string) ([]byte, bool) {
	term, ok := m.get(terminalID)
	if !ok {
		return nil, false
	}
	return term.ring.Snapshot(), true
}

func (m *Manager) get(terminalID string) (*Terminal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[terminalID]
	return t, ok
}

func (t *Terminal) touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

func (t *Terminal) idleSince() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActive)
}

func (m *Manager) runSweeper() {
	defer close(m.done)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	var idle []string
	for id, t := range m.terminals {
		if t.idleSince() > m.idleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		slog.Info("terminal idle timeout", "terminalId", id)
		m.Destroy(id)
	}
}

// Shutdown stops the sweeper and destroys every live terminal.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.done

	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(id)
	}
}
