// Package shell owns the host shell processes started for terminal
// connections.
//
// Each connection gets one Slot. A slot runs at most one process at a time
// and moves through idle -> starting -> running -> terminating -> idle;
// Close moves it to the terminal closed state. Process output is pumped by
// two goroutines joined by a bounded channel, so a slow client stalls reads
// from the pty instead of growing memory.
package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("shell already running")
	ErrNotRunning      = errors.New("no shell running")
	ErrShellNotAllowed = errors.New("shell not allowed")
	ErrSpawnFailed     = errors.New("failed to start shell")
	ErrIO              = errors.New("shell i/o failure")
	ErrSlotClosed      = errors.New("connection closed")
	ErrInvalidSize     = errors.New("invalid terminal size")
)

const (
	// MaxInputSize bounds a single input write from a client.
	MaxInputSize = 64 * 1024

	MaxCols = 500
	MaxRows = 200

	DefaultCols = 80
	DefaultRows = 24

	DefaultGracePeriod  = 3 * time.Second
	DefaultOutputBuffer = 64

	readChunkSize = 32 * 1024
)

// State is the lifecycle state of a slot.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateClosed      State = "closed"
)

func (s State) String() string {
	return string(s)
}

// Reason says why a process was torn down.
type Reason string

const (
	ReasonExited    Reason = "exited"
	ReasonClosed    Reason = "closed"
	ReasonExpired   Reason = "expired"
	ReasonRequested Reason = "requested"
	ReasonShutdown  Reason = "shutdown"
)

// Size is a terminal geometry.
type Size struct {
	Cols uint16
	Rows uint16
}

// ClampSize validates a client-supplied geometry and clamps it to
// MaxCols x MaxRows.
func ClampSize(cols, rows int) (Size, error) {
	if cols <= 0 || rows <= 0 {
		return Size{}, fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return Size{Cols: uint16(cols), Rows: uint16(rows)}, nil
}

// Config controls which shells may run and how they are reclaimed.
type Config struct {
	AllowedShells []string
	// DefaultShell is used when a client does not ask for one. Empty picks
	// $SHELL if allowed, else the first allowed shell present on disk.
	DefaultShell string
	GracePeriod  time.Duration
	// OutputBuffer is the number of output chunks buffered between the pty
	// reader and the client writer.
	OutputBuffer int
	// Env is the child environment. Nil means os.Environ().
	Env []string
}

// Manager creates slots and keeps a count of live processes.
type Manager struct {
	cfg  Config
	live atomic.Int64
}

func NewManager(cfg Config) *Manager {
	if len(cfg.AllowedShells) == 0 {
		cfg.AllowedShells = DefaultAllowedShells
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = DefaultOutputBuffer
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	cfg.Env = append(append([]string(nil), cfg.Env...), "TERM=xterm-256color")
	return &Manager{cfg: cfg}
}

// Live returns the number of processes currently alive.
func (m *Manager) Live() int {
	return int(m.live.Load())
}

// Allowed reports whether path is on the allow-list.
func (m *Manager) Allowed(path string) bool {
	for _, s := range m.cfg.AllowedShells {
		if s == path {
			return true
		}
	}
	return false
}

// Resolve maps a requested shell to the executable to run. An empty request
// selects the default shell.
func (m *Manager) Resolve(requested string) (string, error) {
	if requested != "" {
		if !m.Allowed(requested) {
			return "", fmt.Errorf("%w: %q; permitted shells: %v", ErrShellNotAllowed, requested, m.cfg.AllowedShells)
		}
		return requested, nil
	}

	if m.cfg.DefaultShell != "" {
		if !m.Allowed(m.cfg.DefaultShell) {
			return "", fmt.Errorf("%w: default %q is not on the allow-list", ErrShellNotAllowed, m.cfg.DefaultShell)
		}
		return m.cfg.DefaultShell, nil
	}
	if env := os.Getenv("SHELL"); env != "" && m.Allowed(env) {
		return env, nil
	}
	for _, s := range m.cfg.AllowedShells {
		if _, err := exec.LookPath(s); err == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v is installed", ErrSpawnFailed, m.cfg.AllowedShells)
}

// NewSlot returns an idle slot whose process I/O goes to sink.
func (m *Manager) NewSlot(connID string, sink Sink) *Slot {
	return &Slot{
		mgr:    m,
		connID: connID,
		sink:   sink,
		state:  StateIdle,
	}
}
