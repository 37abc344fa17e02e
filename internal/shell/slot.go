package shell

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Sink receives the lifecycle and output of a slot's processes. Started and
// Exited are called exactly once per process, Output in production order
// between them. Implementations must not call back into the Slot.
type Sink interface {
	Started(info Info)
	// Output blocks until data is delivered; a non-nil error means the
	// client is gone and further output is discarded.
	Output(data []byte) error
	Exited(exit Exit)
}

// Request asks a slot to start a shell.
type Request struct {
	Shell string
	Cols  int
	Rows  int
}

// Info describes a started process.
type Info struct {
	PID       int
	Shell     string
	Size      Size
	StartedAt time.Time
}

// Exit describes a reclaimed process.
type Exit struct {
	PID      int
	Shell    string
	Code     int
	Reason   Reason
	Duration time.Duration
}

// Slot holds the single process a connection may own.
type Slot struct {
	mgr    *Manager
	connID string
	sink   Sink

	mu     sync.Mutex
	state  State
	proc   *process
	closed bool
}

// State returns the slot's current lifecycle state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the running process id, or 0.
func (s *Slot) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.pid
}

// Start spawns a shell. It fails with ErrAlreadyRunning if the slot already
// owns a process, in which case nothing is spawned.
func (s *Slot) Start(req Request) (Info, error) {
	p, info, err := s.launch(req)
	if err != nil {
		return Info{}, err
	}
	// Started is a client write and may block, so the slot lock is not held.
	// Output and Exited wait for ready, which keeps Started first.
	s.sink.Started(info)
	close(p.ready)
	return info, nil
}

func (s *Slot) launch(req Request) (*process, Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, Info{}, ErrSlotClosed
	}
	if s.state != StateIdle {
		return nil, Info{}, ErrAlreadyRunning
	}

	path, err := s.mgr.Resolve(req.Shell)
	if err != nil {
		return nil, Info{}, err
	}
	size := Size{Cols: DefaultCols, Rows: DefaultRows}
	if req.Cols > 0 && req.Rows > 0 {
		if size, err = ClampSize(req.Cols, req.Rows); err != nil {
			return nil, Info{}, err
		}
	}

	s.state = StateStarting
	p, err := spawn(path, size, s.mgr.cfg.Env)
	if err != nil {
		s.state = StateIdle
		log.Printf("[shell] conn=%s failed to start %s: %v", s.connID, path, err)
		return nil, Info{}, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	p.shell = path
	s.proc = p
	s.state = StateRunning
	s.mgr.live.Add(1)

	info := Info{PID: p.pid, Shell: path, Size: size, StartedAt: p.startedAt}
	log.Printf("[shell] conn=%s started %s pid=%d size=%dx%d", s.connID, path, p.pid, size.Cols, size.Rows)

	p.start(s.sink, s.mgr.cfg.OutputBuffer)
	go func() {
		<-p.exited
		s.terminate(p, ReasonExited)
	}()
	return p, info, nil
}

// Write sends client input to the process.
func (s *Slot) Write(data []byte) error {
	p := s.running()
	if p == nil {
		return ErrNotRunning
	}
	if _, err := p.tty.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Resize changes the terminal geometry. Platforms without a pty accept it
// as a no-op.
func (s *Slot) Resize(cols, rows int) error {
	size, err := ClampSize(cols, rows)
	if err != nil {
		return err
	}
	p := s.running()
	if p == nil {
		return ErrNotRunning
	}
	if err := p.setSize(size); err != nil {
		return fmt.Errorf("%w: resize: %v", ErrIO, err)
	}
	return nil
}

func (s *Slot) running() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil
	}
	return s.proc
}

// Terminate reclaims the current process, if any, and returns the slot to
// idle. It reports whether a process was owned. Safe to call concurrently
// with itself, Close and a natural exit.
func (s *Slot) Terminate(reason Reason) bool {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return false
	}
	s.terminate(p, reason)
	return true
}

// Close reclaims the current process and retires the slot. Later Start
// calls fail with ErrSlotClosed. Idempotent.
func (s *Slot) Close(reason Reason) {
	s.mu.Lock()
	s.closed = true
	p := s.proc
	s.mu.Unlock()

	if p != nil {
		s.terminate(p, reason)
	}

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
	}
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *Slot) terminate(p *process, reason Reason) {
	s.mu.Lock()
	if s.proc == p && s.state == StateRunning {
		s.state = StateTerminating
	}
	s.mu.Unlock()

	exit, first := p.shutdown(reason, s.mgr.cfg.GracePeriod)
	if !first {
		return
	}

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		if s.closed {
			s.state = StateClosed
		} else {
			s.state = StateIdle
		}
	}
	s.mu.Unlock()
	s.mgr.live.Add(-1)

	<-p.ready
	log.Printf("[shell] conn=%s pid=%d %s code=%d reason=%s after %s",
		s.connID, exit.PID, exit.Shell, exit.Code, exit.Reason, exit.Duration.Round(time.Millisecond))
	s.sink.Exited(exit)
}
