// Package registry tracks the live terminal connections, the session each
// one is bound to and the shell process it owns.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Control lets the registry reach a connection's teardown path from outside
// the connection's own goroutine.
type Control interface {
	// SessionExpired is called when the session bound under token was swept.
	SessionExpired(token string)
	// Shutdown terminates the connection because the server is stopping.
	Shutdown(reason string)
}

// Entry is a copy of a connection's registry record.
type Entry struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	SessionToken string    `json:"-"`
	Username     string    `json:"username,omitempty"`
	ShellPID     int       `json:"shell_pid,omitempty"`
	Shell        string    `json:"shell,omitempty"`
}

// ErrClosed is returned by Register once ShutdownAll has started.
var ErrClosed = errors.New("registry: shutting down")

type record struct {
	entry Entry
	ctl   Control
}

// Registry is the connection table. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*record
	closed bool
	nowFn  func() time.Time
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*record),
		nowFn: time.Now,
	}
}

// Register adds a connection and returns its entry with a fresh ID. After
// ShutdownAll has started it refuses with ErrClosed, so no connection can
// slip in behind the shutdown sweep.
func (r *Registry) Register(remoteAddr string, ctl Control) (Entry, error) {
	e := Entry{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: r.nowFn(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Entry{}, ErrClosed
	}
	r.conns[e.ID] = &record{entry: e, ctl: ctl}
	return e, nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	return ok
}

// BindSession records the session a connection is authenticated with.
// An empty token clears the binding.
func (r *Registry) BindSession(id, token, username string) {
	r.update(id, func(e *Entry) {
		e.SessionToken = token
		e.Username = username
	})
}

// SetShell records the shell process owned by a connection.
func (r *Registry) SetShell(id string, pid int, shell string) {
	r.update(id, func(e *Entry) {
		e.ShellPID = pid
		e.Shell = shell
	})
}

// ClearShell forgets a connection's shell process. It only clears the
// record if pid is still the recorded one.
func (r *Registry) ClearShell(id string, pid int) {
	r.update(id, func(e *Entry) {
		if e.ShellPID == pid {
			e.ShellPID = 0
			e.Shell = ""
		}
	})
}

func (r *Registry) update(id string, fn func(e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.conns[id]; ok {
		fn(&rec.entry)
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// List returns all entries ordered by connect time.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.conns))
	for _, rec := range r.conns {
		out = append(out, rec.entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ShellCount returns the number of connections that currently own a shell.
func (r *Registry) ShellCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.conns {
		if rec.entry.ShellPID != 0 {
			n++
		}
	}
	return n
}

// ExpireSession notifies every connection bound to token that its session
// is gone and waits for their teardown. Returns the number notified.
func (r *Registry) ExpireSession(token string) int {
	if token == "" {
		return 0
	}
	ctls := r.controls(func(e Entry) bool { return e.SessionToken == token })
	fanOut(ctls, func(ctl Control) { ctl.SessionExpired(token) })
	return len(ctls)
}

// ShutdownAll closes the registry to new connections, shuts every existing
// one down in parallel and waits for all of them to finish their teardown.
func (r *Registry) ShutdownAll(reason string) int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	ctls := r.controls(func(Entry) bool { return true })
	fanOut(ctls, func(ctl Control) { ctl.Shutdown(reason) })
	return len(ctls)
}

func fanOut(ctls []Control, fn func(Control)) {
	var wg sync.WaitGroup
	for _, ctl := range ctls {
		wg.Add(1)
		go func(ctl Control) {
			defer wg.Done()
			fn(ctl)
		}(ctl)
	}
	wg.Wait()
}

// controls collects matching hooks under the lock; callers invoke them after
// it is released so a hook may call back into the registry.
func (r *Registry) controls(match func(Entry) bool) []Control {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Control
	for _, rec := range r.conns {
		if rec.ctl != nil && match(rec.entry) {
			out = append(out, rec.ctl)
		}
	}
	return out
}
