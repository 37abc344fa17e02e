// Package router runs the per-connection message loop: it decodes client
// frames in arrival order, gates privileged frames on a valid session and
// dispatches them to the connection's shell slot.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/webtty/internal/audit"
	"github.com/gluk-w/webtty/internal/auth"
	"github.com/gluk-w/webtty/internal/logutil"
	"github.com/gluk-w/webtty/internal/protocol"
	"github.com/gluk-w/webtty/internal/registry"
	"github.com/gluk-w/webtty/internal/shell"
)

const (
	DefaultMaxMalformed     = 10
	DefaultMaxUnauthorized  = 5
	DefaultMaxLoginAttempts = 5
	DefaultMaxRateLimited   = 20
	DefaultWriteTimeout     = 30 * time.Second
)

// Options bounds how much misbehaviour a connection is allowed.
type Options struct {
	MaxMalformed     int
	MaxUnauthorized  int
	MaxLoginAttempts int
	// RateLimit is inbound frames per second; zero disables limiting.
	RateLimit float64
	RateBurst int
	// MaxRateLimited is how many frames in a row may be refused by the rate
	// limit before the connection is closed.
	MaxRateLimited int
	// WriteTimeout bounds a single outbound frame. A client that cannot take
	// a frame within it is disconnected.
	WriteTimeout time.Duration
}

// Transport is the part of *websocket.Conn the router needs.
type Transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Router struct {
	auth   *auth.Manager
	shells *shell.Manager
	reg    *registry.Registry
	audit  *audit.Auditor
	opts   Options
}

// New returns a Router. aud may be nil.
func New(a *auth.Manager, shells *shell.Manager, reg *registry.Registry, aud *audit.Auditor, opts Options) *Router {
	if opts.MaxMalformed <= 0 {
		opts.MaxMalformed = DefaultMaxMalformed
	}
	if opts.MaxUnauthorized <= 0 {
		opts.MaxUnauthorized = DefaultMaxUnauthorized
	}
	if opts.MaxLoginAttempts <= 0 {
		opts.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if opts.MaxRateLimited <= 0 {
		opts.MaxRateLimited = DefaultMaxRateLimited
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Router{auth: a, shells: shells, reg: reg, audit: aud, opts: opts}
}

// SessionExpired is the auth.ExpireFunc that tears down the shells of every
// connection still bound to a swept session.
func (rt *Router) SessionExpired(s auth.Session) {
	n := rt.reg.ExpireSession(s.Token)
	rt.audit.Record(audit.Event{
		Type:     audit.EventSessionExpired,
		Username: s.Username,
		Details:  fmt.Sprintf("connections=%d", n),
	})
}

// Serve runs one connection until the transport closes. token is a session
// token presented at connect time, or empty.
func (rt *Router) Serve(ctx context.Context, ws Transport, remoteAddr, token string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		rt:     rt,
		ws:     ws,
		remote: remoteAddr,
		ctx:    ctx,
		budget: newFrameBudget(rt.opts.RateLimit, rt.opts.RateBurst),
	}
	entry, err := rt.reg.Register(remoteAddr, c)
	if err != nil {
		log.Printf("[router] refusing connection from %s: %v", remoteAddr, err)
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	c.id = entry.ID
	c.setSlot(rt.shells.NewSlot(c.id, c))

	log.Printf("[router] conn=%s opened from %s", c.id, remoteAddr)
	rt.audit.Record(audit.Event{Type: audit.EventConnectionOpened, ConnectionID: c.id, SourceIP: remoteAddr})

	defer func() {
		cancel()
		c.slot().Close(shell.ReasonClosed)
		rt.reg.Unregister(c.id)
		rt.audit.Record(audit.Event{Type: audit.EventConnectionClosed, ConnectionID: c.id, Username: c.username(), SourceIP: remoteAddr})
		log.Printf("[router] conn=%s closed", c.id)
	}()

	c.handshake(token)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Printf("[router] conn=%s read: %v", c.id, err)
			}
			return
		}
		if !c.handle(typ, data) {
			return
		}
	}
}

// conn is one client connection. Counters and the frame loop belong to the
// Serve goroutine; the session is also touched by the sweep and by shutdown,
// so it is guarded by mu.
type conn struct {
	rt     *Router
	ws     Transport
	id     string
	remote string
	ctx    context.Context
	budget *frameBudget

	writeMu sync.Mutex

	mu      sync.Mutex
	sl      *shell.Slot
	session auth.Session
	authed  bool

	malformed     int
	unauthorized  int
	loginFailures int
}

func (c *conn) setSlot(s *shell.Slot) {
	c.mu.Lock()
	c.sl = s
	c.mu.Unlock()
}

func (c *conn) slot() *shell.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sl
}

func (c *conn) username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Username
}

// handshake authenticates the connection from the connect-time token, or
// asks the client to log in. With auth disabled an anonymous session is
// issued straight away.
func (c *conn) handshake(token string) {
	if c.rt.auth.Disabled() {
		c.issueAnonymous()
		return
	}

	reason := ""
	if token != "" {
		s, err := c.rt.auth.Validate(token)
		if err == nil {
			c.bind(s)
			c.rt.audit.Record(audit.Event{Type: audit.EventLoginSucceeded, ConnectionID: c.id, Username: s.Username, SourceIP: c.remote, Details: "token"})
			return
		}
		reason = authCode(err)
	}
	c.send(protocol.NewAuthRequired(c.id, true, reason))
}

// handle processes one inbound frame and reports whether the connection
// stays open.
func (c *conn) handle(typ websocket.MessageType, data []byte) bool {
	if !c.budget.admit() {
		return c.throttledFrame()
	}
	if typ != websocket.MessageText {
		return c.malformedFrame("binary frames are not supported")
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return c.malformedFrame(err.Error())
	}
	if protocol.Privileged(msg.Type) && !c.authorize() {
		return c.unauthorizedFrame(msg.Type)
	}

	switch msg.Type {
	case protocol.TypeLogin:
		return c.login(msg)
	case protocol.TypeStartShell:
		c.startShell(msg)
	case protocol.TypeInput:
		return c.input(msg)
	case protocol.TypeResize:
		c.resize(msg)
	case protocol.TypePing:
		c.send(protocol.NewPong())
	case protocol.TypeLogout:
		c.logout()
	case protocol.TypeDisconnect:
		c.disconnect()
		return false
	}
	return true
}

func (c *conn) malformedFrame(detail string) bool {
	c.malformed++
	c.sendError(protocol.CodeMalformedMessage, detail)
	if c.malformed >= c.rt.opts.MaxMalformed {
		c.reject("too many malformed messages")
		return false
	}
	return true
}

// throttledFrame answers a frame refused by the rate limit. A client that
// keeps sending without backing off is closed.
func (c *conn) throttledFrame() bool {
	c.sendError(protocol.CodeRateLimited, "too many messages, slow down")
	if c.budget.overruns >= c.rt.opts.MaxRateLimited {
		c.reject("ignored rate limit")
		return false
	}
	return true
}

func (c *conn) unauthorizedFrame(typ string) bool {
	c.unauthorized++
	log.Printf("[router] conn=%s rejected unauthenticated %s (%d/%d)", c.id, typ, c.unauthorized, c.rt.opts.MaxUnauthorized)
	c.sendError(protocol.CodeUnauthorized, "authentication required")
	if c.unauthorized >= c.rt.opts.MaxUnauthorized {
		c.reject("too many unauthorized messages")
		return false
	}
	return true
}

// reject closes the connection for misbehaving.
func (c *conn) reject(reason string) {
	log.Printf("[router] conn=%s closing: %s", c.id, reason)
	c.rt.audit.Record(audit.Event{Type: audit.EventConnectionRejected, ConnectionID: c.id, Username: c.username(), SourceIP: c.remote, Details: reason})
	c.ws.Close(websocket.StatusPolicyViolation, reason)
}

// authorize reports whether the connection holds a currently-valid session,
// refreshing its sliding expiry. A session found expired here is dropped the
// same way the sweep would drop it.
func (c *conn) authorize() bool {
	c.mu.Lock()
	token, authed := c.session.Token, c.authed
	c.mu.Unlock()

	if !authed {
		if c.rt.auth.Disabled() {
			return c.issueAnonymous()
		}
		return false
	}

	s, err := c.rt.auth.Validate(token)
	if err != nil {
		c.dropSession(token, authCode(err))
		return false
	}
	if s.Token != token {
		// Disabled mode replaced an expired anonymous session.
		c.bind(s)
		return true
	}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	return true
}

func (c *conn) issueAnonymous() bool {
	s, err := c.rt.auth.Authenticate("", "")
	if err != nil {
		log.Printf("[router] conn=%s anonymous session: %v", c.id, err)
		c.sendError(protocol.CodeUnauthorized, "could not issue session")
		return false
	}
	c.bind(s)
	return true
}

// bind makes s the connection's session and reports it to the client. A
// replaced anonymous session is invalidated.
func (c *conn) bind(s auth.Session) {
	c.mu.Lock()
	old := c.session
	c.session = s
	c.authed = true
	c.mu.Unlock()

	if old.Anonymous && old.Token != "" && old.Token != s.Token {
		c.rt.auth.Invalidate(old.Token)
	}
	c.rt.reg.BindSession(c.id, s.Token, s.Username)
	c.send(protocol.NewAuthOK(s.Token, s.ExpiresAt, s.Username))
}

// dropSession forgets the session if it is still token, terminates the
// shell and asks the client to log in again.
func (c *conn) dropSession(token, reason string) {
	c.mu.Lock()
	if !c.authed || c.session.Token != token {
		c.mu.Unlock()
		return
	}
	user := c.session.Username
	c.session = auth.Session{}
	c.authed = false
	c.mu.Unlock()

	log.Printf("[router] conn=%s session %s for %s dropped: %s", c.id, logutil.RedactToken(token), logutil.SanitizeForLog(user), reason)
	c.rt.reg.BindSession(c.id, "", "")
	if sl := c.slot(); sl != nil {
		sl.Terminate(shell.ReasonExpired)
	}
	c.send(protocol.NewAuthRequired(c.id, !c.rt.auth.Disabled(), reason))
}

// SessionExpired implements registry.Control.
func (c *conn) SessionExpired(token string) {
	c.dropSession(token, protocol.CodeExpired)
}

// Shutdown implements registry.Control.
func (c *conn) Shutdown(reason string) {
	if sl := c.slot(); sl != nil {
		sl.Close(shell.ReasonShutdown)
	}
	c.ws.Close(websocket.StatusGoingAway, reason)
}

func (c *conn) login(msg protocol.Inbound) bool {
	if msg.Token != "" {
		s, err := c.rt.auth.Validate(msg.Token)
		if err != nil {
			c.send(protocol.NewAuthFailed(authCode(err)))
			c.rt.audit.Record(audit.Event{Type: audit.EventLoginFailed, ConnectionID: c.id, SourceIP: c.remote, Details: "token " + authCode(err)})
			return c.loginFailed()
		}
		c.bind(s)
		c.rt.audit.Record(audit.Event{Type: audit.EventLoginSucceeded, ConnectionID: c.id, Username: s.Username, SourceIP: c.remote, Details: "token"})
		return true
	}

	s, err := c.rt.auth.Authenticate(msg.Username, msg.Password)
	if err != nil {
		log.Printf("[router] conn=%s login failed for %s from %s", c.id, logutil.SanitizeForLog(msg.Username), c.remote)
		c.send(protocol.NewAuthFailed(authCode(err)))
		c.rt.audit.Record(audit.Event{Type: audit.EventLoginFailed, ConnectionID: c.id, Username: msg.Username, SourceIP: c.remote})
		return c.loginFailed()
	}
	log.Printf("[router] conn=%s login succeeded for %s", c.id, logutil.SanitizeForLog(s.Username))
	c.bind(s)
	c.rt.audit.Record(audit.Event{Type: audit.EventLoginSucceeded, ConnectionID: c.id, Username: s.Username, SourceIP: c.remote})
	return true
}

func (c *conn) loginFailed() bool {
	c.loginFailures++
	if c.loginFailures >= c.rt.opts.MaxLoginAttempts {
		c.reject("too many failed logins")
		return false
	}
	return true
}

func (c *conn) startShell(msg protocol.Inbound) {
	_, err := c.slot().Start(shell.Request{Shell: msg.Shell, Cols: msg.Cols, Rows: msg.Rows})
	switch {
	case err == nil:
	case errors.Is(err, shell.ErrAlreadyRunning):
		c.sendError(protocol.CodeAlreadyRunning, "a shell is already running on this connection")
	case errors.Is(err, shell.ErrShellNotAllowed):
		c.sendError(protocol.CodeShellNotAllowed, fmt.Sprintf("shell %q is not allowed", logutil.SanitizeForLog(msg.Shell)))
	case errors.Is(err, shell.ErrSlotClosed):
	default:
		c.sendError(protocol.CodeSpawnFailed, "failed to start shell")
	}
}

func (c *conn) input(msg protocol.Inbound) bool {
	if len(msg.Data) > shell.MaxInputSize {
		return c.malformedFrame(fmt.Sprintf("input exceeds %d bytes", shell.MaxInputSize))
	}
	err := c.slot().Write([]byte(msg.Data))
	switch {
	case err == nil:
	case errors.Is(err, shell.ErrNotRunning):
		c.sendError(protocol.CodeNotRunning, "no shell running, send start_shell first")
	default:
		log.Printf("[router] conn=%s input: %v", c.id, err)
		c.sendError(protocol.CodeIOFailure, "failed to write to shell")
	}
	return true
}

// resize without a running shell is accepted and ignored.
func (c *conn) resize(msg protocol.Inbound) {
	err := c.slot().Resize(msg.Cols, msg.Rows)
	if err != nil && !errors.Is(err, shell.ErrNotRunning) {
		log.Printf("[router] conn=%s resize: %v", c.id, err)
		c.sendError(protocol.CodeIOFailure, "failed to resize terminal")
	}
}

func (c *conn) logout() {
	c.mu.Lock()
	s := c.session
	c.session = auth.Session{}
	c.authed = false
	c.mu.Unlock()

	c.slot().Terminate(shell.ReasonRequested)
	c.rt.auth.Invalidate(s.Token)
	c.rt.reg.BindSession(c.id, "", "")
	c.rt.audit.Record(audit.Event{Type: audit.EventLogout, ConnectionID: c.id, Username: s.Username, SourceIP: c.remote})
	c.send(protocol.NewAuthRequired(c.id, !c.rt.auth.Disabled(), "logout"))
}

// disconnect ends the shell, reporting its exit, then closes normally.
func (c *conn) disconnect() {
	c.slot().Close(shell.ReasonRequested)
	c.ws.Close(websocket.StatusNormalClosure, "disconnect")
}

// Started implements shell.Sink.
func (c *conn) Started(info shell.Info) {
	c.rt.reg.SetShell(c.id, info.PID, info.Shell)
	c.rt.audit.Record(audit.Event{
		Type:         audit.EventShellStarted,
		ConnectionID: c.id,
		Username:     c.username(),
		SourceIP:     c.remote,
		Details:      fmt.Sprintf("shell=%s pid=%d", info.Shell, info.PID),
	})
	c.send(protocol.NewShellStarted(info.Shell, info.PID))
}

// Output implements shell.Sink. It blocks until the frame is written, which
// is what pushes back on the pty reader.
func (c *conn) Output(data []byte) error {
	return c.send(protocol.NewOutput(data))
}

// Exited implements shell.Sink. A connection that is going away gets no
// frame.
func (c *conn) Exited(exit shell.Exit) {
	c.rt.reg.ClearShell(c.id, exit.PID)
	c.rt.audit.Record(audit.Event{
		Type:         audit.EventShellExited,
		ConnectionID: c.id,
		Username:     c.username(),
		SourceIP:     c.remote,
		Details:      fmt.Sprintf("pid=%d code=%d reason=%s duration=%s", exit.PID, exit.Code, exit.Reason, exit.Duration.Round(time.Millisecond)),
	})
	if exit.Reason != shell.ReasonClosed {
		c.send(protocol.NewShellExited(exit.Code))
	}
}

func (c *conn) sendError(code, message string) {
	c.send(protocol.NewError(code, message))
}

// send writes one frame. Writes are serialised so frames never interleave.
func (c *conn) send(v any) error {
	b, err := protocol.Encode(v)
	if err != nil {
		log.Printf("[router] conn=%s encode %T: %v", c.id, v, err)
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.rt.opts.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, b)
}

func authCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrSessionExpired):
		return protocol.CodeExpired
	case errors.Is(err, auth.ErrUnknownSession):
		return protocol.CodeUnknown
	default:
		return protocol.CodeInvalidCredentials
	}
}
