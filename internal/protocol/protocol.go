// Package protocol defines the JSON frames exchanged over the terminal
// WebSocket. Every frame is a single text message of the form
// {"type": "...", ...}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client to server frame types.
const (
	TypeLogin      = "login"
	TypeAuth       = "auth" // legacy alias of login sent by older clients
	TypeStartShell = "start_shell"
	TypeInput      = "input"
	TypeResize     = "resize"
	TypePing       = "ping"
	TypeLogout     = "logout"
	TypeDisconnect = "disconnect"
)

// Server to client frame types.
const (
	TypeAuthRequired = "auth_required"
	TypeAuthOK       = "auth_ok"
	TypeAuthFailed   = "auth_failed"
	TypeShellStarted = "shell_started"
	TypeOutput       = "output"
	TypeShellExited  = "shell_exited"
	TypeError        = "error"
	TypePong         = "pong"
)

// Error codes carried in error and auth_failed frames.
const (
	CodeMalformedMessage   = "MalformedMessage"
	CodeUnauthorized       = "Unauthorized"
	CodeAlreadyRunning     = "AlreadyRunning"
	CodeNotRunning         = "NotRunning"
	CodeRateLimited        = "RateLimited"
	CodeShellNotAllowed    = "ShellNotAllowed"
	CodeSpawnFailed        = "SpawnFailed"
	CodeIOFailure          = "IOFailure"
	CodeInvalidCredentials = "InvalidCredentials"
	CodeUnknown            = "Unknown"
	CodeExpired            = "Expired"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed message")

// Inbound is a decoded client frame. Only the fields relevant to Type are set.
type Inbound struct {
	Type string `json:"type"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`

	Shell string `json:"shell,omitempty"`
	Data  string `json:"data,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
}

// Decode parses and validates a client frame. The auth alias is normalised
// to login.
func Decode(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeAuth, TypeLogin:
		msg.Type = TypeLogin
		if msg.Token == "" && msg.Username == "" {
			return Inbound{}, fmt.Errorf("%w: login needs username and password or token", ErrMalformed)
		}
	case TypeResize:
		if msg.Cols <= 0 || msg.Rows <= 0 {
			return Inbound{}, fmt.Errorf("%w: resize needs positive cols and rows", ErrMalformed)
		}
	case TypeStartShell:
		if msg.Cols < 0 || msg.Rows < 0 {
			return Inbound{}, fmt.Errorf("%w: negative terminal size", ErrMalformed)
		}
	case TypeInput, TypePing, TypeLogout, TypeDisconnect:
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, truncate(msg.Type, 32))
	}
	return msg, nil
}

// Privileged reports whether t requires a valid session.
func Privileged(t string) bool {
	switch t {
	case TypeStartShell, TypeInput, TypeResize, TypeLogout:
		return true
	}
	return false
}

// AuthRequired asks the client to log in.
type AuthRequired struct {
	Type        string `json:"type"`
	ClientID    string `json:"client_id"`
	AuthEnabled bool   `json:"auth_enabled"`
	Reason      string `json:"reason,omitempty"`
}

type AuthOK struct {
	Type      string    `json:"type"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
}

type AuthFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ShellStarted struct {
	Type  string `json:"type"`
	Shell string `json:"shell"`
	PID   int    `json:"pid"`
}

// Output carries process output. Data is always valid UTF-8 split on rune
// boundaries.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type ShellExited struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Pong struct {
	Type string `json:"type"`
}

func NewAuthRequired(clientID string, authEnabled bool, reason string) AuthRequired {
	return AuthRequired{Type: TypeAuthRequired, ClientID: clientID, AuthEnabled: authEnabled, Reason: reason}
}

func NewAuthOK(token string, expiresAt time.Time, username string) AuthOK {
	return AuthOK{Type: TypeAuthOK, Token: token, ExpiresAt: expiresAt.UTC(), Username: username}
}

func NewAuthFailed(reason string) AuthFailed {
	return AuthFailed{Type: TypeAuthFailed, Reason: reason}
}

func NewShellStarted(shell string, pid int) ShellStarted {
	return ShellStarted{Type: TypeShellStarted, Shell: shell, PID: pid}
}

func NewOutput(data []byte) Output {
	return Output{Type: TypeOutput, Data: string(data)}
}

func NewShellExited(code int) ShellExited {
	return ShellExited{Type: TypeShellExited, Code: code}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Code: code, Message: message}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
