//go:build !windows

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/webtty/internal/audit"
	"github.com/gluk-w/webtty/internal/auth"
	"github.com/gluk-w/webtty/internal/logging"
	"github.com/gluk-w/webtty/internal/registry"
	"github.com/gluk-w/webtty/internal/router"
	"github.com/gluk-w/webtty/internal/shell"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	srv   *Server
	http  *httptest.Server
	auth  *auth.Manager
	reg   *registry.Registry
	audit *audit.Auditor
}

func newTestServer(t *testing.T, authDisabled bool, withAudit bool, opts Options) *testServer {
	t.Helper()
	a, err := auth.NewManager(auth.Options{
		Disabled:   authDisabled,
		Username:   "admin",
		Password:   "secret",
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatal(err)
	}
	var aud *audit.Auditor
	if withAudit {
		db, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
		if err != nil {
			t.Fatal(err)
		}
		if aud, err = audit.NewAuditor(db, 7); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { aud.Close() })
	}
	shells := shell.NewManager(shell.Config{
		AllowedShells: []string{"/bin/sh"},
		DefaultShell:  "/bin/sh",
		GracePeriod:   500 * time.Millisecond,
	})
	reg := registry.New()
	rt := router.New(a, shells, reg, aud, router.Options{})
	a.OnExpire(rt.SessionExpired)

	s := New(opts, a, shells, reg, rt, aud)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		reg.ShutdownAll("test finished")
		ts.Close()
	})
	return &testServer{srv: s, http: ts, auth: a, reg: reg, audit: aud}
}

func (ts *testServer) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	ws, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Cleanup(func() { ws.CloseNow() })
	}
	return ws, resp, err
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var f map[string]any
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f["type"] == typ {
			return f
		}
	}
}

func write(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func drainUntilClosed(ws *websocket.Conn) websocket.StatusCode {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false, false, Options{})
	var body map[string]any
	if code := getJSON(t, ts.http.URL+"/health", "", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["status"] != "healthy" || body["auth_enabled"] != true || body["connections"] != float64(0) {
		t.Errorf("unexpected health %v", body)
	}
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, false, false, Options{ServeHTML: true})
	resp, err := http.Get(ts.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("status %d content-type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	off := newTestServer(t, false, false, Options{})
	resp2, err := http.Get(off.http.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("page served with ServeHTML off: %d", resp2.StatusCode)
	}
}

func TestEndToEndWithAudit(t *testing.T) {
	ts := newTestServer(t, false, true, Options{})
	ws, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatal(err)
	}
	readUntil(t, ws, "auth_required")

	write(t, ws, map[string]string{"type": "login", "username": "admin", "password": "bad"})
	readUntil(t, ws, "auth_failed")
	write(t, ws, map[string]string{"type": "login", "username": "admin", "password": "secret"})
	token, _ := readUntil(t, ws, "auth_ok")["token"].(string)

	write(t, ws, map[string]any{"type": "start_shell", "cols": 120, "rows": 40})
	readUntil(t, ws, "shell_started")

	var conns struct {
		Connections []registry.Entry `json:"connections"`
	}
	if code := getJSON(t, ts.http.URL+"/api/connections", "", nil); code != http.StatusUnauthorized {
		t.Errorf("connections without token: %d", code)
	}
	if code := getJSON(t, ts.http.URL+"/api/connections", token, &conns); code != http.StatusOK {
		t.Fatalf("connections: %d", code)
	}
	if len(conns.Connections) != 1 || conns.Connections[0].Username != "admin" || conns.Connections[0].ShellPID == 0 {
		t.Errorf("unexpected connections %+v", conns.Connections)
	}
	if len(conns.Connections) == 1 {
		id := conns.Connections[0].ID
		var one registry.Entry
		if code := getJSON(t, ts.http.URL+"/api/connections/"+id, token, &one); code != http.StatusOK {
			t.Fatalf("connection %s: %d", id, code)
		}
		if one.ID != id || one.ShellPID != conns.Connections[0].ShellPID {
			t.Errorf("connection %s = %+v", id, one)
		}
	}
	if code := getJSON(t, ts.http.URL+"/api/connections/no-such-id", token, nil); code != http.StatusNotFound {
		t.Errorf("unknown connection: %d", code)
	}

	write(t, ws, map[string]string{"type": "disconnect"})
	drainUntilClosed(ws)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, total, err := ts.audit.Query(audit.QueryOptions{EventType: audit.EventConnectionClosed})
		if err != nil {
			t.Fatal(err)
		}
		if total == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection_closed never audited")
		}
		time.Sleep(20 * time.Millisecond)
	}

	var page struct {
		Entries []audit.Record `json:"entries"`
		Total   int64          `json:"total"`
	}
	if code := getJSON(t, ts.http.URL+"/api/audit?limit=100", token, &page); code != http.StatusOK {
		t.Fatalf("audit: %d", code)
	}
	seen := map[string]bool{}
	for _, r := range page.Entries {
		seen[r.EventType] = true
	}
	for _, want := range []string{
		audit.EventConnectionOpened, audit.EventLoginFailed, audit.EventLoginSucceeded,
		audit.EventShellStarted, audit.EventShellExited, audit.EventConnectionClosed,
	} {
		if !seen[want] {
			t.Errorf("audit log missing %s: %+v", want, page.Entries)
		}
	}

	if code := getJSON(t, ts.http.URL+"/api/audit?since=yesterday", token, nil); code != http.StatusBadRequest {
		t.Errorf("bad since accepted: %d", code)
	}
}

func TestAuditDisabled(t *testing.T) {
	ts := newTestServer(t, true, false, Options{})
	if code := getJSON(t, ts.http.URL+"/api/audit", "", nil); code != http.StatusNotFound {
		t.Errorf("audit endpoint without auditor: %d", code)
	}
	// Auth disabled admits the API without a token.
	if code := getJSON(t, ts.http.URL+"/api/connections", "", nil); code != http.StatusOK {
		t.Errorf("connections with auth disabled: %d", code)
	}
}

func TestFrameTooLarge(t *testing.T) {
	ts := newTestServer(t, false, false, Options{MaxFrameSize: 1024})
	ws, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatal(err)
	}
	readUntil(t, ws, "auth_required")

	big := `{"type":"input","data":"` + strings.Repeat("x", 4096) + `"}`
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws.Write(ctx, websocket.MessageText, []byte(big))
	if status := drainUntilClosed(ws); status != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v", status)
	}
}

func TestForeignOriginRejected(t *testing.T) {
	ts := newTestServer(t, false, false, Options{})
	_, resp, err := ts.dial(t, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("cross-origin upgrade accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("unexpected response %+v", resp)
	}

	allowed := newTestServer(t, false, false, Options{AllowedOrigins: []string{"trusted.example"}})
	if _, _, err := allowed.dial(t, http.Header{"Origin": []string{"http://trusted.example"}}); err != nil {
		t.Errorf("allowed origin rejected: %v", err)
	}
}

func TestShutdown(t *testing.T) {
	ts := newTestServer(t, true, false, Options{})
	ws, _, err := ts.dial(t, nil)
	if err != nil {
		t.Fatal(err)
	}
	readUntil(t, ws, "auth_ok")
	write(t, ws, map[string]string{"type": "start_shell"})
	readUntil(t, ws, "shell_started")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- ts.srv.Shutdown(ctx)
	}()
	if status := drainUntilClosed(ws); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v", status)
	}
	if err := <-done; err != nil {
		t.Errorf("shutdown: %v", err)
	}

	_, resp, err := ts.dial(t, nil)
	if err == nil {
		t.Fatal("upgrade accepted after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unexpected response %+v", resp)
	}
	var body map[string]any
	getJSON(t, ts.http.URL+"/health", "", &body)
	if body["status"] != "shutting_down" || body["shells"] != float64(0) {
		t.Errorf("health after shutdown %v", body)
	}
}

func TestLogsEndpoint(t *testing.T) {
	ts := newTestServer(t, true, false, Options{})
	if code := getJSON(t, ts.http.URL+"/api/logs", "", nil); code != http.StatusNotFound {
		t.Errorf("logs without a log file: %d", code)
	}

	if err := logging.Init(filepath.Join(t.TempDir(), "webtty.log")); err != nil {
		t.Fatal(err)
	}
	defer logging.Close()
	getJSON(t, ts.http.URL+"/health", "", nil)

	var body map[string]string
	if code := getJSON(t, ts.http.URL+"/api/logs?lines=50", "", &body); code != http.StatusOK {
		t.Fatalf("logs: %d", code)
	}
	if !strings.Contains(body["logs"], "/health") {
		t.Errorf("request log missing from tail: %q", body["logs"])
	}

	// An absurd line count is clamped rather than honoured.
	body = nil
	if code := getJSON(t, ts.http.URL+"/api/logs?lines=1000000000", "", &body); code != http.StatusOK {
		t.Fatalf("huge lines: %d", code)
	}
	if n := strings.Count(body["logs"], "\n") + 1; n > logging.MaxTailLines {
		t.Errorf("returned %d lines, cap is %d", n, logging.MaxTailLines)
	}
}

func TestRequireSessionRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, false, false, Options{})
	var body map[string]string
	if code := getJSON(t, ts.http.URL+"/api/connections", "forged", &body); code != http.StatusUnauthorized {
		t.Errorf("forged token: %d", code)
	}
	if body["detail"] != "Authentication required" {
		t.Errorf("unexpected body %v", body)
	}

	sess, err := ts.auth.Authenticate("admin", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if code := getJSON(t, ts.http.URL+"/api/connections?token="+sess.Token, "", nil); code != http.StatusOK {
		t.Errorf("query token: %d", code)
	}
}
