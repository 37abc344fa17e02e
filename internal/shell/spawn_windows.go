//go:build windows

package shell

import (
	"io"
	"os"
	"os/exec"
)

// DefaultAllowedShells is used when Config.AllowedShells is empty.
var DefaultAllowedShells = []string{
	"cmd.exe",
	"powershell.exe",
}

// pipeTTY joins the child's stdin pipe and combined stdout/stderr pipe.
type pipeTTY struct {
	in  io.WriteCloser
	out *os.File
}

func (t pipeTTY) Read(b []byte) (int, error)  { return t.out.Read(b) }
func (t pipeTTY) Write(b []byte) (int, error) { return t.in.Write(b) }

func (t pipeTTY) Close() error {
	err := t.in.Close()
	if outErr := t.out.Close(); err == nil {
		err = outErr
	}
	return err
}

// spawn starts path with plain pipes. There is no pty, so resize is a no-op.
func spawn(path string, _ Size, env []string) (*process, error) {
	cmd := exec.Command(path)
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	// The child holds its own copy; closing ours lets reads see EOF on exit.
	w.Close()

	p := newProcess(cmd, pipeTTY{in: stdin, out: r})
	p.setSize = func(Size) error { return nil }
	return p, nil
}

func (p *process) interrupt() error {
	return p.cmd.Process.Kill()
}

func (p *process) kill() error {
	return p.cmd.Process.Kill()
}
