//go:build !windows

package shell

import (
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// DefaultAllowedShells is used when Config.AllowedShells is empty.
var DefaultAllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/bin/zsh",
}

// spawn starts path on a new pty. pty.StartWithSize puts the child in its
// own session, so its pid is also the process group id.
func spawn(path string, size Size, env []string) (*process, error) {
	cmd := exec.Command(path)
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
	if err != nil {
		return nil, err
	}
	p := newProcess(cmd, ptmx)
	p.setSize = func(sz Size) error {
		return pty.Setsize(ptmx, &pty.Winsize{Cols: sz.Cols, Rows: sz.Rows})
	}
	return p, nil
}

// interrupt asks the whole process group to exit. Interactive shells ignore
// SIGTERM, so SIGHUP goes first.
func (p *process) interrupt() error {
	err := syscall.Kill(-p.pid, syscall.SIGHUP)
	if termErr := syscall.Kill(-p.pid, syscall.SIGTERM); err == nil {
		err = termErr
	}
	return err
}

func (p *process) kill() error {
	return syscall.Kill(-p.pid, syscall.SIGKILL)
}
