package shell

import (
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"
)

// process is one spawned shell and its two output pumps.
type process struct {
	cmd       *exec.Cmd
	tty       io.ReadWriteCloser
	setSize   func(Size) error
	pid       int
	shell     string
	startedAt time.Time

	chunks     chan []byte
	stop       chan struct{} // closed to make the pumps give up on the client
	exited     chan struct{} // closed once cmd.Wait returns
	ready      chan struct{} // closed once Started has been delivered
	readerDone chan struct{}
	fwdDone    chan struct{}
	exitCode   int

	once sync.Once
	exit Exit
}

func newProcess(cmd *exec.Cmd, tty io.ReadWriteCloser) *process {
	return &process{
		cmd:        cmd,
		tty:        tty,
		pid:        cmd.Process.Pid,
		startedAt:  time.Now(),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
		fwdDone:    make(chan struct{}),
	}
}

// start launches the waiter and both pumps.
func (p *process) start(sink Sink, buffer int) {
	p.chunks = make(chan []byte, buffer)
	go p.wait()
	go p.read()
	go p.forward(sink)
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		log.Printf("[shell] wait pid %d: %v", p.pid, err)
	}
	close(p.exited)
}

// read pumps tty output into the chunk channel. A full channel blocks the
// loop, which stops reads from the tty until the client catches up.
func (p *process) read() {
	defer close(p.readerDone)
	defer close(p.chunks)

	buf := make([]byte, readChunkSize)
	var carry []byte
	for {
		n, err := p.tty.Read(buf)
		if n > 0 {
			data := make([]byte, 0, len(carry)+n)
			data = append(data, carry...)
			data = append(data, buf[:n]...)
			chunk, rest := splitUTF8(data)
			carry = append(carry[:0], rest...)
			if len(chunk) > 0 {
				select {
				case p.chunks <- chunk:
				case <-p.stop:
					return
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				select {
				case p.chunks <- carry:
				case <-p.stop:
				}
			}
			return
		}
	}
}

// forward drains the chunk channel into sink in order, starting once ready
// is closed. After the sink fails or stop is closed the remaining chunks are
// discarded so read never blocks on a dead client.
func (p *process) forward(sink Sink) {
	defer close(p.fwdDone)

	broken := false
	select {
	case <-p.ready:
	case <-p.stop:
		broken = true
	}
	for chunk := range p.chunks {
		if broken {
			continue
		}
		select {
		case <-p.stop:
			broken = true
			continue
		default:
		}
		if err := sink.Output(chunk); err != nil {
			broken = true
		}
	}
}

// shutdown reclaims the process exactly once. Concurrent callers block until
// the first one finishes; only the first gets first == true.
func (p *process) shutdown(reason Reason, grace time.Duration) (exit Exit, first bool) {
	p.once.Do(func() {
		first = true

		if reason == ReasonExited {
			// Give the reader a chance to drain what the child wrote before
			// exiting. Leftover group members holding the tty open are killed.
			select {
			case <-p.readerDone:
			case <-time.After(grace):
				_ = p.kill()
			}
		} else {
			_ = p.interrupt()
			select {
			case <-p.exited:
			case <-time.After(grace):
				log.Printf("[shell] pid %d still alive after %s, killing", p.pid, grace)
				_ = p.kill()
				<-p.exited
			}
			close(p.stop)
		}

		p.tty.Close()
		<-p.readerDone
		<-p.fwdDone
		<-p.exited

		p.exit = Exit{
			PID:      p.pid,
			Shell:    p.shell,
			Code:     p.exitCode,
			Reason:   reason,
			Duration: time.Since(p.startedAt),
		}
	})
	return p.exit, first
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the incomplete tail.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
