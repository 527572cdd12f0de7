package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
)

// killGrace is how long Kill waits for a SIGHUP to be honored before
// escalating to SIGKILL.
const killGrace = 2 * time.Second

// Adapter spawns and controls one child process attached to a
// pseudo-terminal. A zero Adapter is not usable; construct one with Spawn.
type Adapter struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	closeOnce sync.Once

	waitDone   chan struct{}
	waitResult ExitInfo
}

// Spawn starts shell as a child process with a controlling terminal sized
// cols x rows. If argv is empty, the child is started as a login shell
// (argv[0] prefixed with "-", the conventional login-shell marker) with no
// arguments; callers that need a specific argv (tests, non-login
// invocations) may supply one directly. env, when non-empty, replaces the
// child's environment wholesale — callers should build it with BuildEnv.
func Spawn(shell string, argv []string, env []string, cwd string, cols, rows uint16) (*Adapter, error) {
	if shell == "" {
		return nil, errors.New("pty: shell must not be empty")
	}

	cmd := exec.Command(shell)
	if len(argv) > 0 {
		cmd.Args = argv
	} else {
		cmd.Args = []string{"-" + filepath.Base(shell)}
	}
	cmd.Dir = cwd
	if len(env) > 0 {
		cmd.Env = env
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("pty: spawn %q: %w", shell, err)
	}

	a := &Adapter{
		cmd:      cmd,
		ptmx:     ptmx,
		waitDone: make(chan struct{}),
	}
	go a.waitLoop()
	return a, nil
}

func (a *Adapter) waitLoop() {
	err := a.cmd.Wait()
	a.waitResult = exitInfoFromError(err)
	close(a.waitDone)
}

func exitInfoFromError(err error) ExitInfo {
	if err == nil {
		return ExitInfo{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				sig := int(ws.Signal())
				return ExitInfo{ExitCode: -1, Signal: &sig}
			}
			return ExitInfo{ExitCode: ws.ExitStatus()}
		}
	}
	return ExitInfo{ExitCode: -1}
}

// Read produces the next chunk of PTY output. Chunk boundaries carry no
// meaning and may split multi-byte sequences; it returns io.EOF (or a wrapped
// read error) once the child's terminal has closed.
func (a *Adapter) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

// Write delivers bytes to the child's input, retrying short writes until the
// full buffer is accepted or the terminal is gone.
func (a *Adapter) Write(p []byte) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	total := 0
	for total < len(p) {
		n, err := a.ptmx.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Resize updates the window size. Safe to call concurrently with Read and
// Write.
func (a *Adapter) Resize(cols, rows uint16) error {
	return creackpty.Setsize(a.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends SIGHUP to the child and, if it has not exited within the grace
// period, escalates to SIGKILL. It does not block until the child has
// actually exited; call Wait for that.
func (a *Adapter) Kill() error {
	if a.cmd.Process == nil {
		return nil
	}
	if err := a.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("pty: signal SIGHUP: %w", err)
	}
	go func() {
		select {
		case <-a.waitDone:
		case <-time.After(killGrace):
			_ = a.cmd.Process.Kill()
		}
	}()
	return nil
}

// Wait blocks until the child has terminated and returns its exit
// information. It may be called any number of times; every call observes
// the same result.
func (a *Adapter) Wait() ExitInfo {
	<-a.waitDone
	return a.waitResult
}

// Close releases the terminal file descriptor. It is safe to call more than
// once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.ptmx.Close()
	})
	return err
}
