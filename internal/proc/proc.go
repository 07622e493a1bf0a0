// Package proc wraps started child processes with exit tracking and the
// terminate-then-kill ladder used when runs are stopped or time out.
package proc

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle owns the wait on a started command. Callers observe exit through
// Done or the polling helpers instead of calling cmd.Wait themselves.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
	err  error
}

// Tracker registers live child processes so a run can terminate them all on
// stop/unlock.
type Tracker interface {
	Track(h *Handle)
	Untrack(pid int)
}

// Attach takes ownership of a command that has already been started. A nil
// wait defaults to cmd.Wait; callers that read pipes pass a wait that joins
// the readers first.
func Attach(cmd *exec.Cmd, wait func() error) *Handle {
	if wait == nil {
		wait = cmd.Wait
	}
	h := &Handle{cmd: cmd, done: make(chan struct{}), code: -1}
	go func() {
		err := wait()
		h.mu.Lock()
		h.err = err
		if cmd.ProcessState != nil {
			h.code = cmd.ProcessState.ExitCode()
		}
		h.mu.Unlock()
		close(h.done)
	}()
	return h
}

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns -1 until the process has exited, and also for
// signal-terminated processes.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

// WaitTimeout blocks until exit or the timeout, reporting whether the process
// is down.
func (h *Handle) WaitTimeout(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Terminate runs the stop ladder: SIGTERM with a grace period, then SIGKILL.
// It returns true only when the process was alive on entry and is confirmed
// down afterwards.
func (h *Handle) Terminate(termWait, killWait time.Duration) bool {
	if h.Exited() {
		return false
	}
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	if h.WaitTimeout(termWait) {
		return true
	}
	_ = h.cmd.Process.Kill()
	return h.WaitTimeout(killWait)
}
