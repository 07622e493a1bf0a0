// Package clihost drives a resident patched cTrader CLI host process over a
// line-delimited JSON stdio protocol. One client is pinned to each worker
// slot so backtest passes reuse a warm host instead of paying CLI startup per
// pass.
package clihost

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"optimo-worker/internal/proc"
)

const stderrTailLines = 200

// Error carries a stable class alongside the human-readable message so pass
// logs can name the failure mode without parsing text.
type Error struct {
	Class string // timeout, closed, host_restarted, host_exited, host_error
	msg   string
}

func (e *Error) Error() string { return e.msg }

func newError(class, format string, args ...any) *Error {
	return &Error{Class: class, msg: fmt.Sprintf(format, args...)}
}

// ErrorClass names the failure mode of an Execute error, "error" for
// anything that did not come from this client.
func ErrorClass(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return "error"
}

type Options struct {
	Slot       int
	DotnetPath string
	HostPath   string
	CLIDir     string

	// Run-level process tracking so stop/unlock can terminate the host.
	OnProcStart func(*proc.Handle)
	OnProcEnd   func(pid int)
}

type Client struct {
	opts Options

	mu         sync.Mutex
	seq        int
	generation int
	closed     bool
	pending    map[string]chan map[string]any
	stderrTail []string
	handle     *proc.Handle
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
}

// New verifies the host DLL exists and starts the first host process.
func New(opts Options) (*Client, error) {
	if _, err := os.Stat(opts.HostPath); err != nil {
		return nil, fmt.Errorf("patched CLI host not found at %s", opts.HostPath)
	}
	c := &Client{opts: opts, pending: make(map[string]chan map[string]any)}
	if err := c.start(); err != nil {
		return nil, fmt.Errorf("failed to start patched CLI host: %w", err)
	}
	return c, nil
}

func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID()
}

func (c *Client) start() error {
	c.mu.Lock()
	c.closed = false
	c.pending = make(map[string]chan map[string]any)
	c.generation++
	c.mu.Unlock()

	cmd := exec.Command(c.opts.DotnetPath, c.opts.HostPath, "--cli-dir", c.opts.CLIDir)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		c.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		c.readStderr(stderr)
	}()

	// Readers must drain before Wait reaps the pipes.
	handle := proc.Attach(cmd, func() error {
		readers.Wait()
		return cmd.Wait()
	})

	c.mu.Lock()
	c.handle = handle
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr
	c.mu.Unlock()

	if c.opts.OnProcStart != nil {
		c.opts.OnProcStart(handle)
	}
	return nil
}

func (c *Client) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			c.appendStderrTail("[patched-host-stdout] " + line)
			continue
		}
		id, _ := payload["id"].(string)
		id = strings.TrimSpace(id)
		if id == "" {
			c.appendStderrTail("[patched-host-stdout-id-missing] " + line)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- payload
		}
	}
}

func (c *Client) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\n")
		if line == "" {
			continue
		}
		c.appendStderrTail(line)
	}
}

func (c *Client) appendStderrTail(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderrTail = append(c.stderrTail, line)
	if len(c.stderrTail) > stderrTailLines {
		c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrTailLines:]
	}
}

// StderrSnapshot returns the last few stderr lines for error detail.
func (c *Client) StderrSnapshot(maxLines int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.stderrTail
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Execute sends one command to the host and waits for its matching response.
// Restarts, host exit, and close all fail the in-flight call instead of
// leaving it hanging.
func (c *Client) Execute(args []string, timeout time.Duration) (map[string]any, error) {
	if timeout < time.Second {
		timeout = time.Second
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError("closed", "patched CLI client is closed")
	}
	handle := c.handle
	if handle == nil {
		c.mu.Unlock()
		return nil, newError("host_error", "patched CLI host is not started")
	}
	if handle.Exited() {
		rc := handle.ExitCode()
		c.mu.Unlock()
		return nil, withDetail("host_exited", fmt.Sprintf("patched CLI host is not running (rc=%d).", rc), c.StderrSnapshot(20))
	}
	c.seq++
	id := fmt.Sprintf("%d-%d", c.opts.Slot, c.seq)
	generation := c.generation
	ch := make(chan map[string]any, 1)
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]any{"id": id, "args": args})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		c.dropPending(id)
		return nil, newError("host_error", "patched CLI host stdin write failed: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if ok {
			return resp, nil
		}
		return nil, c.interruptionError(generation)
	case <-handle.Done():
		// The response may have raced the exit; prefer it when present.
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
			return nil, c.interruptionError(generation)
		default:
		}
		c.dropPending(id)
		if err := c.interruptionErrorIfAny(generation); err != nil {
			return nil, err
		}
		return nil, withDetail("host_exited", fmt.Sprintf("patched CLI host exited during command (rc=%d).", handle.ExitCode()), c.StderrSnapshot(20))
	case <-timer.C:
		select {
		case resp, ok := <-ch:
			if ok {
				return resp, nil
			}
			return nil, c.interruptionError(generation)
		default:
		}
		c.dropPending(id)
		return nil, newError("timeout", "patched CLI command timeout after %ds", int(timeout/time.Second))
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func withDetail(class, msg, detail string) error {
	if detail == "" {
		return newError(class, "%s", msg)
	}
	return newError(class, "%s %s", msg, detail)
}

func (c *Client) interruptionError(generation int) error {
	if err := c.interruptionErrorIfAny(generation); err != nil {
		return err
	}
	return newError("closed", "patched CLI client closed during command execution")
}

func (c *Client) interruptionErrorIfAny(generation int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return newError("closed", "patched CLI client closed during command execution")
	}
	if generation != c.generation {
		return newError("host_restarted", "patched CLI host restarted during command execution")
	}
	return nil
}

// Reset tears the current host down and starts a fresh one. The stderr tail
// survives so post-restart errors keep their context.
func (c *Client) Reset() error {
	c.Close()
	return c.start()
}

// Close stops the host process and fails any in-flight Execute calls.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	handle := c.handle
	stdin, stdout, stderr := c.stdin, c.stdout, c.stderr
	c.handle = nil
	c.stdin, c.stdout, c.stderr = nil, nil, nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if handle == nil {
		return
	}
	if !handle.Exited() {
		handle.Terminate(3*time.Second, time.Second)
	}
	for _, s := range []io.Closer{stdin, stdout, stderr} {
		if s != nil {
			s.Close()
		}
	}
	if c.opts.OnProcEnd != nil {
		c.opts.OnProcEnd(handle.PID())
	}
}
