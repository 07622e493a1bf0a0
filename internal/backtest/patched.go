package backtest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"optimo-worker/internal/clihost"
	"optimo-worker/internal/timeutil"
)

// Host is a long-lived patched CLI process that accepts backtest commands
// over stdin and answers on stdout. *clihost.Client implements it.
type Host interface {
	PID() int
	Execute(args []string, timeout time.Duration) (map[string]any, error)
	Reset() error
}

type hostResult struct {
	resp map[string]any
	err  error
}

// RunPatched executes a pass through an already running patched CLI host.
// The host stays alive between passes; stop and timeout interruptions reset
// it so the next pass starts from a clean process.
func (r *Runner) RunPatched(host Host, p Params) (bool, error) {
	args := p.args()

	logf, err := os.Create(p.LogPath)
	if err != nil {
		return false, err
	}
	defer logf.Close()

	display := make([]string, 0, len(args)+1)
	display = append(display, r.DotnetPath+" "+r.HostPath)
	display = append(display, args...)
	for i, a := range display {
		display[i] = quoteArg(a)
	}
	fmt.Fprintf(logf, "[started_at_utc] %s\n", timeutil.NowISO())
	fmt.Fprintf(logf, "[command] %s\n", strings.Join(display, " "))
	fmt.Fprintf(logf, "[execution] patched_cli_host pid=%d\n\n", host.PID())

	hostTimeout := p.Timeout
	if hostTimeout < 5*time.Second {
		hostTimeout = 5 * time.Second
	}
	hostTimeout += 30 * time.Second

	done := make(chan hostResult, 1)
	go func() {
		resp, err := host.Execute(args, hostTimeout)
		done <- hostResult{resp: resp, err: err}
	}()

	startTS := time.Now()
	success := false
	outcome := "unknown"
	interrupted := false
	var res hostResult

poll:
	for {
		select {
		case res = <-done:
			break poll
		case <-time.After(500 * time.Millisecond):
			if p.stopRequested() {
				outcome = "stopped_by_request"
				interrupted = true
				_ = host.Reset()
				break poll
			}
			if p.Timeout > 0 && time.Since(startTS) >= p.Timeout {
				outcome = "timeout"
				interrupted = true
				_ = host.Reset()
				break poll
			}
		}
	}

	if !interrupted {
		if res.err != nil {
			outcome = "patched_host_error_" + clihost.ErrorClass(res.err)
			fmt.Fprintf(logf, "[patched_host_error] %v\n", res.err)
		} else {
			exitCode := 1
			if v, ok := numberField(res.resp, "exit_code"); ok {
				exitCode = v
			} else if v, ok := numberField(res.resp, "exitCode"); ok {
				exitCode = v
			}
			writeHostStream(logf, "patched_host_stdout", stringField(res.resp, "stdout"))
			writeHostStream(logf, "patched_host_stderr", stringField(res.resp, "stderr"))
			if exitCode == 0 && p.reportsReady() {
				success = true
				outcome = "reports_ready"
			} else {
				outcome = fmt.Sprintf("process_exited_rc_%d", exitCode)
			}
		}
	}

	writeFinalMarkers(logf, startTS, outcome)
	return success || p.reportsReady(), nil
}

func writeHostStream(logf *os.File, label, body string) {
	if body == "" {
		return
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	fmt.Fprintf(logf, "\n[%s]\n%s", label, body)
}

func numberField(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	if v, ok := m[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
