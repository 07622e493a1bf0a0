package backtest

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"optimo-worker/internal/proc"
	"optimo-worker/internal/timeutil"
)

// Params describes one backtest pass. All paths are absolute and live inside
// the pass directory except the shared algo and password files.
type Params struct {
	AlgoPath    string
	CbotsetPath string
	Start       string
	End         string
	DataMode    string
	CTID        string
	PwdFile     string
	Account     string
	Symbol      string
	Period      string
	ReportHTML  string
	ReportJSON  string
	LogPath     string
	Timeout     time.Duration
	Balance     *float64

	// Stop is polled during execution; a true return aborts the pass.
	Stop func() bool
}

func (p *Params) args() []string {
	args := []string{
		"backtest",
		p.AlgoPath,
		p.CbotsetPath,
		"--start=" + p.Start,
		"--end=" + p.End,
		"--data-mode=" + p.DataMode,
		"--ctid=" + p.CTID,
		"--pwd-file=" + p.PwdFile,
		"--account=" + p.Account,
		"--symbol=" + p.Symbol,
		"--period=" + p.Period,
		"--report=" + p.ReportHTML,
		"--report-json=" + p.ReportJSON,
	}
	if p.Balance != nil {
		args = append(args, "--balance="+strconv.FormatFloat(*p.Balance, 'f', -1, 64))
	}
	return args
}

func (p *Params) stopRequested() bool {
	return p.Stop != nil && p.Stop()
}

func (p *Params) reportsReady() bool {
	return fileNonEmpty(p.ReportHTML) && fileNonEmpty(p.ReportJSON)
}

// Runner invokes the cTrader CLI for backtest passes.
type Runner struct {
	CLIPath    string
	DotnetPath string
	HostPath   string
}

// RunSubprocess executes a pass by spawning the CLI directly, streaming its
// combined output into the pass log. It returns true when both report files
// exist with content, regardless of how the process ended.
func (r *Runner) RunSubprocess(p Params, tracker proc.Tracker) (bool, error) {
	argv := append(CommandPrefix(r.CLIPath), p.args()...)

	logf, err := os.Create(p.LogPath)
	if err != nil {
		return false, err
	}
	defer logf.Close()

	fmt.Fprintf(logf, "[started_at_utc] %s\n", timeutil.NowISO())
	fmt.Fprintf(logf, "[command] %s\n\n", strings.Join(argv, " "))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	if err := cmd.Start(); err != nil {
		return false, err
	}
	handle := proc.Attach(cmd, nil)
	if tracker != nil {
		tracker.Track(handle)
		defer tracker.Untrack(handle.PID())
	}

	startTS := time.Now()
	success := false
	outcome := "unknown"
	for {
		if p.stopRequested() {
			handle.Terminate(3*time.Second, time.Second)
			outcome = "stopped_by_request"
			break
		}
		if p.reportsReady() {
			// Give the CLI a moment to exit on its own before forcing it.
			if !handle.Exited() && !handle.WaitTimeout(2*time.Second) {
				handle.Terminate(2*time.Second, time.Second)
			}
			success = true
			outcome = "reports_ready"
			break
		}
		if handle.Exited() {
			outcome = fmt.Sprintf("process_exited_rc_%d", handle.ExitCode())
			break
		}
		if p.Timeout > 0 && time.Since(startTS) >= p.Timeout {
			handle.Terminate(3*time.Second, time.Second)
			outcome = "timeout"
			break
		}
		time.Sleep(time.Second)
	}

	writeFinalMarkers(logf, startTS, outcome)
	return success || p.reportsReady(), nil
}

func writeFinalMarkers(logf *os.File, startTS time.Time, outcome string) {
	fmt.Fprintf(logf, "\n[finished_at_utc] %s\n", timeutil.NowISO())
	fmt.Fprintf(logf, "[elapsed_seconds_total] %s\n", formatElapsed(time.Since(startTS)))
	fmt.Fprintf(logf, "[outcome] %s\n", outcome)
}

func formatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 0 {
		secs = 0
	}
	return strconv.FormatFloat(math.Round(secs*1000)/1000, 'f', -1, 64)
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
