package backtest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Fallback DLL locations probed when no CLI binary is installed. Containers
// ship the CLI as a dotnet assembly at one of these paths.
var cliDLLCandidates = []string{
	"/app/ctrader-cli.dll",
	"/opt/worker/ctrader-cli.dll",
	"/opt/workerC/ctrader-cli.dll",
}

// CommandPrefix resolves the argv prefix that invokes the cTrader CLI from
// the configured binary path. A missing binary falls back to `dotnet
// <cli.dll>` when a known DLL exists, otherwise the configured value is
// returned as-is and the spawn error surfaces at execution time.
func CommandPrefix(cliPath string) []string {
	raw := strings.TrimSpace(cliPath)
	if raw == "" {
		raw = "ctrader-cli"
	}
	parts := splitCommand(raw)
	if len(parts) == 0 {
		parts = []string{"ctrader-cli"}
	}

	exe := strings.TrimSpace(parts[0])
	if exe != "" {
		if _, err := os.Stat(expandHome(exe)); err == nil {
			return parts
		}
		if _, err := exec.LookPath(exe); err == nil {
			return parts
		}
	}

	if dotnet, err := exec.LookPath("dotnet"); err == nil {
		for _, dll := range cliDLLCandidates {
			if info, err := os.Stat(dll); err == nil && !info.IsDir() {
				return []string{dotnet, dll}
			}
		}
	}
	return parts
}

// splitCommand splits a configured command line on whitespace while honoring
// single quotes, double quotes, and backslash escapes.
func splitCommand(s string) []string {
	var (
		parts   []string
		current strings.Builder
		quote   rune
		escaped bool
		started bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			started = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t' || r == '\n':
			if started {
				parts = append(parts, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		parts = append(parts, current.String())
	}
	return parts
}

// quoteArg shell-quotes a single argv token for display in pass logs.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
