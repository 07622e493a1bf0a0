// Package ctrader queries the cTrader CLI for account and symbol listings on
// behalf of the UI, outside of any run.
package ctrader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"optimo-worker/internal/backtest"
)

// Error carries the HTTP status a failed CLI invocation maps to.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// InfoRequest is the body of the /ctrader/accounts and /ctrader/symbols
// endpoints.
type InfoRequest struct {
	CTID           string  `json:"ctid"`
	Broker         string  `json:"broker"`
	Account        string  `json:"account"`
	PwdB64         string  `json:"pwd_b64"`
	PwdText        *string `json:"pwd_text"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// DecodePwd resolves the credential bytes from either field. A pwd_text of
// "" is a valid empty credential; only both fields absent is an error.
func DecodePwd(pwdB64 string, pwdText *string) ([]byte, error) {
	if pwdB64 != "" {
		data, err := base64.StdEncoding.DecodeString(pwdB64)
		if err != nil {
			return nil, &Error{Status: 400, Detail: "Invalid pwd_b64 payload: " + err.Error()}
		}
		return data, nil
	}
	if pwdText != nil {
		return []byte(*pwdText), nil
	}
	return nil, &Error{Status: 400, Detail: "pwd_b64 or pwd_text is required"}
}

// ExtractJSON cuts leading CLI banner noise off stdout, keeping everything
// from the first JSON object or array opener.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if s == "" {
		return ""
	}
	obj := strings.Index(s, "{")
	arr := strings.Index(s, "[")
	idx := obj
	switch {
	case obj == -1:
		idx = arr
	case arr != -1 && arr < obj:
		idx = arr
	}
	if idx == -1 {
		return s
	}
	return strings.TrimSpace(s[idx:])
}

// Service runs one-shot cTrader CLI info commands.
type Service struct {
	CLIPath    string
	WorkerRoot string
	Logger     *zap.Logger
}

// Accounts lists the trading accounts reachable with the given credentials.
func (s *Service) Accounts(ctid, broker string, pwd []byte, timeoutSeconds int) ([]any, error) {
	data, err := s.infoJSON("accounts", ctid, "", broker, pwd, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	items := asList(data)
	s.Logger.Info(
		fmt.Sprintf("ctrader accounts fetched for ctid=%s (%d account(s))", ctid, len(items)),
		zap.String("kind", "ctrader"),
		zap.String("ctid", ctid),
		zap.Int("accounts_count", len(items)),
	)
	return items, nil
}

// Symbols lists the symbols tradable on one account.
func (s *Service) Symbols(ctid, account, broker string, pwd []byte, timeoutSeconds int) ([]any, error) {
	data, err := s.infoJSON("symbols", ctid, account, broker, pwd, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	items := asList(data)
	s.Logger.Info(
		fmt.Sprintf("ctrader symbols fetched for ctid=%s account=%s (%d symbol(s))", ctid, account, len(items)),
		zap.String("kind", "ctrader"),
		zap.String("ctid", ctid),
		zap.String("account", account),
		zap.Int("symbols_count", len(items)),
	)
	return items, nil
}

func (s *Service) infoJSON(command, ctid, account, broker string, pwd []byte, timeoutSeconds int) (any, error) {
	tmpDir := filepath.Join(s.WorkerRoot, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, &Error{Status: 500, Detail: "Failed to run cTrader CLI: " + err.Error()}
	}
	tmp, err := os.CreateTemp(tmpDir, "ctrader_pwd_*.txt")
	if err != nil {
		return nil, &Error{Status: 500, Detail: "Failed to run cTrader CLI: " + err.Error()}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(pwd); err != nil {
		tmp.Close()
		return nil, &Error{Status: 500, Detail: "Failed to run cTrader CLI: " + err.Error()}
	}
	tmp.Close()

	args := []string{command, "--ctid=" + ctid, "--pwd-file=" + tmpPath}
	if b := strings.TrimSpace(broker); b != "" {
		args = append(args, "--broker="+b)
	}
	if command == "symbols" {
		a := strings.TrimSpace(account)
		if a == "" {
			return nil, &Error{Status: 400, Detail: "account is required"}
		}
		args = append(args, "--account="+a)
	}

	argv := append(backtest.CommandPrefix(s.CLIPath), args...)
	timeout := cliTimeout(timeoutSeconds)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Status: 504, Detail: fmt.Sprintf("cTrader CLI timed out after %ds", int(timeout.Seconds()))}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = strings.TrimSpace(stdout.String())
			}
			if detail == "" {
				detail = fmt.Sprintf("returncode=%d", exitErr.ExitCode())
			}
			return nil, &Error{Status: 502, Detail: "cTrader CLI error: " + truncate(detail, 2000)}
		case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, os.ErrNotExist):
			return nil, &Error{Status: 500, Detail: "cTrader CLI not found: " + argv[0]}
		default:
			return nil, &Error{Status: 500, Detail: "Failed to run cTrader CLI: " + runErr.Error()}
		}
	}

	out := ExtractJSON(stdout.String())
	if out == "" {
		return []any{}, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, &Error{
			Status: 502,
			Detail: "cTrader CLI returned non-JSON output (first 2000 chars): " + truncate(out, 2000),
		}
	}
	return parsed, nil
}

func asList(data any) []any {
	if items, ok := data.([]any); ok {
		return items
	}
	return []any{}
}

func cliTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 120
	}
	if seconds < 5 {
		seconds = 5
	}
	return time.Duration(seconds) * time.Second
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
