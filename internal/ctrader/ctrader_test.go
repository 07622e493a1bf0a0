package ctrader

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"  \n ", ""},
		{`[{"a":1}]`, `[{"a":1}]`},
		{"Loading profile...\n[1, 2]\n", "[1, 2]"},
		{"banner {\"ok\":true}", `{"ok":true}`},
		{"warn [1] then {\"x\":2}", `[1] then {"x":2}`},
		{"no json here", "no json here"},
	}
	for _, c := range cases {
		if got := ExtractJSON(c.in); got != c.want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodePwd(t *testing.T) {
	if pwd, err := DecodePwd("c2VjcmV0", nil); err != nil || string(pwd) != "secret" {
		t.Errorf("b64 decode = %q, %v", pwd, err)
	}

	text := "plain"
	if pwd, err := DecodePwd("", &text); err != nil || string(pwd) != "plain" {
		t.Errorf("text decode = %q, %v", pwd, err)
	}

	empty := ""
	if pwd, err := DecodePwd("", &empty); err != nil || string(pwd) != "" {
		t.Errorf("empty text should be accepted, got %q, %v", pwd, err)
	}

	_, err := DecodePwd("", nil)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != 400 {
		t.Fatalf("missing pwd err = %v", err)
	}

	_, err = DecodePwd("!!!not-base64!!!", nil)
	if !errors.As(err, &svcErr) || svcErr.Status != 400 || !strings.Contains(svcErr.Detail, "Invalid pwd_b64") {
		t.Fatalf("bad b64 err = %v", err)
	}
}

func testService(t *testing.T, scriptBody string) *Service {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-cli.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+scriptBody), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Service{CLIPath: script, WorkerRoot: filepath.Join(dir, "root"), Logger: zap.NewNop()}
}

func TestAccountsParsesOutput(t *testing.T) {
	s := testService(t, `
echo "Connecting to cTrader ID..."
echo '[{"accountId": 401, "broker": "icm"}, {"accountId": 402, "broker": "pepperstone"}]'
`)
	items, err := s.Accounts("1234567", "", []byte("pw"), 0)
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	first, ok := items[0].(map[string]any)
	if !ok || first["accountId"] != float64(401) {
		t.Errorf("first item = %v", items[0])
	}
}

func TestAccountsNonListBecomesEmpty(t *testing.T) {
	s := testService(t, `echo '{"accounts": []}'`)
	items, err := s.Accounts("1234567", "", []byte("pw"), 0)
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("non-list output should map to empty items, got %v", items)
	}
}

func TestAccountsEmptyOutput(t *testing.T) {
	s := testService(t, "exit 0\n")
	items, err := s.Accounts("1234567", "", []byte("pw"), 0)
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v", items)
	}
}

func TestAccountsCLIError(t *testing.T) {
	s := testService(t, `
echo "invalid credentials" >&2
exit 3
`)
	_, err := s.Accounts("1234567", "", []byte("pw"), 0)
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		t.Fatalf("err = %v", err)
	}
	if svcErr.Status != 502 || !strings.Contains(svcErr.Detail, "invalid credentials") {
		t.Errorf("err = %d %q", svcErr.Status, svcErr.Detail)
	}
}

func TestAccountsNonJSONOutput(t *testing.T) {
	s := testService(t, `echo 'ERROR: something [unparseable'`)
	_, err := s.Accounts("1234567", "", []byte("pw"), 0)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != 502 || !strings.Contains(svcErr.Detail, "non-JSON") {
		t.Fatalf("err = %v", err)
	}
}

func TestAccountsCLIMissing(t *testing.T) {
	s := &Service{
		CLIPath:    filepath.Join(t.TempDir(), "no-such-cli"),
		WorkerRoot: t.TempDir(),
		Logger:     zap.NewNop(),
	}
	_, err := s.Accounts("1234567", "", []byte("pw"), 0)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != 500 || !strings.Contains(svcErr.Detail, "cTrader CLI not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestAccountsTimeout(t *testing.T) {
	s := testService(t, "exec sleep 30\n")
	_, err := s.Accounts("1234567", "", []byte("pw"), 1)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != 504 {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(svcErr.Detail, "timed out after 5s") {
		t.Errorf("detail = %q", svcErr.Detail)
	}
}

func TestSymbolsRequiresAccount(t *testing.T) {
	s := testService(t, "echo '[]'\n")
	_, err := s.Symbols("1234567", "  ", "", []byte("pw"), 0)
	var svcErr *Error
	if !errors.As(err, &svcErr) || svcErr.Status != 400 || svcErr.Detail != "account is required" {
		t.Fatalf("err = %v", err)
	}
}

func TestSymbolsPassesFlags(t *testing.T) {
	// The fake CLI echoes its own arguments back as a JSON list.
	s := testService(t, `
printf '['
sep=""
for a in "$@"; do
  printf '%s"%s"' "$sep" "$a"
  sep=","
done
printf ']\n'
`)
	items, err := s.Symbols("777", "9001", "icmarkets", []byte("pw"), 0)
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	flags := make([]string, 0, len(items))
	for _, it := range items {
		flags = append(flags, it.(string))
	}
	if flags[0] != "symbols" || flags[1] != "--ctid=777" {
		t.Errorf("flags = %v", flags)
	}
	joined := strings.Join(flags, " ")
	if !strings.Contains(joined, "--broker=icmarkets") || !strings.Contains(joined, "--account=9001") {
		t.Errorf("flags = %v", flags)
	}
	if strings.Index(joined, "--broker=") > strings.Index(joined, "--account=") {
		t.Errorf("broker should precede account: %v", flags)
	}
}

func TestPwdFileCleanedUp(t *testing.T) {
	s := testService(t, "echo '[]'\n")
	if _, err := s.Accounts("1234567", "", []byte("pw"), 0); err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(s.WorkerRoot, "tmp"))
	if err != nil {
		t.Fatalf("tmp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("pwd temp files left behind: %v", entries)
	}
}
