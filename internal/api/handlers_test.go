package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"optimo-worker/internal/compile"
	"optimo-worker/internal/config"
	"optimo-worker/internal/ctrader"
	"optimo-worker/internal/logbuf"
	"optimo-worker/internal/parallel"
	"optimo-worker/internal/run"
)

// fakeCLI writes non-empty reports to the paths given in its flags, like a
// backtest that completed instantly.
func fakeCLI(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
for a in "$@"; do
  case "$a" in
    --report=*) html="${a#--report=}" ;;
    --report-json=*) json="${a#--report-json=}" ;;
  esac
done
echo report > "$html"
echo '{"main":{"netProfit":42}}' > "$json"
`
	path := filepath.Join(t.TempDir(), "fake-cli.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testApp(t *testing.T, cliPath string) (*fiber.App, *logbuf.Buffer) {
	t.Helper()
	if cliPath == "" {
		cliPath = "/bin/false"
	}
	cfg := &config.Config{
		WorkerRoot:         t.TempDir(),
		CLIPath:            cliPath,
		CustomCLIPatched:   false,
		CallbackBatchSize:  10,
		CallbackBatchFlush: 100 * time.Millisecond,
		CallbackTimeout:    3 * time.Second,
	}
	logger := zap.NewNop()
	two := 2
	manager := run.NewManager(cfg, parallel.New(4, 65, 1, &two), logger, nil)
	t.Cleanup(manager.Shutdown)

	buf := logbuf.New(500)
	compiler := &compile.Service{CLIPath: cfg.CLIPath, WorkerRoot: cfg.WorkerRoot, Logger: logger}
	ctraderSvc := &ctrader.Service{CLIPath: cfg.CLIPath, WorkerRoot: cfg.WorkerRoot, Logger: logger}
	handlers := NewHandlers(logger, cfg, manager, compiler, ctraderSvc, buf)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	SetupRoutes(app, logger, nil, handlers)
	return app, buf
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, 10000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("%s %s: decode body: %v", method, path, err)
	}
	return resp.StatusCode, decoded
}

func startBody() map[string]any {
	return map[string]any{
		"bot_name":  "TrendBot",
		"symbol":    "EURUSD",
		"period":    "h1",
		"start":     "2024-01-01",
		"end":       "2024-02-01",
		"data_mode": "m1",
		"ctid":      "1234567",
		"account":   "9001",
		"pwd_text":  "secret",
		"algo_b64":  base64.StdEncoding.EncodeToString([]byte("algo-bytes")),
	}
}

func TestStatusIdle(t *testing.T) {
	app, _ := testApp(t, "")

	code, body := doJSON(t, app, "GET", "/status", nil)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if body["ok"] != true || body["busy"] != false {
		t.Errorf("body = %v", body)
	}
	if body["max_parallel"] != float64(2) {
		t.Errorf("max_parallel = %v", body["max_parallel"])
	}
	if body["current_run_id"] != nil {
		t.Errorf("current_run_id = %v", body["current_run_id"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	app, _ := testApp(t, "")

	for path, key := range map[string]string{"/healthz": "status", "/readyz": "status", "/": "service"} {
		code, body := doJSON(t, app, "GET", path, nil)
		if code != 200 {
			t.Errorf("GET %s = %d", path, code)
		}
		if body[key] == nil {
			t.Errorf("GET %s missing %q: %v", path, key, body)
		}
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr string
	}{
		{"missing pwd", func(b map[string]any) { delete(b, "pwd_text") }, "pwd_b64 or pwd_text is required"},
		{"missing algo", func(b map[string]any) { delete(b, "algo_b64") }, "algo_b64 is required"},
		{"bad data_mode", func(b map[string]any) { b["data_mode"] = "h4" }, "data_mode must be ticks or m1"},
		{"bad algo b64", func(b map[string]any) { b["algo_b64"] = "!!!" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := testApp(t, "")
			body := startBody()
			tt.mutate(body)
			code, resp := doJSON(t, app, "POST", "/run/start", body)
			if code != 400 {
				t.Fatalf("status = %d, body = %v", code, resp)
			}
			if tt.wantErr != "" && resp["error"] != tt.wantErr {
				t.Errorf("error = %v, want %q", resp["error"], tt.wantErr)
			}
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	app, _ := testApp(t, fakeCLI(t))

	code, started := doJSON(t, app, "POST", "/run/start", startBody())
	if code != 200 {
		t.Fatalf("start = %d, body = %v", code, started)
	}
	runID, _ := started["run_id"].(string)
	if runID == "" {
		t.Fatalf("run_id missing: %v", started)
	}
	if started["max_parallel"] != float64(2) {
		t.Errorf("max_parallel = %v", started["max_parallel"])
	}

	code, assigned := doJSON(t, app, "POST", "/run/"+runID+"/assign", map[string]any{
		"passes": []map[string]any{
			{"pass_id": 1, "parameters": map[string]any{"Periods": 10}},
			{"pass_id": 2, "parameters": map[string]any{"Periods": 20}},
		},
	})
	if code != 200 {
		t.Fatalf("assign = %d, body = %v", code, assigned)
	}
	if assigned["accepted"] != float64(2) {
		t.Errorf("accepted = %v", assigned["accepted"])
	}

	resultsPath := fmt.Sprintf("/run/%s/results?include_artifacts=false", runID)
	var results map[string]any
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		code, results = doJSON(t, app, "GET", resultsPath, nil)
		if code != 200 {
			t.Fatalf("results = %d, body = %v", code, results)
		}
		if results["completed"] == float64(2) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if results["completed"] != float64(2) {
		t.Fatalf("passes never completed: %v", results)
	}
	items, _ := results["results"].([]any)
	if len(items) != 2 {
		t.Fatalf("results len = %d", len(items))
	}
	for _, raw := range items {
		item := raw.(map[string]any)
		if item["status"] != "Completed" {
			t.Errorf("pass %v status = %v (error=%v)", item["pass_id"], item["status"], item["error"])
		}
		metrics, _ := item["metrics"].(map[string]any)
		if metrics["netProfit"] != float64(42) {
			t.Errorf("pass %v netProfit = %v", item["pass_id"], metrics["netProfit"])
		}
	}

	code, stopped := doJSON(t, app, "POST", "/run/"+runID+"/stop", nil)
	if code != 200 || stopped["ok"] != true {
		t.Fatalf("stop = %d, body = %v", code, stopped)
	}

	// The slot is free again once the workers drain.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, restarted := doJSON(t, app, "POST", "/run/start", startBody())
		if code == 200 {
			if restarted["run_id"] == runID {
				t.Error("second run reused the first run id")
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("slot never released after stop")
}

func TestUnknownRunIs404(t *testing.T) {
	app, _ := testApp(t, "")

	paths := []struct{ method, path string }{
		{"POST", "/run/run_nope/assign"},
		{"GET", "/run/run_nope/results"},
		{"POST", "/run/run_nope/stop"},
		{"POST", "/run/run_nope/unlock"},
	}
	for _, p := range paths {
		var body any
		if p.method == "POST" {
			body = map[string]any{"passes": []any{}}
		}
		code, resp := doJSON(t, app, p.method, p.path, body)
		if code != 404 {
			t.Errorf("%s %s = %d, body = %v", p.method, p.path, code, resp)
		}
	}
}

func TestUnlockWithoutRun(t *testing.T) {
	app, _ := testApp(t, "")

	code, body := doJSON(t, app, "POST", "/unlock", nil)
	if code != 200 {
		t.Fatalf("unlock = %d", code)
	}
	if body["released"] != true || body["message"] != "no_active_run" {
		t.Errorf("body = %v", body)
	}
}

func TestParallelSettings(t *testing.T) {
	app, _ := testApp(t, "")

	code, body := doJSON(t, app, "PUT", "/settings/parallel", map[string]any{"parallel": 3})
	if code != 200 {
		t.Fatalf("settings = %d, body = %v", code, body)
	}
	if body["explicit_parallel"] != float64(3) || body["max_parallel"] != float64(3) {
		t.Errorf("explicit pin not applied: %v", body)
	}
	if body["applies_from_next_run"] != false {
		t.Errorf("applies_from_next_run = %v", body["applies_from_next_run"])
	}

	code, body = doJSON(t, app, "PUT", "/settings/parallel", map[string]any{
		"parallel":           "auto",
		"cpu_target_percent": 95,
		"parallel_per_core":  2,
	})
	if code != 200 {
		t.Fatalf("settings = %d, body = %v", code, body)
	}
	if body["explicit_parallel"] != nil {
		t.Errorf("explicit_parallel = %v, want null", body["explicit_parallel"])
	}
	if body["cpu_target_percent"] != float64(95) || body["parallel_per_core"] != float64(2) {
		t.Errorf("knobs not applied: %v", body)
	}
	// 4 cores at 95%: base 3, top 3, so 3 slots x2 per core.
	if body["max_parallel"] != float64(6) {
		t.Errorf("max_parallel = %v", body["max_parallel"])
	}

	code, body = doJSON(t, app, "PUT", "/settings/parallel", map[string]any{"parallel": "bogus"})
	if code != 400 {
		t.Errorf("bogus parallel = %d, body = %v", code, body)
	}

	// The alias path answers identically.
	code, _ = doJSON(t, app, "PUT", "/api/settings/parallel", map[string]any{"cpu_target_percent": 65})
	if code != 200 {
		t.Errorf("alias = %d", code)
	}
}

func TestLiveLogs(t *testing.T) {
	app, buf := testApp(t, "")
	buf.Append("INFO", "run", "first", nil)
	buf.Append("ERROR", "run", "second", nil)

	code, body := doJSON(t, app, "GET", "/logs/live?since_id=0&limit=200", nil)
	if code != 200 {
		t.Fatalf("logs = %d", code)
	}
	items, _ := body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", body["items"])
	}
	if body["next_since_id"] != float64(2) {
		t.Errorf("next_since_id = %v", body["next_since_id"])
	}

	code, body = doJSON(t, app, "GET", "/logs/live?since_id=2", nil)
	if code != 200 {
		t.Fatalf("logs = %d", code)
	}
	if items, _ := body["items"].([]any); len(items) != 0 {
		t.Errorf("expected no new items, got %v", items)
	}
}

func TestCtraderValidation(t *testing.T) {
	app, _ := testApp(t, "")

	code, body := doJSON(t, app, "POST", "/ctrader/accounts", map[string]any{"pwd_text": "x"})
	if code != 400 || body["error"] != "ctid is required" {
		t.Errorf("missing ctid = %d, body = %v", code, body)
	}

	code, body = doJSON(t, app, "POST", "/ctrader/symbols", map[string]any{"ctid": "123"})
	if code != 400 || body["error"] != "pwd_b64 or pwd_text is required" {
		t.Errorf("missing pwd = %d, body = %v", code, body)
	}
}

func TestCompileValidation(t *testing.T) {
	app, _ := testApp(t, "")

	code, body := doJSON(t, app, "POST", "/compile", map[string]any{})
	if code != 400 || body["error"] != "source_zip_b64 is required" {
		t.Errorf("empty compile = %d, body = %v", code, body)
	}
}
