package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Host         string `envconfig:"OPTIMO_WORKER_HOST"`
	HostFallback string `envconfig:"HOST"`
	Port         string `envconfig:"OPTIMO_WORKER_PORT"`
	PortFallback string `envconfig:"PORT"`

	// Workspace for run and compile directories
	WorkerRoot string `envconfig:"OPTIMO_WORKER_ROOT" default:"./data/worker_runs"`

	// cTrader CLI
	CLIPath string `envconfig:"CTRADE_CLI_PATH" default:"/Applications/cTrader.app/Contents/MacOS/cTrader.Mac"`
	CLIDir  string `envconfig:"CTRADE_CLI_DIR"`

	// Patched CLI host (resident process per worker slot)
	CustomCLIPatched  bool   `envconfig:"OPTIMO_CUSTOM_CLI_PATCHED" default:"true"`
	PatchedDotnetPath string `envconfig:"OPTIMO_CLI_PATCHED_DOTNET_PATH" default:"dotnet"`
	PatchedHostPath   string `envconfig:"OPTIMO_CLI_PATCHED_HOST_PATH" default:"/app/worker/cli_patched_host/Optimo.CliPatchedHost.dll"`

	// Parallelism
	Parallel         string `envconfig:"OPTIMO_WORKER_PARALLEL"`
	CPUTargetPercent int    `envconfig:"OPTIMO_WORKER_CPU_TARGET_PERCENT" default:"65"`
	ParallelPerCore  int    `envconfig:"OPTIMO_WORKER_PARALLEL_PER_CORE" default:"1"`

	// Callback delivery
	CallbackBatchSize  int           `envconfig:"OPTIMO_WORKER_CALLBACK_BATCH_SIZE" default:"10"`
	CallbackBatchFlush time.Duration `envconfig:"OPTIMO_WORKER_CALLBACK_BATCH_FLUSH" default:"1s"`
	CallbackTimeout    time.Duration `envconfig:"OPTIMO_WORKER_CALLBACK_TIMEOUT" default:"10s"`

	// Telegram announce
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramNotify   bool   `envconfig:"OPTIMO_WORKER_TELEGRAM_NOTIFY" default:"true"`
	ChatID           string `envconfig:"CHAT_ID"`
	ChatIDFallback   string `envconfig:"CHAT_DANIEL"`
	PublicURL        string `envconfig:"OPTIMO_WORKER_PUBLIC_URL"`
	PublicIP         string `envconfig:"OPTIMO_WORKER_PUBLIC_IP"`
	PublicPort       string `envconfig:"OPTIMO_WORKER_PUBLIC_PORT"`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogMaxLines    int    `envconfig:"OPTIMO_WORKER_LOG_MAX_LINES" default:"2000"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	root := expandHome(cfg.WorkerRoot)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	cfg.WorkerRoot = root

	cfg.CPUTargetPercent = ClampCPUTarget(cfg.CPUTargetPercent)
	if cfg.ParallelPerCore < 1 {
		cfg.ParallelPerCore = 1
	}
	if cfg.CallbackBatchSize < 1 {
		cfg.CallbackBatchSize = 1
	}
	if cfg.CallbackBatchFlush < 100*time.Millisecond {
		cfg.CallbackBatchFlush = 100 * time.Millisecond
	}
	if cfg.CallbackTimeout < 3*time.Second {
		cfg.CallbackTimeout = 3 * time.Second
	}
	if cfg.LogMaxLines < 500 {
		cfg.LogMaxLines = 500
	}

	return &cfg, nil
}

// ClampCPUTarget keeps the CPU target inside the range the scheduler supports.
func ClampCPUTarget(v int) int {
	if v < 65 {
		return 65
	}
	if v > 95 {
		return 95
	}
	return v
}

// BindHost resolves the listen host with the plain HOST variable as fallback.
func (c *Config) BindHost() string {
	if h := strings.TrimSpace(c.Host); h != "" {
		return h
	}
	if h := strings.TrimSpace(c.HostFallback); h != "" {
		return h
	}
	return "0.0.0.0"
}

// BindPort resolves the listen port with the plain PORT variable as fallback.
func (c *Config) BindPort() string {
	if p := strings.TrimSpace(c.Port); p != "" {
		return p
	}
	if p := strings.TrimSpace(c.PortFallback); p != "" {
		return p
	}
	return "1112"
}

// ExplicitParallel returns the fixed slot count when OPTIMO_WORKER_PARALLEL is
// set to a number. Empty, "auto", or unparseable values mean automatic sizing.
func (c *Config) ExplicitParallel() *int {
	raw := strings.ToLower(strings.TrimSpace(c.Parallel))
	if raw == "" || raw == "auto" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	if n < 1 {
		n = 1
	}
	return &n
}

// PatchedCLIDir returns the directory handed to the patched host via --cli-dir.
// When CTRADE_CLI_DIR is unset it is guessed from the CLI binary location.
func (c *Config) PatchedCLIDir() string {
	if d := strings.TrimSpace(c.CLIDir); d != "" {
		return d
	}
	if d := guessCLIDir(c.CLIPath); d != "" {
		return d
	}
	return "/app"
}

// TelegramChatID prefers CHAT_ID and keeps CHAT_DANIEL as a legacy fallback.
func (c *Config) TelegramChatID() string {
	if id := strings.TrimSpace(c.ChatID); id != "" {
		return id
	}
	return strings.TrimSpace(c.ChatIDFallback)
}

func guessCLIDir(cliPath string) string {
	p := strings.TrimSpace(cliPath)
	if p == "" {
		return ""
	}
	p = expandHome(p)
	info, err := os.Stat(p)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return p
	}
	return filepath.Dir(p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
