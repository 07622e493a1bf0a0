// Package notify announces worker startup over Telegram so operators learn
// the public URL of a freshly provisioned node without digging through logs.
// Delivery is best-effort; the worker never fails to start because of it.
package notify

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"optimo-worker/internal/config"
	"optimo-worker/internal/parallel"
)

const announceAttempts = 5

type Notifier struct {
	cfg    *config.Config
	logger *zap.Logger
	client *http.Client

	// Overridable in tests.
	telegramAPI string
	ipEndpoints []string
	sleep       func(time.Duration)
}

func New(cfg *config.Config, logger *zap.Logger) *Notifier {
	return &Notifier{
		cfg:         cfg,
		logger:      logger,
		client:      &http.Client{Timeout: 10 * time.Second},
		telegramAPI: "https://api.telegram.org",
		ipEndpoints: []string{"https://api.ipify.org", "https://ifconfig.me/ip"},
		sleep:       time.Sleep,
	}
}

// Enabled reports whether the announce has a token, a chat, and is not
// switched off.
func (n *Notifier) Enabled() bool {
	return n.cfg.TelegramNotify &&
		strings.TrimSpace(n.cfg.TelegramBotToken) != "" &&
		n.cfg.TelegramChatID() != ""
}

// AnnounceStartup sends the online message with the resolved public URL and
// the parallelism summary. Blocking; callers run it in a goroutine.
func (n *Notifier) AnnounceStartup(snap parallel.Settings) {
	if !n.Enabled() {
		return
	}
	// Let the listener come up first so the announced URL is reachable.
	n.sleep(500 * time.Millisecond)

	publicURL := n.publicURL()
	if publicURL == "" {
		publicURL = "(public url unknown)"
	}
	msg := strings.Join([]string{
		"Sono online!",
		publicURL,
		fmt.Sprintf("max_parallel=%d cpu_cores=%d target=%d%% per_core=%d",
			snap.MaxParallel, snap.CPUCores, snap.CPUTargetPercent, snap.ParallelPerCore),
	}, "\n")

	for attempt := 1; attempt <= announceAttempts; attempt++ {
		err := n.sendTelegram(msg)
		if err == nil {
			n.logger.Info("telegram online notify sent",
				zap.String("kind", "startup"),
				zap.String("public_url", publicURL),
			)
			return
		}
		n.logger.Warn(
			fmt.Sprintf("telegram notify failed (attempt %d/%d): %v", attempt, announceAttempts, err),
			zap.String("kind", "startup"),
			zap.Int("attempt", attempt),
		)
		n.sleep(time.Duration(min(5, attempt)) * time.Second)
	}
}

// publicURL resolves the announced address: explicit URL, then explicit or
// detected IP plus the public/listen port.
func (n *Notifier) publicURL() string {
	if u := strings.TrimSpace(n.cfg.PublicURL); u != "" {
		return u
	}
	ip := strings.TrimSpace(n.cfg.PublicIP)
	if ip == "" {
		ip = n.detectPublicIP()
	}
	if ip == "" {
		return ""
	}
	port := strings.TrimSpace(n.cfg.PublicPort)
	if port == "" {
		port = n.cfg.BindPort()
	}
	return fmt.Sprintf("http://%s:%s", ip, port)
}

func (n *Notifier) detectPublicIP() string {
	for _, endpoint := range n.ipEndpoints {
		resp, err := n.client.Get(endpoint)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		if err != nil || resp.StatusCode >= 400 {
			continue
		}
		if ip := strings.TrimSpace(string(body)); ip != "" {
			return ip
		}
	}
	return ""
}

func (n *Notifier) sendTelegram(text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramAPI, n.cfg.TelegramBotToken)
	form := url.Values{
		"chat_id": {n.cfg.TelegramChatID()},
		"text":    {text},
	}
	resp, err := n.client.PostForm(endpoint, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
