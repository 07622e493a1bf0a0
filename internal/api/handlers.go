package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"optimo-worker/internal/compile"
	"optimo-worker/internal/config"
	"optimo-worker/internal/ctrader"
	"optimo-worker/internal/logbuf"
	"optimo-worker/internal/run"
)

type Handlers struct {
	logger   *zap.Logger
	cfg      *config.Config
	manager  *run.Manager
	compiler *compile.Service
	ctrader  *ctrader.Service
	logs     *logbuf.Buffer
}

func NewHandlers(
	logger *zap.Logger,
	cfg *config.Config,
	manager *run.Manager,
	compiler *compile.Service,
	ctraderSvc *ctrader.Service,
	logs *logbuf.Buffer,
) *Handlers {
	return &Handlers{
		logger:   logger,
		cfg:      cfg,
		manager:  manager,
		compiler: compiler,
		ctrader:  ctraderSvc,
		logs:     logs,
	}
}

// StartRun handles POST /run/start. The credential and robot payloads are
// decoded here so the manager only ever sees raw bytes.
func (h *Handlers) StartRun(c *fiber.Ctx) error {
	var req run.StartRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	mode := strings.ToLower(strings.TrimSpace(req.DataMode))
	if mode != "ticks" && mode != "m1" {
		return c.Status(400).JSON(fiber.Map{"error": "data_mode must be ticks or m1"})
	}
	req.DataMode = mode

	if req.PwdB64 == "" && req.PwdText == nil {
		return c.Status(400).JSON(fiber.Map{"error": "pwd_b64 or pwd_text is required"})
	}
	pwd, err := ctrader.DecodePwd(req.PwdB64, req.PwdText)
	if err != nil {
		return h.respondError(c, err)
	}
	if strings.TrimSpace(req.AlgoB64) == "" {
		return c.Status(400).JSON(fiber.Map{"error": "algo_b64 is required"})
	}
	algo, err := base64.StdEncoding.DecodeString(req.AlgoB64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid algo_b64 payload: " + err.Error()})
	}

	summary, err := h.manager.Start(&req, pwd, algo)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(summary)
}

type assignRequest struct {
	Passes []run.PassJob `json:"passes"`
}

// AssignPasses handles POST /run/:run_id/assign.
func (h *Handlers) AssignPasses(c *fiber.Ctx) error {
	var req assignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	runID := c.Params("run_id")
	accepted, queued, err := h.manager.Assign(runID, req.Passes)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"run_id": runID, "accepted": accepted, "queued": queued})
}

// GetResults handles GET /run/:run_id/results.
func (h *Handlers) GetResults(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	limit := c.QueryInt("limit", 2000)
	includeArtifacts := c.QueryBool("include_artifacts", true)

	page, err := h.manager.Results(runID, limit, includeArtifacts)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(page)
}

// StopRun handles POST /run/:run_id/stop.
func (h *Handlers) StopRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	summary, err := h.manager.Stop(runID)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(stopResponse(runID, summary))
}

// UnlockRun handles POST /run/:run_id/unlock.
func (h *Handlers) UnlockRun(c *fiber.Ctx) error {
	runID := c.Params("run_id")
	summary, err := h.manager.Unlock(runID)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(stopResponse(runID, summary))
}

// UnlockCurrent handles POST /unlock: stop whatever run holds the slot.
func (h *Handlers) UnlockCurrent(c *fiber.Ctx) error {
	runID, summary, ok := h.manager.UnlockAny()
	if !ok {
		return c.JSON(fiber.Map{"ok": true, "released": true, "message": "no_active_run"})
	}
	return c.JSON(stopResponse(runID, summary))
}

func stopResponse(runID string, s run.StopSummary) fiber.Map {
	return fiber.Map{
		"ok":               true,
		"run_id":           runID,
		"dropped_queued":   s.DroppedQueued,
		"killed_processes": s.KilledProcesses,
		"released":         s.Released,
	}
}

// GetStatus handles GET /status.
func (h *Handlers) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.manager.Status())
}

// parallelSettingsRequest keeps parallel as raw JSON because callers send
// "auto", null, or a number for it.
type parallelSettingsRequest struct {
	CPUTargetPercent *int            `json:"cpu_target_percent"`
	ParallelPerCore  *int            `json:"parallel_per_core"`
	Parallel         json.RawMessage `json:"parallel"`
}

// UpdateParallelSettings handles PUT /settings/parallel. Changes apply to the
// next run; an active run keeps the slot count it started with.
func (h *Handlers) UpdateParallelSettings(c *fiber.Ctx) error {
	var req parallelSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	policy := h.manager.Policy()
	if len(req.Parallel) > 0 {
		explicit, err := parseExplicitParallel(req.Parallel)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		policy.SetExplicit(explicit)
	}
	maxParallel := policy.Update(req.CPUTargetPercent, req.ParallelPerCore)
	snap := policy.Snapshot()
	busy, queued, running := h.manager.Busy()

	h.logger.Info(
		"parallel settings updated",
		zap.String("kind", "config"),
		zap.String("phase", "parallel_settings_update"),
		zap.Int("cpu_target_percent", snap.CPUTargetPercent),
		zap.Int("parallel_per_core", snap.ParallelPerCore),
		zap.Int("max_parallel", maxParallel),
		zap.Bool("busy", busy),
	)

	return c.JSON(fiber.Map{
		"ok":                    true,
		"cpu_target_percent":    snap.CPUTargetPercent,
		"parallel_per_core":     snap.ParallelPerCore,
		"explicit_parallel":     snap.ExplicitParallel,
		"max_parallel":          maxParallel,
		"applies_from_next_run": busy,
		"busy":                  busy,
		"queued":                queued,
		"running":               running,
	})
}

// parseExplicitParallel accepts a number or "auto"/""/null, where the latter
// three clear the override.
func parseExplicitParallel(raw json.RawMessage) (*int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || s == "auto" {
			return nil, nil
		}
		return nil, errors.New("parallel must be a number, \"auto\", or null")
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		if n < 1 {
			n = 1
		}
		return &n, nil
	}
	return nil, errors.New("parallel must be a number, \"auto\", or null")
}

// LiveLogs handles GET /logs/live: incremental log pages for the UI.
func (h *Handlers) LiveLogs(c *fiber.Ctx) error {
	sinceID := c.QueryInt("since_id", 0)
	limit := c.QueryInt("limit", 200)
	return c.JSON(h.logs.Since(int64(sinceID), limit))
}

// CompileSource handles POST /compile. Compiles are refused while a run is
// active so they never contend with backtests for the CLI.
func (h *Handlers) CompileSource(c *fiber.Ctx) error {
	if busy, _, _ := h.manager.Busy(); busy {
		return c.Status(409).JSON(fiber.Map{"error": "Worker is busy"})
	}

	var req compile.Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	resp, err := h.compiler.Compile(req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(resp)
}

// CtraderAccounts handles POST /ctrader/accounts.
func (h *Handlers) CtraderAccounts(c *fiber.Ctx) error {
	req, pwd, err := h.ctraderRequest(c)
	if err != nil {
		return h.respondError(c, err)
	}
	items, err := h.ctrader.Accounts(req.CTID, req.Broker, pwd, req.TimeoutSeconds)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": items})
}

// CtraderSymbols handles POST /ctrader/symbols.
func (h *Handlers) CtraderSymbols(c *fiber.Ctx) error {
	req, pwd, err := h.ctraderRequest(c)
	if err != nil {
		return h.respondError(c, err)
	}
	items, err := h.ctrader.Symbols(req.CTID, req.Account, req.Broker, pwd, req.TimeoutSeconds)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": items})
}

func (h *Handlers) ctraderRequest(c *fiber.Ctx) (*ctrader.InfoRequest, []byte, error) {
	if busy, _, _ := h.manager.Busy(); busy {
		return nil, nil, &ctrader.Error{Status: 409, Detail: "Worker is busy"}
	}
	var req ctrader.InfoRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, nil, &ctrader.Error{Status: 400, Detail: "invalid request body"}
	}
	if strings.TrimSpace(req.CTID) == "" {
		return nil, nil, &ctrader.Error{Status: 400, Detail: "ctid is required"}
	}
	pwd, err := ctrader.DecodePwd(req.PwdB64, req.PwdText)
	if err != nil {
		return nil, nil, err
	}
	return &req, pwd, nil
}

// HealthCheck handles GET /healthz.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadyCheck handles GET /readyz.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ready"})
}

// Root handles GET /: a service banner with the active parallelism.
func (h *Handlers) Root(c *fiber.Ctx) error {
	snap := h.manager.Policy().Snapshot()
	return c.JSON(fiber.Map{
		"service":      "optimo-worker",
		"ok":           true,
		"max_parallel": snap.MaxParallel,
	})
}

// respondError maps service errors onto HTTP statuses. Unknown errors become
// opaque 500s so internals never leak to callers.
func (h *Handlers) respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, run.ErrBusy), errors.Is(err, run.ErrStopping):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, run.ErrNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	}
	var cErr *ctrader.Error
	if errors.As(err, &cErr) {
		return c.Status(cErr.Status).JSON(fiber.Map{"error": cErr.Detail})
	}
	var compErr *compile.Error
	if errors.As(err, &compErr) {
		return c.Status(compErr.Status).JSON(fiber.Map{"error": compErr.Detail})
	}
	h.logger.Error("request failed", zap.String("kind", "http"), zap.Error(err))
	return c.Status(500).JSON(fiber.Map{"error": "internal error"})
}
