package run

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"optimo-worker/internal/archive"
	"optimo-worker/internal/backtest"
	"optimo-worker/internal/clihost"
	"optimo-worker/internal/config"
	"optimo-worker/internal/observability"
	"optimo-worker/internal/parallel"
	"optimo-worker/internal/timeutil"
)

// passHost is the per-slot resident CLI host as the worker loop sees it.
type passHost interface {
	backtest.Host
	Close()
}

// Manager owns the single run slot and everything attached to it.
type Manager struct {
	cfg        *config.Config
	policy     *parallel.Policy
	logger     *zap.Logger
	metrics    *observability.Metrics
	runner     *backtest.Runner
	httpClient *http.Client

	passCounter metric.Int64Counter
	startedAt   string

	mu      sync.Mutex
	current *Run

	// Injection points for tests; production wiring is executePass/startHost.
	execute func(r *Run, slot int, host passHost, job PassJob) (PassResult, error)
	newHost func(r *Run, slot int) (passHost, error)
}

func NewManager(cfg *config.Config, policy *parallel.Policy, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	m := &Manager{
		cfg:     cfg,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		runner: &backtest.Runner{
			CLIPath:    cfg.CLIPath,
			DotnetPath: cfg.PatchedDotnetPath,
			HostPath:   cfg.PatchedHostPath,
		},
		httpClient: &http.Client{Timeout: cfg.CallbackTimeout},
		startedAt:  timeutil.NowISO(),
	}
	if counter, err := otel.Meter("optimo-worker/run").Int64Counter(
		"backtest.passes",
		metric.WithDescription("Backtest passes executed by this worker"),
	); err == nil {
		m.passCounter = counter
	}
	m.execute = m.executePass
	m.newHost = m.startHost
	return m
}

// Policy exposes the parallelism policy for the settings endpoint.
func (m *Manager) Policy() *parallel.Policy { return m.policy }

// Busy reports whether the current run still has queued or in-flight passes.
func (m *Manager) Busy() (busy bool, queued, running int) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return false, 0, 0
	}
	queued, running = cur.counts()
	return queued > 0 || running > 0, queued, running
}

// Start admits a new run, lays out its workdir, and spawns the worker slots.
// pwd and algo are the already decoded credential and robot payloads.
func (m *Manager) Start(req *StartRequest, pwd, algo []byte) (*StartSummary, error) {
	for {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		if cur == nil {
			break
		}
		queued, running := cur.counts()
		if queued > 0 || running > 0 {
			return nil, ErrBusy
		}
		// A drained run that was never stopped still holds the slot and its
		// workers; retire it before publishing the new run.
		m.stopAndUnlock(cur, "replaced_by_new_run")
		m.mu.Lock()
		if m.current == cur {
			m.current = nil
		}
		m.mu.Unlock()
	}

	runID := fmt.Sprintf("run_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	workdir := filepath.Join(m.cfg.WorkerRoot, runID)
	if err := os.RemoveAll(workdir); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to reset workdir: %w", err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}

	pwdPath := filepath.Join(workdir, "pwd.txt")
	if err := os.WriteFile(pwdPath, pwd, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pwd file: %w", err)
	}
	algoPath := filepath.Join(workdir, "algo.algo")
	if err := os.WriteFile(algoPath, algo, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write algo file: %w", err)
	}
	if err := writeRunManifest(filepath.Join(workdir, "run.json"), *req); err != nil {
		return nil, fmt.Errorf("failed to write run manifest: %w", err)
	}

	maxParallel := m.policy.MaxParallel()
	batch := req.CallbackURL != "" && m.cfg.CallbackBatchSize > 1
	r := newRun(runID, workdir, *req, algoPath, pwdPath, maxParallel, batch)

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		os.RemoveAll(workdir)
		return nil, ErrBusy
	}
	m.current = r
	m.mu.Unlock()

	if r.callbackQueue != nil {
		go m.callbackLoop(r)
	}
	for slot := 0; slot < maxParallel; slot++ {
		go m.workerLoop(r, slot)
	}

	bot := req.BotName
	if bot == "" {
		bot = "-"
	}
	ver := req.BotVersion
	if ver == "" {
		ver = "-"
	}
	m.logger.Info(
		fmt.Sprintf("run started id=%s bot=%s ver=%s symbol=%s period=%s", runID, bot, ver, req.Symbol, req.Period),
		zap.String("kind", "run"),
		zap.String("run_id", runID),
		zap.String("phase", "run_start"),
		zap.String("symbol", req.Symbol),
		zap.String("period", req.Period),
		zap.Bool("callback_enabled", req.CallbackURL != ""),
		zap.Bool("callback_batch_enabled", r.callbackQueue != nil),
		zap.Int("callback_batch_size", m.cfg.CallbackBatchSize),
	)

	return &StartSummary{RunID: runID, MaxParallel: maxParallel, Workdir: workdir}, nil
}

// Assign enqueues pass jobs for the named run.
func (m *Manager) Assign(runID string, jobs []PassJob) (accepted, queued int, err error) {
	r, err := m.lookup(runID)
	if err != nil {
		return 0, 0, err
	}
	if r.Stopped() {
		return 0, 0, ErrStopping
	}

	for _, job := range jobs {
		r.queue.push(job)
		accepted++
	}
	r.mu.Lock()
	r.enqueuedTotal += accepted
	r.mu.Unlock()
	queued = r.queue.len()
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(queued))
	}

	m.logger.Info(
		fmt.Sprintf("run %s assigned %d pass(es), queued=%d", runID, accepted, queued),
		zap.String("kind", "run"),
		zap.String("run_id", runID),
		zap.String("phase", "assign"),
		zap.Int("accepted", accepted),
		zap.Int("queued", queued),
	)
	return accepted, queued, nil
}

// Results snapshots the last limit results. When includeArtifacts is set,
// results stored without artifacts get their pass directory zipped on the
// fly; otherwise artifacts are stripped from the response.
func (m *Manager) Results(runID string, limit int, includeArtifacts bool) (*ResultsPage, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	completed := len(r.results)
	total := r.enqueuedTotal
	snapshot := r.results
	if limit > 0 && len(snapshot) > limit {
		snapshot = snapshot[len(snapshot)-limit:]
	}
	snapshot = append([]PassResult(nil), snapshot...)
	r.mu.Unlock()

	results := make([]PassResult, 0, len(snapshot))
	for _, res := range snapshot {
		if !includeArtifacts {
			res.ArtifactsZipB64 = nil
			results = append(results, res)
			continue
		}
		if res.ArtifactsZipB64 == nil && r.Config.WithArtifacts() {
			passDir := filepath.Join(r.Workdir, strconv.Itoa(res.PassID))
			if _, statErr := os.Stat(passDir); statErr == nil {
				if z, zipErr := archive.ZipDirBase64(passDir); zipErr == nil {
					res.ArtifactsZipB64 = &z
				}
			}
		}
		results = append(results, res)
	}

	return &ResultsPage{RunID: runID, Completed: completed, TotalEnqueued: total, Results: results}, nil
}

// Stop halts the named run: no new passes start, queued passes are dropped,
// and live children are terminated.
func (m *Manager) Stop(runID string) (StopSummary, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return StopSummary{}, err
	}
	return m.stopAndUnlock(r, "run_stop"), nil
}

// Unlock is Stop under a different audit reason; callers use it to free a
// worker that a collector believes is stuck.
func (m *Manager) Unlock(runID string) (StopSummary, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return StopSummary{}, err
	}
	return m.stopAndUnlock(r, "run_unlock"), nil
}

// UnlockAny unlocks whatever run currently holds the slot. ok is false when
// the slot is already free.
func (m *Manager) UnlockAny() (runID string, summary StopSummary, ok bool) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return "", StopSummary{}, false
	}
	return cur.ID, m.stopAndUnlock(cur, "unlock_current"), true
}

// Status reports the worker's health and parallelism for pollers.
func (m *Manager) Status() WorkerStatus {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	var busy bool
	var queued, running int
	if cur != nil {
		queued, running = cur.counts()
		busy = queued > 0 || running > 0
	}

	snap := m.policy.Snapshot()
	st := WorkerStatus{
		OK:               true,
		Busy:             busy,
		Queued:           queued,
		Running:          running,
		MaxParallel:      snap.MaxParallel,
		CPUCores:         snap.CPUCores,
		CPUTargetPercent: snap.CPUTargetPercent,
		ParallelPerCore:  snap.ParallelPerCore,
		ExplicitParallel: snap.ExplicitParallel,
		StartedAtUTC:     m.startedAt,
	}
	if cur != nil {
		id := cur.ID
		st.CurrentRunID = &id
		if busy {
			st.MaxParallel = cur.MaxParallel
		}
	}
	return st
}

// Shutdown stops the active run so child processes die before the server
// exits.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		m.stopAndUnlock(cur, "server_shutdown")
	}
}

func (m *Manager) lookup(runID string) (*Run, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil || cur.ID != runID {
		return nil, ErrNotFound
	}
	return cur, nil
}

func (m *Manager) stopAndUnlock(r *Run, reason string) StopSummary {
	r.requestStop()
	dropped := r.queue.drain()
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(0)
	}
	killed := r.terminateActive()
	released := m.releaseIfIdle(r)
	m.logger.Warn(
		fmt.Sprintf("run %s stop/unlock reason=%s dropped=%d killed=%d released=%v", r.ID, reason, dropped, killed, released),
		zap.String("kind", "run"),
		zap.String("run_id", r.ID),
		zap.String("phase", "unlock"),
		zap.String("reason", reason),
		zap.Int("dropped", dropped),
		zap.Int("killed", killed),
		zap.Bool("released", released),
	)
	return StopSummary{DroppedQueued: dropped, KilledProcesses: killed, Released: released}
}

// releaseIfIdle frees the run slot once the run is stopped with nothing
// queued or in flight. The slot is only ever freed here.
func (m *Manager) releaseIfIdle(r *Run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued, running := r.counts()
	if m.current == r && r.Stopped() && queued <= 0 && running <= 0 {
		m.current = nil
		return true
	}
	return false
}

// countingHost bumps the restart metric when a pass resets its host.
type countingHost struct {
	*clihost.Client
	metrics *observability.Metrics
}

func (h countingHost) Reset() error {
	if h.metrics != nil {
		h.metrics.HostRestartsTotal.Inc()
	}
	return h.Client.Reset()
}

func (m *Manager) startHost(r *Run, slot int) (passHost, error) {
	client, err := clihost.New(clihost.Options{
		Slot:        slot,
		DotnetPath:  m.cfg.PatchedDotnetPath,
		HostPath:    m.cfg.PatchedHostPath,
		CLIDir:      m.cfg.PatchedCLIDir(),
		OnProcStart: r.Track,
		OnProcEnd:   r.Untrack,
	})
	if err != nil {
		return nil, err
	}
	return countingHost{Client: client, metrics: m.metrics}, nil
}

// writeRunManifest persists the run parameters for inspection. Credential
// and payload fields are blanked before writing.
func writeRunManifest(path string, req StartRequest) error {
	req.PwdB64 = ""
	req.PwdText = nil
	req.AlgoB64 = ""
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
