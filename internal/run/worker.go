package run

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"optimo-worker/internal/archive"
	"optimo-worker/internal/backtest"
	"optimo-worker/internal/timeutil"
)

// workerLoop drains the run queue from one slot until stop is requested. In
// patched mode the slot owns a resident CLI host for its whole lifetime.
func (m *Manager) workerLoop(r *Run, slot int) {
	var host passHost
	if m.cfg.CustomCLIPatched {
		h, err := m.newHost(r, slot)
		if err != nil {
			r.requestStop()
			dropped := r.queue.drain()
			m.logger.Error(
				fmt.Sprintf("patched cli init failed for slot %d: %v (dropped=%d)", slot, err, dropped),
				zap.String("kind", "run"),
				zap.String("run_id", r.ID),
				zap.Int("worker_slot", slot),
				zap.String("phase", "patched_cli_init_error"),
				zap.Int("dropped", dropped),
			)
			m.releaseIfIdle(r)
			return
		}
		host = h
	}
	defer func() {
		if host != nil {
			host.Close()
		}
		m.releaseIfIdle(r)
	}()

	for !r.Stopped() {
		job, ok := r.queue.popWait(500 * time.Millisecond)
		if !ok {
			continue
		}
		if r.Stopped() {
			break
		}

		r.mu.Lock()
		r.inFlight++
		r.mu.Unlock()
		if m.metrics != nil {
			m.metrics.PassesInFlight.Inc()
			m.metrics.QueueDepth.Set(float64(r.queue.len()))
		}

		startedAt := timeutil.NowISO()
		startedTS := time.Now()
		m.logger.Info(
			fmt.Sprintf("pass %d started (run_id=%s, worker_slot=%d)", job.PassID, r.ID, slot),
			zap.String("kind", "run"),
			zap.String("run_id", r.ID),
			zap.Int("pass_id", job.PassID),
			zap.Int("worker_slot", slot),
			zap.String("phase", "started"),
		)

		result, err := m.execute(r, slot, host, job)
		if err != nil {
			msg := err.Error()
			result = PassResult{
				RunID:   r.ID,
				PassID:  job.PassID,
				Status:  StatusFailed,
				Metrics: map[string]any{},
				Error:   &msg,
			}
		}
		elapsed := math.Round(math.Max(0, time.Since(startedTS).Seconds())*1000) / 1000
		result.StartedAtUTC = startedAt
		result.FinishedAtUTC = timeutil.NowISO()
		result.ElapsedSecondsTotal = &elapsed

		r.mu.Lock()
		r.results = append(r.results, result)
		r.inFlight--
		r.mu.Unlock()
		if m.metrics != nil {
			m.metrics.PassesInFlight.Dec()
			m.metrics.PassesProcessedTotal.WithLabelValues(strings.ToLower(result.Status)).Inc()
			m.metrics.PassDuration.Observe(elapsed)
		}
		if m.passCounter != nil {
			m.passCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("status", result.Status)))
		}

		finishedLevel := m.logger.Info
		if result.Status != StatusCompleted {
			finishedLevel = m.logger.Error
		}
		finishedLevel(
			fmt.Sprintf("pass %d finished status=%s elapsed_total_seconds=%v (run_id=%s)",
				job.PassID, result.Status, elapsed, r.ID),
			zap.String("kind", "run"),
			zap.String("run_id", r.ID),
			zap.Int("pass_id", job.PassID),
			zap.String("status", result.Status),
			zap.String("phase", "finished"),
			zap.Float64("elapsed_seconds_total", elapsed),
		)

		if r.Stopped() {
			m.releaseIfIdle(r)
		}

		if r.callbackQueue != nil {
			r.callbackQueue.push(result)
		} else if r.Config.CallbackURL != "" {
			go m.postSingleResult(r, result)
		}
	}
}

// executePass prepares the pass directory and runs one backtest through the
// configured execution mode.
func (m *Manager) executePass(r *Run, slot int, host passHost, job PassJob) (PassResult, error) {
	passDir := filepath.Join(r.Workdir, strconv.Itoa(job.PassID))
	if err := os.MkdirAll(passDir, 0o755); err != nil {
		return PassResult{}, err
	}

	cbotsetPath := filepath.Join(passDir, "parameters.cbotset")
	reportJSON := filepath.Join(passDir, "report.json")
	if err := backtest.WriteEvents(filepath.Join(passDir, "events.json")); err != nil {
		return PassResult{}, err
	}
	if err := backtest.WriteCbotset(cbotsetPath, r.Config.Symbol, r.Config.Period, job.Parameters); err != nil {
		return PassResult{}, err
	}

	params := backtest.Params{
		AlgoPath:    r.AlgoPath,
		CbotsetPath: cbotsetPath,
		Start:       r.Config.Start,
		End:         r.Config.End,
		DataMode:    r.Config.DataMode,
		CTID:        r.Config.CTID,
		PwdFile:     r.PwdPath,
		Account:     r.Config.Account,
		Symbol:      r.Config.Symbol,
		Period:      r.Config.Period,
		ReportHTML:  filepath.Join(passDir, "report.html"),
		ReportJSON:  reportJSON,
		LogPath:     filepath.Join(passDir, "log.txt"),
		Timeout:     r.Config.Timeout(),
		Balance:     r.Config.Balance,
		Stop:        r.Stopped,
	}

	var ok bool
	var err error
	if host != nil {
		ok, err = m.runner.RunPatched(host, params)
	} else {
		ok, err = m.runner.RunSubprocess(params, r)
	}
	if err != nil {
		return PassResult{}, err
	}

	var report map[string]any
	if ok {
		report = backtest.ParseReport(reportJSON)
	}
	metrics := report
	if metrics == nil {
		metrics = map[string]any{}
	}

	var artifacts *string
	batchCallbacks := r.Config.CallbackURL != "" && m.cfg.CallbackBatchSize > 1
	if r.Config.WithArtifacts() && !batchCallbacks {
		z, zipErr := archive.ZipDirBase64(passDir)
		if zipErr != nil {
			return PassResult{}, zipErr
		}
		artifacts = &z
	}

	result := PassResult{
		RunID:           r.ID,
		PassID:          job.PassID,
		Metrics:         metrics,
		ArtifactsZipB64: artifacts,
	}
	if report != nil {
		result.Status = StatusCompleted
	} else {
		result.Status = StatusFailed
		msg := "report_missing_or_invalid"
		result.Error = &msg
	}
	return result, nil
}
