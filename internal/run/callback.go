package run

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"optimo-worker/internal/archive"
)

// batchItem is a PassResult without the artifacts field; batch payloads ship
// one combined zip instead of per-pass archives.
type batchItem struct {
	RunID               string         `json:"run_id"`
	PassID              int            `json:"pass_id"`
	Status              string         `json:"status"`
	StartedAtUTC        string         `json:"started_at_utc"`
	FinishedAtUTC       string         `json:"finished_at_utc"`
	ElapsedSecondsTotal *float64       `json:"elapsed_seconds_total"`
	Metrics             map[string]any `json:"metrics"`
	Error               *string        `json:"error"`
}

type batchPayload struct {
	RunID                string      `json:"run_id"`
	Items                []batchItem `json:"items"`
	ArtifactsBatchZipB64 string      `json:"artifacts_batch_zip_b64,omitempty"`
}

// callbackLoop batches results for the collector. It flushes at batch size,
// on the flush interval while items are pending, and drains everything
// before exiting once the run stops.
func (m *Manager) callbackLoop(r *Run) {
	q := r.callbackQueue
	if q == nil || r.Config.CallbackURL == "" {
		return
	}

	var pending []PassResult
	for {
		if r.Stopped() && q.len() == 0 && len(pending) == 0 {
			break
		}
		timeout := 500 * time.Millisecond
		if len(pending) > 0 {
			timeout = m.cfg.CallbackBatchFlush
		}
		item, ok := q.popWait(timeout)
		if !ok {
			if len(pending) > 0 {
				m.postBatch(r, pending)
				pending = nil
			}
			continue
		}
		pending = append(pending, item)
		if len(pending) >= m.cfg.CallbackBatchSize {
			m.postBatch(r, pending)
			pending = nil
		}
	}
	if len(pending) > 0 {
		m.postBatch(r, pending)
	}
}

func (m *Manager) postBatch(r *Run, items []PassResult) {
	if len(items) == 0 {
		return
	}
	err := m.postJSON(r.Config.CallbackURL, m.buildBatchPayload(r, items))
	if m.metrics != nil {
		m.metrics.CallbackPostsTotal.WithLabelValues("batch", outcomeLabel(err)).Inc()
	}
	if err == nil {
		return
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, strconv.Itoa(item.PassID))
	}
	shown := strings.Join(ids[:min(5, len(ids))], ",")
	if len(ids) > 5 {
		shown += ",..."
	}
	m.logger.Error(
		fmt.Sprintf("callback batch failed for %d pass(es) [%s]: %s", len(items), shown, err),
		zap.String("kind", "run"),
		zap.String("run_id", r.ID),
		zap.String("phase", "callback_batch"),
		zap.String("error", err.Error()),
		zap.Int("batch_size", len(items)),
	)
}

func (m *Manager) buildBatchPayload(r *Run, items []PassResult) batchPayload {
	payload := batchPayload{RunID: r.ID, Items: make([]batchItem, 0, len(items))}
	for _, item := range items {
		payload.Items = append(payload.Items, batchItem{
			RunID:               item.RunID,
			PassID:              item.PassID,
			Status:              item.Status,
			StartedAtUTC:        item.StartedAtUTC,
			FinishedAtUTC:       item.FinishedAtUTC,
			ElapsedSecondsTotal: item.ElapsedSecondsTotal,
			Metrics:             item.Metrics,
			Error:               item.Error,
		})
	}
	if !r.Config.WithArtifacts() {
		return payload
	}

	passIDs := make([]int, 0, len(items))
	for _, item := range items {
		if item.PassID > 0 {
			passIDs = append(passIDs, item.PassID)
		}
	}
	if zipped, err := archive.ZipPassDirsBase64(r.Workdir, passIDs); err == nil && zipped != "" {
		payload.ArtifactsBatchZipB64 = zipped
	}
	return payload
}

// postSingleResult delivers one full result. Best-effort: failures are
// logged and never block a worker slot.
func (m *Manager) postSingleResult(r *Run, result PassResult) {
	err := m.postJSON(r.Config.CallbackURL, result)
	if m.metrics != nil {
		m.metrics.CallbackPostsTotal.WithLabelValues("single", outcomeLabel(err)).Inc()
	}
	if err != nil {
		m.logger.Error(
			fmt.Sprintf("callback failed for pass %d: %s", result.PassID, err),
			zap.String("kind", "run"),
			zap.String("run_id", r.ID),
			zap.Int("pass_id", result.PassID),
			zap.String("phase", "callback"),
			zap.String("error", err.Error()),
		)
	}
}

func (m *Manager) postJSON(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
