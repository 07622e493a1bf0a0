// Package run owns the single-run lifecycle: admission, the pass queue, the
// worker slots that execute passes, result collection, and result callbacks.
package run

import (
	"errors"
	"time"
)

// Pass result statuses as reported to callers and callbacks.
const (
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

const defaultPassTimeout = 28800 * time.Second

// Sentinel errors carry the exact detail strings the API returns, so handlers
// can render err.Error() directly.
var (
	ErrBusy     = errors.New("Worker is busy")
	ErrNotFound = errors.New("Run not found")
	ErrStopping = errors.New("Run is stopping/stopped")
)

// StartRequest is the body of POST /run/start. Optional fields are pointers
// so an absent value can fall back to its default.
type StartRequest struct {
	BotName    string `json:"bot_name"`
	BotVersion string `json:"bot_version"`

	Symbol   string   `json:"symbol"`
	Period   string   `json:"period"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	DataMode string   `json:"data_mode"`
	CTID     string   `json:"ctid"`
	Account  string   `json:"account"`
	Balance  *float64 `json:"balance"`

	PwdB64  string  `json:"pwd_b64"`
	PwdText *string `json:"pwd_text"`
	AlgoB64 string  `json:"algo_b64"`

	CallbackURL string `json:"callback_url"`

	TimeoutSeconds   *int  `json:"timeout_seconds"`
	IncludeArtifacts *bool `json:"include_artifacts"`
}

// Timeout resolves the per-pass deadline; zero disables it.
func (r *StartRequest) Timeout() time.Duration {
	if r.TimeoutSeconds == nil {
		return defaultPassTimeout
	}
	if *r.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*r.TimeoutSeconds) * time.Second
}

// WithArtifacts reports whether pass directories should be zipped into
// results and callbacks (default true).
func (r *StartRequest) WithArtifacts() bool {
	return r.IncludeArtifacts == nil || *r.IncludeArtifacts
}

// PassJob is one parameter combination to execute.
type PassJob struct {
	PassID     int            `json:"pass_id"`
	Parameters map[string]any `json:"parameters"`
}

// PassResult is the per-pass outcome. Nullable fields are pointers without
// omitempty so callbacks and results serialize explicit nulls.
type PassResult struct {
	RunID               string         `json:"run_id"`
	PassID              int            `json:"pass_id"`
	Status              string         `json:"status"`
	StartedAtUTC        string         `json:"started_at_utc"`
	FinishedAtUTC       string         `json:"finished_at_utc"`
	ElapsedSecondsTotal *float64       `json:"elapsed_seconds_total"`
	Metrics             map[string]any `json:"metrics"`
	ArtifactsZipB64     *string        `json:"artifacts_zip_b64"`
	Error               *string        `json:"error"`
}

// StartSummary is the POST /run/start response.
type StartSummary struct {
	RunID       string `json:"run_id"`
	MaxParallel int    `json:"max_parallel"`
	Workdir     string `json:"workdir"`
}

// ResultsPage is the GET /run/:id/results response. Completed counts finished
// passes of any status; TotalEnqueued counts everything ever assigned.
type ResultsPage struct {
	RunID         string       `json:"run_id"`
	Completed     int          `json:"completed"`
	TotalEnqueued int          `json:"total_enqueued"`
	Results       []PassResult `json:"results"`
}

// StopSummary reports what a stop/unlock actually did. Released stays false
// while passes are in flight; the worker finishing the last one frees the
// slot.
type StopSummary struct {
	DroppedQueued   int  `json:"dropped_queued"`
	KilledProcesses int  `json:"killed_processes"`
	Released        bool `json:"released"`
}

// WorkerStatus is the GET /status response.
type WorkerStatus struct {
	OK               bool    `json:"ok"`
	Busy             bool    `json:"busy"`
	Queued           int     `json:"queued"`
	Running          int     `json:"running"`
	MaxParallel      int     `json:"max_parallel"`
	CPUCores         int     `json:"cpu_cores"`
	CPUTargetPercent int     `json:"cpu_target_percent"`
	ParallelPerCore  int     `json:"parallel_per_core"`
	ExplicitParallel *int    `json:"explicit_parallel"`
	CurrentRunID     *string `json:"current_run_id"`
	StartedAtUTC     string  `json:"started_at_utc"`
}
