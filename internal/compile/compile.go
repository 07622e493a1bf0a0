// Package compile builds uploaded cBot source archives into .algo binaries
// with the cTrader CLI.
package compile

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"optimo-worker/internal/archive"
	"optimo-worker/internal/backtest"
	"optimo-worker/internal/observability"
)

// Error carries the HTTP status a failed compile maps to.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// Request is the body of the /compile endpoint. The archive is extracted
// into a fresh workdir and compiled with the CLI.
type Request struct {
	SourceZipB64    string  `json:"source_zip_b64"`
	ProjectRelpath  *string `json:"project_relpath"`
	TimeoutSeconds  *int    `json:"timeout_seconds"`
	IncludeFullLogs bool    `json:"include_full_logs"`
}

// Response returns the compiled binary inline. StdoutFull and StderrFull are
// only populated when the request asked for full logs.
type Response struct {
	OK            bool     `json:"ok"`
	AlgoB64       string   `json:"algo_b64"`
	AlgoName      string   `json:"algo_name"`
	CompileTarget string   `json:"compile_target"`
	Command       []string `json:"command"`
	StdoutTail    string   `json:"stdout_tail"`
	StderrTail    string   `json:"stderr_tail"`
	StdoutFull    *string  `json:"stdout_full"`
	StderrFull    *string  `json:"stderr_full"`
	MetadataB64   *string  `json:"metadata_b64"`
	MetadataName  *string  `json:"metadata_name"`
	Workdir       string   `json:"workdir"`
}

// Service compiles source archives in per-request workdirs under WorkerRoot.
// Workdirs are kept after the response so failed builds can be inspected.
type Service struct {
	CLIPath    string
	WorkerRoot string
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Compile extracts the source archive, tries the known CLI compile argument
// shapes, and returns the first produced .algo binary.
func (s *Service) Compile(req Request) (*Response, error) {
	resp, err := s.compile(req)
	if s.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.Metrics.CompileRequestsTotal.WithLabelValues(outcome).Inc()
	}
	return resp, err
}

func (s *Service) compile(req Request) (*Response, error) {
	srcB64 := strings.TrimSpace(req.SourceZipB64)
	if srcB64 == "" {
		return nil, &Error{Status: 400, Detail: "source_zip_b64 is required"}
	}
	timeoutSeconds := 300
	if req.TimeoutSeconds != nil && *req.TimeoutSeconds != 0 {
		timeoutSeconds = *req.TimeoutSeconds
	}

	compileID := fmt.Sprintf("compile_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	workdir := filepath.Join(s.WorkerRoot, compileID)
	sourceDir := filepath.Join(workdir, "source")
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return nil, &Error{Status: 500, Detail: "compile failed: " + err.Error()}
	}

	zipBytes, err := base64.StdEncoding.DecodeString(srcB64)
	if err != nil {
		return nil, &Error{Status: 400, Detail: "Invalid source_zip_b64 payload: " + err.Error()}
	}
	if err := os.WriteFile(filepath.Join(workdir, "source.zip"), zipBytes, 0o644); err != nil {
		return nil, &Error{Status: 500, Detail: "compile failed: " + err.Error()}
	}
	if err := archive.Extract(zipBytes, sourceDir); err != nil {
		return nil, &Error{Status: 400, Detail: "Invalid source zip payload: " + err.Error()}
	}

	target, err := resolveTarget(sourceDir, req.ProjectRelpath)
	if err != nil {
		return nil, err
	}
	outputPath := filepath.Join(workdir, "compiled.algo")

	compiled, usedCmd, stdout, stderr, err := s.runCompileCommands(target, outputPath, timeoutSeconds, req.IncludeFullLogs)
	if err != nil {
		return nil, err
	}

	algoBytes, err := os.ReadFile(compiled)
	if err != nil {
		return nil, &Error{Status: 500, Detail: "compile failed: " + err.Error()}
	}

	s.Logger.Info(
		fmt.Sprintf("compile ok target=%s output=%s", target, compiled),
		zap.String("kind", "compile"),
		zap.String("compile_id", compileID),
		zap.String("target", target),
		zap.String("output", compiled),
	)

	resp := &Response{
		OK:            true,
		AlgoB64:       base64.StdEncoding.EncodeToString(algoBytes),
		AlgoName:      filepath.Base(compiled),
		CompileTarget: target,
		Command:       usedCmd,
		StdoutTail:    tailText(stdout, 4000),
		StderrTail:    tailText(stderr, 4000),
		Workdir:       workdir,
	}
	if req.IncludeFullLogs {
		resp.StdoutFull = &stdout
		resp.StderrFull = &stderr
	}
	if metadataPath := findMetadataFile(compiled); metadataPath != "" {
		metaBytes, err := os.ReadFile(metadataPath)
		if err != nil {
			return nil, &Error{Status: 500, Detail: "compile failed: " + err.Error()}
		}
		metaB64 := base64.StdEncoding.EncodeToString(metaBytes)
		metaName := filepath.Base(metadataPath)
		resp.MetadataB64 = &metaB64
		resp.MetadataName = &metaName
	}
	return resp, nil
}

// runCompileCommands tries the compile argument shapes accepted by different
// CLI builds in order, stopping at the first invocation that produced an
// .algo file. Failures accumulate into the 502 detail.
func (s *Service) runCompileCommands(target, outputPath string, timeoutSeconds int, includeFullLogs bool) (string, []string, string, string, error) {
	workdir := filepath.Dir(outputPath)
	before := snapshotAlgoFiles(workdir)
	prefix := backtest.CommandPrefix(s.CLIPath)
	variants := [][]string{
		append(append([]string{}, prefix...), "compile", target, "--output="+outputPath),
		append(append([]string{}, prefix...), "compile", target, outputPath),
		append(append([]string{}, prefix...), "compile", "--source="+target, "--output="+outputPath),
	}

	perCmdTimeout := timeoutSeconds
	if perCmdTimeout < 10 {
		perCmdTimeout = 10
	}
	runOne := func(argv []string) (string, string, bool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(perCmdTimeout)*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var outBuf, errBuf bytes.Buffer
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
		runErr := cmd.Run()
		return outBuf.String(), errBuf.String(), ctx.Err() == context.DeadlineExceeded, runErr
	}

	var logs []string
	for _, argv := range variants {
		stdout, stderr, timedOut, runErr := runOne(argv)
		if timedOut {
			logs = append(logs, "TIMEOUT: "+strings.Join(argv, " "))
			continue
		}
		rc := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.As(runErr, &exitErr):
				rc = exitErr.ExitCode()
			case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, os.ErrNotExist):
				return "", nil, "", "", &Error{Status: 500, Detail: "cTrader CLI not found: " + s.CLIPath}
			default:
				logs = append(logs, fmt.Sprintf("ERROR: %s -> %v", strings.Join(argv, " "), runErr))
				continue
			}
		}
		if rc == 0 {
			if found := pickCompiledAlgo(workdir, before, outputPath); found != "" {
				return found, argv, stdout, stderr, nil
			}
		}
		if includeFullLogs {
			logs = append(logs, fmt.Sprintf("RC=%d: %s\n[stderr]\n%s\n[stdout]\n%s", rc, strings.Join(argv, " "), stderr, stdout))
		} else {
			logs = append(logs, fmt.Sprintf("RC=%d: %s | stderr=%s | stdout=%s", rc, strings.Join(argv, " "), tailText(stderr, 400), tailText(stdout, 400)))
		}
	}

	detail := "Compile failed on worker."
	if len(logs) > 0 {
		n := len(logs)
		if n > 3 {
			n = 3
		}
		detail += " " + strings.Join(logs[:n], " || ")
	}
	return "", nil, "", "", &Error{Status: 502, Detail: detail}
}

// resolveTarget picks what to hand the CLI as the compile target: the
// caller-specified path when given, else the shortest-path .csproj, else the
// shortest-path .cs file, else the extracted source root itself.
func resolveTarget(sourceRoot string, projectRelpath *string) (string, error) {
	if projectRelpath != nil && strings.TrimSpace(*projectRelpath) != "" {
		rel := strings.ReplaceAll(strings.TrimSpace(*projectRelpath), "\\", "/")
		target := filepath.Join(sourceRoot, filepath.FromSlash(rel))
		if target != sourceRoot && !strings.HasPrefix(target, sourceRoot+string(filepath.Separator)) {
			return "", &Error{Status: 400, Detail: "project_relpath must stay inside source archive"}
		}
		if _, err := os.Stat(target); err != nil {
			return "", &Error{Status: 400, Detail: "project_relpath not found in archive: " + *projectRelpath}
		}
		return target, nil
	}
	if p := shortestMatch(sourceRoot, ".csproj"); p != "" {
		return p, nil
	}
	if p := shortestMatch(sourceRoot, ".cs"); p != "" {
		return p, nil
	}
	return sourceRoot, nil
}

func shortestMatch(root, ext string) string {
	var matches []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ext) {
			matches = append(matches, path)
		}
		return nil
	})
	if len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	return matches[0]
}

func snapshotAlgoFiles(root string) map[string]time.Time {
	out := make(map[string]time.Time)
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".algo") {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			out[path] = info.ModTime()
		}
		return nil
	})
	return out
}

// pickCompiledAlgo prefers the explicit --output file; some CLI builds ignore
// the flag and drop the .algo elsewhere, so fall back to any .algo that is
// new or touched since the pre-compile snapshot, newest first.
func pickCompiledAlgo(root string, before map[string]time.Time, explicitOutput string) string {
	if info, err := os.Stat(explicitOutput); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		return explicitOutput
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".algo") {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		prev, seen := before[path]
		if !seen || info.ModTime().After(prev) {
			candidates = append(candidates, candidate{path: path, mtime: info.ModTime()})
		}
		return nil
	})
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].mtime.Equal(candidates[j].mtime) {
			return candidates[i].mtime.After(candidates[j].mtime)
		}
		return candidates[i].path < candidates[j].path
	})
	return candidates[0].path
}

// findMetadataFile probes the sidecar names CLI builds have used for the
// .algo metadata file, then any *.algo.metadata in the same directory.
func findMetadataFile(algoPath string) string {
	ext := filepath.Ext(algoPath)
	trimmed := strings.TrimSuffix(algoPath, ext)
	dir := filepath.Dir(algoPath)
	stem := filepath.Base(trimmed)

	candidates := []string{algoPath + ".metadata"}
	if strings.EqualFold(ext, ".algo") {
		candidates = append(candidates, trimmed+".algo.metadata")
	}
	candidates = append(candidates,
		trimmed+".metadata",
		filepath.Join(dir, stem+".algo.metadata"),
		filepath.Join(dir, stem+".metadata"),
	)
	if globbed, err := filepath.Glob(filepath.Join(dir, "*.algo.metadata")); err == nil {
		sort.Slice(globbed, func(i, j int) bool {
			return mtimeOf(globbed[i]).After(mtimeOf(globbed[j]))
		})
		candidates = append(candidates, globbed...)
	}

	seen := make(map[string]struct{})
	for _, c := range candidates {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c
		}
	}
	return ""
}

func mtimeOf(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func tailText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
