// Package deploy implements the `deploy` action of PylonMcpServer
// (spec.md §4.6): spawning a fixed deployment script against one of
// {stage, release, promote}, bounded by a 3-minute timeout, with the tail
// of its output returned to the caller and the full output persisted to a
// per-target log file.
//
// Grounded on the teacher's core/internal/host/orchestrator.go
// (CommandOrchestrator.Execute/runCommand: exec.CommandContext +
// io.MultiWriter(logFile, buffer) + terminal-output cleanup before
// returning it to the chat), narrowed from an arbitrary shell command to
// one fixed per-target script and given a hard timeout instead of an
// inherited context.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirgrey8209/estelle2-sub003/internal/termout"
)

// Target is a deployment destination.
type Target string

const (
	TargetStage   Target = "stage"
	TargetRelease Target = "release"
	TargetPromote Target = "promote"
)

// DefaultTimeout bounds a single deploy run.
const DefaultTimeout = 3 * time.Minute

// MaxTailSize bounds how much output is returned inline; the rest is only
// in the persisted log file.
const MaxTailSize = 10 * 1024

// Result is what a deploy run reports back to the MCP caller.
type Result struct {
	Success bool   `json:"success"`
	Tail    string `json:"tail"`
	LogFile string `json:"logFile"`
	Error   string `json:"error,omitempty"`
}

// Runner spawns the fixed deploy script per target and persists its output.
type Runner struct {
	scriptPath string
	logDir     string
	timeout    time.Duration
	log        zerolog.Logger
}

// New creates a Runner. scriptPath is the fixed deployment script invoked
// as `scriptPath <target>`; logDir is where per-target log files land.
func New(scriptPath, logDir string) *Runner {
	return &Runner{
		scriptPath: scriptPath,
		logDir:     logDir,
		timeout:    DefaultTimeout,
		log:        log.With().Str("component", "deploy.Runner").Logger(),
	}
}

// Deploy validates the target against the current environment and, if
// allowed, runs the deploy script. currentEnv is this Pylon's own
// environment ("stage", "release", "dev").
func (r *Runner) Deploy(ctx context.Context, currentEnv string, target Target) (*Result, error) {
	switch target {
	case TargetStage, TargetRelease, TargetPromote:
	default:
		return nil, fmt.Errorf("deploy: invalid deploy target %q", target)
	}
	if string(target) == currentEnv {
		return nil, fmt.Errorf("deploy: cannot deploy to own environment %q", currentEnv)
	}
	if target == TargetPromote && currentEnv != string(TargetStage) {
		return nil, fmt.Errorf("deploy: promote is only allowed from stage, current environment is %q", currentEnv)
	}

	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("deploy: create log dir: %w", err)
	}
	logPath := filepath.Join(r.logDir, fmt.Sprintf("%s-%d.log", target, time.Now().UnixNano()))

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.scriptPath, string(target))

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("deploy: create log file: %w", err)
	}
	defer logFile.Close()

	var buf bytes.Buffer
	mw := io.MultiWriter(logFile, &buf)
	cmd.Stdout = mw
	cmd.Stderr = mw

	runErr := cmd.Run()

	clean := termout.Clean(buf.String())
	tail := clean
	if len(tail) > MaxTailSize {
		tail = tail[len(tail)-MaxTailSize:]
	}

	res := &Result{Tail: tail, LogFile: logPath}
	if runErr != nil {
		res.Success = false
		res.Error = runErr.Error()
		r.log.Error().Err(runErr).Str("target", string(target)).Str("logFile", logPath).Msg("deploy failed")
		return res, nil
	}
	res.Success = true
	return res, nil
}
