package claudeagent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessRunner is the real Runner: it spawns `claude -p ... --output-format
// stream-json [--resume <id>]` per turn, grounded on other_examples'
// helmcode-agent claude-manager.go's subprocess-per-turn-with-resume model.
type ProcessRunner struct {
	binary string
	log    zerolog.Logger

	mu         sync.Mutex
	stdinByTUI map[string]*bufio.Writer // toolUseId -> the stdin of the process awaiting its response
}

// NewProcessRunner creates a ProcessRunner invoking binary (normally "claude").
func NewProcessRunner(binary string) *ProcessRunner {
	if binary == "" {
		binary = "claude"
	}
	return &ProcessRunner{
		binary:     binary,
		log:        log.With().Str("component", "claudeagent.ProcessRunner").Logger(),
		stdinByTUI: make(map[string]*bufio.Writer),
	}
}

// Run spawns the subprocess for one turn, streams and normalizes its
// stream-json output onto out, and blocks until it exits.
func (p *ProcessRunner) Run(ctx context.Context, sessionID string, opts StartOptions, prompt string, attachments []Attachment, out chan<- Event) (string, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if opts.CustomSystemPrompt != nil && *opts.CustomSystemPrompt != "" {
		args = append(args, "--system-prompt", *opts.CustomSystemPrompt)
	}
	for _, doc := range opts.LinkedDocuments {
		args = append(args, "--add-dir", doc)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = buildEnv()

	// On Stop, ctx is canceled cooperatively: send SIGTERM instead of the
	// default immediate SIGKILL, and give the subprocess until WaitDelay
	// to exit before Wait forcibly kills it (spec.md §5).
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = opts.StopGrace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultStopGrace
	}

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("claudeagent: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("claudeagent: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("claudeagent: start: %w", err)
	}

	writer := bufio.NewWriter(stdin)

	newSessionID := p.streamOutput(bufio.NewReader(stdout), out, writer)

	if err := cmd.Wait(); err != nil {
		p.log.Error().Err(err).Str("stderr", stderrBuf.String()).Msg("claude process exited with error")
		return newSessionID, fmt.Errorf("claudeagent: subprocess failed: %w", err)
	}
	return newSessionID, nil
}

// Respond writes a control response destined for the subprocess still
// waiting on toolUseID's stdin-delivered decision/answer.
func (p *ProcessRunner) Respond(toolUseID string, payload interface{}) error {
	p.mu.Lock()
	w, ok := p.stdinByTUI[toolUseID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("claudeagent: no subprocess awaiting a response for %q", toolUseID)
	}

	data, err := json.Marshal(map[string]interface{}{"toolUseId": toolUseID, "response": payload})
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

// streamLine is the minimal shape of one stream-json line this Pylon
// normalizes; the CLI emits richer fields we don't need to echo upstream.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	DurationMs   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// streamOutput reads one stream-json object per line, normalizes it, and
// returns the session id observed (if any). Malformed lines are skipped —
// spec.md's "never a silent hang" concerns outgoing RPCs, not a best-effort
// log stream.
func (p *ProcessRunner) streamOutput(r *bufio.Reader, out chan<- Event, stdin *bufio.Writer) string {
	sessionID := ""
	pendingTools := make(map[string]string) // toolUseId -> toolName

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var sl streamLine
		if err := json.Unmarshal(line, &sl); err != nil {
			p.log.Warn().Err(err).Msg("skipping malformed stream-json line")
			continue
		}

		if sl.SessionID != "" {
			sessionID = sl.SessionID
		}

		switch sl.Type {
		case "assistant":
			if sl.Message == nil {
				continue
			}
			for _, block := range sl.Message.Content {
				switch block.Type {
				case "text":
					out <- Event{Kind: KindTextComplete, TextFull: block.Text}
				case "tool_use":
					pendingTools[block.ID] = block.Name
					p.mu.Lock()
					p.stdinByTUI[block.ID] = stdin
					p.mu.Unlock()
					out <- Event{Kind: KindToolInfo, ToolInfo: &ToolInfo{ToolUseID: block.ID, ToolName: block.Name, ToolInput: block.Input}}
				}
			}
		case "user":
			if sl.ToolUseID != "" {
				name := pendingTools[sl.ToolUseID]
				delete(pendingTools, sl.ToolUseID)
				p.mu.Lock()
				delete(p.stdinByTUI, sl.ToolUseID)
				p.mu.Unlock()
				tc := &ToolComplete{ToolUseID: sl.ToolUseID, ToolName: name, Success: !sl.IsError, Output: sl.Content}
				if sl.IsError {
					tc.Error = string(sl.Content)
				}
				out <- Event{Kind: KindToolComplete, ToolComplete: tc}
			}
		case "result":
			usage := Usage{}
			if sl.Usage != nil {
				usage = *sl.Usage
			}
			out <- Event{Kind: KindResult, Result: &Result{
				Subtype:      sl.Subtype,
				DurationMs:   sl.DurationMs,
				TotalCostUSD: sl.TotalCostUSD,
				NumTurns:     sl.NumTurns,
				Usage:        usage,
			}}
		case "error":
			out <- Event{Kind: KindError, Error: string(sl.Content)}
		}
	}

	return sessionID
}

// buildEnv inherits the parent environment; a minimal env breaks the
// Node.js-based CLI (missing NODE_VERSION, npm paths, etc).
func buildEnv() []string {
	env := os.Environ()
	env = append(env, "CLAUDE_HEADLESS=1")
	return env
}
