package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anowell/toren/internal/common/logger"
)

// maxLineSize bounds a single stream-json line (tool results can be large).
const maxLineSize = 10 * 1024 * 1024

// Options configures one agent run.
type Options struct {
	// Cwd is the working directory for the agent (the assignment workspace).
	Cwd string
	// MaxTurns bounds the conversation length.
	MaxTurns int
	// Resume continues an existing agent session by id.
	Resume string
	// Model overrides the default model.
	Model string
}

// Runner executes an agent prompt and streams its messages. The message
// channel is closed on clean stream end; a stream failure is delivered on
// the error channel (capacity 1) before the message channel closes.
type Runner interface {
	Run(ctx context.Context, prompt string, opts Options) (<-chan CLIMessage, <-chan error)
}

// CLIRunner runs prompts through the claude CLI in stream-json mode.
type CLIRunner struct {
	// Binary is the CLI executable name, "claude" by default.
	Binary string
	logger *logger.Logger
}

// NewCLIRunner creates a runner using the claude binary on PATH.
func NewCLIRunner(log *logger.Logger) *CLIRunner {
	if log == nil {
		log = logger.Default()
	}
	return &CLIRunner{
		Binary: "claude",
		logger: log.WithFields(zap.String("component", "claudecode-runner")),
	}
}

// Run spawns the CLI and streams parsed messages until the process exits
// or ctx is canceled.
func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) (<-chan CLIMessage, <-chan error) {
	messages := make(chan CLIMessage)
	errs := make(chan error, 1)

	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = opts.Cwd

	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		errs <- fmt.Errorf("failed to open stdout pipe: %w", err)
		close(messages)
		return messages, errs
	}

	if err := cmd.Start(); err != nil {
		errs <- fmt.Errorf("failed to start %s: %w", r.Binary, err)
		close(messages)
		return messages, errs
	}

	r.logger.Info("agent started", zap.Int("pid", cmd.Process.Pid), zap.String("cwd", opts.Cwd))

	go func() {
		defer close(messages)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var msg CLIMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				r.logger.Warn("failed to parse stream line", zap.Error(err))
				continue
			}

			select {
			case messages <- msg:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("stream read failed: %w", err)
			_ = cmd.Wait()
			return
		}

		if err := cmd.Wait(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				errs <- fmt.Errorf("%s exited: %w", r.Binary, err)
			} else {
				errs <- fmt.Errorf("%s exited: %s", r.Binary, msg)
			}
		}
	}()

	return messages, errs
}
