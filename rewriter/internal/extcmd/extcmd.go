package extcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ToolError describes a non-zero exit from an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

// Runner executes external tools, blocking until completion.
type Runner interface {
	// Run executes the tool with the given arguments and returns its
	// standard output. A non-zero exit is reported as a *ToolError.
	Run(ctx context.Context, tool string, args ...string) ([]byte, error)
	// LookPath verifies that every tool is resolvable before anything
	// is invoked.
	LookPath(tools ...string) error
}

// ExecRunner runs tools as subprocesses.
type ExecRunner struct {
	log *zap.SugaredLogger
}

func NewExecRunner(log *zap.SugaredLogger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (m *ExecRunner) Run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	m.log.Infof("running: %s %s", tool, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, tool, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ToolError{
				Tool:     tool,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return nil, fmt.Errorf("failed to run %s: %w", tool, err)
	}

	return stdout.Bytes(), nil
}

// LookPath verifies that every tool is resolvable via PATH or as an
// explicit path.
func (m *ExecRunner) LookPath(tools ...string) error {
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			return fmt.Errorf("required tool not found: %w", err)
		}
	}
	return nil
}
