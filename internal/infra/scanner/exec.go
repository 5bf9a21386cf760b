package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrToolNotFound is returned when a tool binary is not installed.
var ErrToolNotFound = errors.New("tool not found in PATH")

// Command describes one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  map[string]string
}

// CommandResult carries the captured output of a finished command. A
// non-zero ExitCode is not an error: several tools exit 1 when they report
// findings.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner executes external tools.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// LocalRunner runs tools installed on the local system.
type LocalRunner struct{}

var _ CommandRunner = LocalRunner{}

// Run executes cmd and waits for it. Errors are returned only when the tool
// could not be started or was killed by ctx.
func (LocalRunner) Run(ctx context.Context, c Command) (CommandResult, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return CommandResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, c.Name)
	}

	// #nosec G204 - path is resolved via LookPath and args are built by plugins.
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("running %s: %w", c.Name, ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("running %s: %w", c.Name, err)
	}
	return result, nil
}
