package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes after a kill.
const waitDelay = 5 * time.Second

// ProcessExecutor runs steps as local child processes through the shell.
type ProcessExecutor struct {
	maxOutputBytes int
}

func NewProcessExecutor(maxOutputBytes int) *ProcessExecutor {
	return &ProcessExecutor{maxOutputBytes: maxOutputBytes}
}

func (p *ProcessExecutor) Execute(ctx context.Context, spec Spec) (Result, error) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	stdout := newCapWriter(p.maxOutputBytes)
	stderr := newCapWriter(p.maxOutputBytes)

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = io.MultiWriter(discardIfNil(spec.Stdout), stdout)
	cmd.Stderr = io.MultiWriter(discardIfNil(spec.Stderr), stderr)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			// the run was aborted, not a step timeout
			return res, ctx.Err()
		}
		return res, &TimeoutError{Step: spec.Name, Limit: spec.Timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("unable to run step %s: %w", spec.Name, err)
	}
	return res, nil
}
