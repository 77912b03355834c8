// Package executor runs single pipeline steps, locally or in containers,
// with captured output and enforced timeouts.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// DefaultMaxOutputBytes bounds captured output per stream.
const DefaultMaxOutputBytes = 1 << 20

// TruncationMarker is appended once when captured output hits the bound.
const TruncationMarker = "\n[output truncated]\n"

// Spec describes one step invocation. Stdout and Stderr receive the live
// stream (typically through a redactor); captured output is returned in
// the Result regardless.
type Spec struct {
	Name    string
	Command string
	// Image selects container execution; empty means local process.
	Image   string
	Env     []string
	WorkDir string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Result is the outcome of a completed step invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs a step to completion, blocking the caller. A non-zero
// exit code is not an error; infrastructure failures and timeouts are.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (Result, error)
}

// TimeoutError marks a step that was forcibly terminated after its
// configured timeout elapsed.
type TimeoutError struct {
	Step  string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Limit)
}

// StepExecutionError marks a step that ran to completion with a non-zero
// exit code.
type StepExecutionError struct {
	Step     string
	ExitCode int
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s exited with code %d", e.Step, e.ExitCode)
}

// capWriter captures up to limit bytes and then drops the rest, marking
// the cut once instead of growing unbounded.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapWriter(limit int) *capWriter {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.truncated {
		return len(p), nil
	}
	if room := w.limit - w.buf.Len(); len(p) > room {
		w.buf.Write(p[:room])
		w.buf.WriteString(TruncationMarker)
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) String() string {
	return w.buf.String()
}

func discardIfNil(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
