package utils

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgRed, color.FgWhite, color.FgMagenta}

var (
	nextColor int
	pickLock  sync.Mutex
)

const MaxNameLength = 20

// ColorLogger is an io.Writer that prefixes every line with a colored
// job name, so interleaved output from concurrent jobs stays readable.
// Writes are serialized; concurrent jobs may share the underlying writer.
type ColorLogger struct {
	name   string
	writer io.Writer
	c      *color.Color
	mu     sync.Mutex
}

// NewColorLoggerPair returns the stdout and stderr writers for one job.
// The color is picked once and shared, so both streams of a job always
// carry the same color even when jobs start concurrently.
func NewColorLoggerPair(name string, stdout, stderr io.Writer) (io.Writer, io.Writer) {
	pickLock.Lock()
	c := color.New(colors[nextColor])
	nextColor = (nextColor + 1) % len(colors)
	pickLock.Unlock()

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{name: name, writer: stdout, c: c},
		&ColorLogger{name: name, writer: stderr, c: c}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, line := range bytes.SplitAfter(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		c.c.Fprint(c.writer, c.name, " | ")
		if _, err := c.c.Fprintf(c.writer, "%s", line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}
