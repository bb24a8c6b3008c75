package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Local runs the worker command on the submission host, bypassing the scheduler. Nothing is recorded
type Local struct {
	Stdout      io.Writer
	Stderr      io.Writer
	MaxLogLines int // last lines of output kept for the error message
}

// Run executes command with sh -c in expDir, with the same environment a batch job would get
func (l Local) Run(ctx context.Context, command []string, expDir string) error {
	if len(command) == 0 {
		return fmt.Errorf("worker command is empty")
	}
	workerCmd := strings.Join(command, " ")
	stdout, stderr := l.Stdout, l.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	capture := NewOutputCapture(l.MaxLogLines)

	cmd := exec.CommandContext(ctx, "sh", "-c", workerCmd) //nolint:gosec // local mode runs the user command by design
	cmd.Dir = expDir
	cmd.Env = append(os.Environ(), EnvCommand+"="+workerCmd, EnvExpDir+"="+expDir)
	cmd.Stdout = io.MultiWriter(stdout, capture)
	cmd.Stderr = io.MultiWriter(stderr, capture)
	if err := cmd.Run(); err != nil {
		if out := capture.GetOutput(); out != "" {
			return fmt.Errorf("failed to execute command %s: %w\n\n%s", workerCmd, err, out)
		}
		return fmt.Errorf("failed to execute command %s: %w", workerCmd, err)
	}
	return nil
}

// OutputCapture collects last N lines of output. Thread safe for concurrent writes
type OutputCapture struct {
	maxLogLines int
	log         []string
	mu          sync.Mutex
}

// NewOutputCapture creates io.Writer that captures output limited to last max lines
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{maxLogLines: maximum}
}

// Write satisfies io.Writer interface, keeps last N lines
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLogLines == 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.log) >= o.maxLogLines {
			o.log = o.log[1:]
		}
		o.log = append(o.log, string(line))
	}
	return len(p), nil
}

// GetOutput returns the captured lines joined with new lines
func (o *OutputCapture) GetOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.log, "\n")
}
