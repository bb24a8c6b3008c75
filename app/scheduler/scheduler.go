// Package scheduler builds the scheduler invocation, runs it and records the assigned job id.
// The worker command never appears on the scheduler command line, it is passed to the worker script
// through the child process environment.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/cluster"
	"github.com/umputun/submitter/app/config"
	"github.com/umputun/submitter/app/store"
)

//go:generate moq -out executor_mock_test.go -skip-ensure -fmt goimports . Executor

// environment passed to the worker script
const (
	EnvCommand      = "_MY_CMD"
	EnvSchedulerCmd = "_MY_SCHEDULER_CMD"
	EnvExpDir       = "_MY_EXPDIR"
	EnvIsBatch      = "IS_BATCH_JOB"
	EnvBatchJob     = "_MY_BATCH_JOB"
)

// ErrUnavailable is returned when the scheduler submission command is not installed
var ErrUnavailable = errors.New("scheduler is not available")

// RejectedError is returned when the scheduler exits with non-zero code. Stderr is verbatim scheduler output
type RejectedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the submission (exit code %d):\n%s", e.Command, e.ExitCode, e.Stderr)
}

// ParseError is returned when the scheduler succeeded but no job id could be recovered from its output
type ParseError struct {
	Command string
	Stdout  string
	Stderr  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unexpected output from %s, no job id found\nSTDOUT:\n%s\n----------\nSTDERR:\n%s",
		e.Command, e.Stdout, e.Stderr)
}

// IDParser extracts job id from scheduler stdout. The only place aware of the id format
type IDParser interface {
	ParseID(stdout string) (string, error)
}

// Dialect describes scheduler specific vocabulary
type Dialect interface {
	IDParser
	Name() string
	Command() string
	// Normalize expands aliases of a single argument layer to canonical flags
	Normalize(set args.Set) (config.Layer, error)
	// Merge folds normalized layers, later wins
	Merge(layers ...config.Layer) config.Layer
	// Finalize validates merged arguments and fills default log paths under expDir.
	// Returns directory to create before submission, empty if none
	Finalize(l config.Layer, expDir string) (config.Layer, string, error)
	ExportArgs() []string
	JobName(l config.Layer) string
}

// Executor runs a single subprocess
type Executor interface {
	Run(ctx context.Context, c Cmd) (Output, error)
}

// Cmd is a subprocess invocation. Env is added to the inherited environment of the child only
type Cmd struct {
	Name string
	Args []string
	Env  []string
}

func (c Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Output of a finished subprocess
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Recorder persists job records
type Recorder interface {
	Append(rec store.JobRecord) error
}

// Request is everything needed to plan a submission
type Request struct {
	Cluster  cluster.Cluster
	Defaults []config.Layer // lowest precedence first
	User     args.Set
	Script   string   // path to the worker entry script
	Command  []string // forwarded worker command
	ExpDir   string
}

// Plan is a resolved submission, ready to run
type Plan struct {
	Request
	Args          config.Layer
	Flags         []string
	WorkerCommand string
	Cmd           Cmd
	MakeDir       string
}

// Submitter runs planned submissions
type Submitter struct {
	Dialect  Dialect
	Executor Executor
	Store    Recorder
	Now      func() time.Time
}

// Prepare resolves a request into a plan. No side effects
func (s *Submitter) Prepare(req Request) (Plan, error) {
	layers := make([]config.Layer, 0, len(req.Defaults)+1)
	for _, d := range req.Defaults {
		l, err := s.Dialect.Normalize(args.Set{Args: d})
		if err != nil {
			return Plan{}, fmt.Errorf("default arguments: %w", err)
		}
		layers = append(layers, l)
	}
	user, err := s.Dialect.Normalize(req.User)
	if err != nil {
		return Plan{}, err
	}
	layers = append(layers, user)

	merged, mkdir, err := s.Dialect.Finalize(s.Dialect.Merge(layers...), req.ExpDir)
	if err != nil {
		return Plan{}, err
	}

	if len(req.Command) == 0 {
		return Plan{}, &args.FormatError{Arg: "--", Reason: "worker command is empty"}
	}
	workerCmd := strings.Join(req.Command, " ")

	cmdArgs := args.Build(merged, req.User.Flags)
	cmdArgs = append(cmdArgs, s.Dialect.ExportArgs()...)
	cmdArgs = append(cmdArgs, req.Script)
	c := Cmd{Name: s.Dialect.Command(), Args: cmdArgs}
	c.Env = []string{
		EnvCommand + "=" + workerCmd,
		EnvSchedulerCmd + "=" + c.String(),
		EnvExpDir + "=" + req.ExpDir,
		EnvIsBatch + "=1",
		EnvBatchJob + "=1",
	}

	return Plan{Request: req, Args: merged, Flags: req.User.Flags, WorkerCommand: workerCmd, Cmd: c, MakeDir: mkdir}, nil
}

// Submit runs the scheduler for the plan and records the job. Nothing is recorded unless the scheduler
// accepted the job and returned an id. A failure to record is returned as *store.WriteError
func (s *Submitter) Submit(ctx context.Context, p Plan) (store.JobRecord, error) {
	if p.MakeDir != "" {
		if err := os.MkdirAll(p.MakeDir, 0o750); err != nil {
			return store.JobRecord{}, fmt.Errorf("can't make log directory %s: %w", p.MakeDir, err)
		}
	}

	log.Printf("[DEBUG] run %s", p.Cmd.String())
	out, err := s.Executor.Run(ctx, p.Cmd)
	if err != nil {
		return store.JobRecord{}, err
	}
	log.Printf("[DEBUG] %s exit code %d, stdout: %q, stderr: %q", p.Cmd.Name, out.ExitCode, out.Stdout, out.Stderr)
	if out.ExitCode != 0 {
		return store.JobRecord{}, &RejectedError{Command: p.Cmd.Name, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}

	jobID, err := s.Dialect.ParseID(out.Stdout)
	if err != nil || jobID == "" {
		return store.JobRecord{}, &ParseError{Command: p.Cmd.Name, Stdout: out.Stdout, Stderr: out.Stderr}
	}
	log.Printf("[INFO] submitted job %s to %s on %s", jobID, s.Dialect.Name(), p.Cluster)

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	rec := store.JobRecord{
		JobID:            jobID,
		Cluster:          string(p.Cluster),
		Name:             s.Dialect.JobName(p.Args),
		Scheduler:        s.Dialect.Name(),
		SchedulerArgs:    p.Args.Clone(),
		SchedulerFlags:   p.Flags,
		WorkerScript:     p.Script,
		WorkerCommand:    p.WorkerCommand,
		SchedulerCommand: p.Cmd.String(),
		ExpDir:           p.ExpDir,
		SubmittedAt:      now(),
	}
	if err := s.Store.Append(rec); err != nil {
		var werr *store.WriteError
		if !errors.As(err, &werr) {
			err = &store.WriteError{JobID: jobID, Err: err}
		}
		return rec, err
	}
	return rec, nil
}

// Exec is the default Executor backed by os/exec. Arguments are passed as is, no shell involved
type Exec struct {
	Environ func() []string
}

// Run looks up the binary, runs it and waits for completion. Non-zero exit code is not an error
func (e Exec) Run(ctx context.Context, c Cmd) (Output, error) {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.Name, err)
	}
	environ := os.Environ
	if e.Environ != nil {
		environ = e.Environ
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, c.Args...) //nolint:gosec // arguments are not interpreted by a shell
	cmd.Env = append(environ(), c.Env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Output{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return Output{}, fmt.Errorf("failed to execute %s: %w", c.Name, err)
	}
	return Output{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
