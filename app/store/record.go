package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when no record exists for a job id
var ErrNotFound = errors.New("job record not found")

// JobRecord is the persisted metadata of one submission. One record per job, array jobs are
// recorded once under the parent id
type JobRecord struct {
	JobID            string            `json:"job_id" jsonschema:"required,description=identifier assigned by the scheduler"`
	Cluster          string            `json:"cluster" jsonschema:"required,description=detected cluster at submission time"`
	Name             string            `json:"name,omitempty" jsonschema:"description=job name"`
	Scheduler        string            `json:"scheduler,omitempty" jsonschema:"enum=slurm,enum=pbs"`
	SchedulerArgs    map[string]string `json:"scheduler_args" jsonschema:"description=resolved scheduler arguments"`
	SchedulerFlags   []string          `json:"scheduler_flags,omitempty" jsonschema:"description=valueless scheduler flags"`
	WorkerScript     string            `json:"worker_script" jsonschema:"description=entry script executed by the scheduler"`
	WorkerCommand    string            `json:"worker_command" jsonschema:"description=command forwarded to the worker script"`
	SchedulerCommand string            `json:"scheduler_command,omitempty" jsonschema:"description=raw submission command line"`
	ExpDir           string            `json:"exp_dir,omitempty" jsonschema:"description=submission working directory"`
	SubmittedAt      time.Time         `json:"submitted_at" jsonschema:"required"`
}

// Validate checks fields required for a record to be stored
func (r JobRecord) Validate() error {
	if r.JobID == "" {
		return errors.New("job_id is required")
	}
	if r.SubmittedAt.IsZero() {
		return errors.New("submitted_at is required")
	}
	return nil
}

// WriteError is returned when the store could not be durably updated. The job is already known
// to the scheduler at this point, JobID allows manual reconciliation
type WriteError struct {
	JobID string
	Path  string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("job %s was submitted but its record could not be written to %s: %v", e.JobID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// newer reports whether a should be listed before b, most recent first
func newer(a, b JobRecord) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.After(b.SubmittedAt)
	}
	ai, aerr := strconv.ParseInt(a.JobID, 10, 64)
	bi, berr := strconv.ParseInt(b.JobID, 10, 64)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a.JobID > b.JobID
}
