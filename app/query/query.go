// Package query answers questions about recorded submissions. It never writes to the store
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/umputun/submitter/app/config"
	"github.com/umputun/submitter/app/store"
)

// MissingField is printed in place of a field the record does not have
const MissingField = "-----(Not found)-----"

// resubmitSkip are arguments dropped when rebuilding a submission for the same work
var resubmitSkip = map[string]bool{"--mail-user": true, "--mail-type": true, "--output": true, "-o": true, "-e": true}

// NotFoundError is returned when no record exists for the job id. It is a normal outcome for callers
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %s not found", e.JobID) }

// Reader is a read-only view of the record store
type Reader interface {
	Get(jobID string) (store.JobRecord, error)
	List() ([]store.JobRecord, error)
}

// Service answers queries over a Reader
type Service struct {
	Store Reader
}

// Filter limits listings
type Filter struct {
	Limit   int    // <= 0 means all
	Cluster string // empty means any cluster
}

// Get returns the record for the job id, *NotFoundError if missing
func (s *Service) Get(jobID string) (store.JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	rec, err := s.Store.Get(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.JobRecord{}, &NotFoundError{JobID: jobID}
		}
		return store.JobRecord{}, err
	}
	return rec, nil
}

// Command returns the worker command of the job
func (s *Service) Command(jobID string) (string, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return "", err
	}
	return rec.WorkerCommand, nil
}

// ListRecent returns most recent records first, filtered by cluster if set
func (s *Service) ListRecent(f Filter) ([]store.JobRecord, error) {
	all, err := s.Store.List()
	if err != nil {
		return nil, err
	}
	res := make([]store.JobRecord, 0, len(all))
	for _, r := range all {
		if f.Cluster != "" && r.Cluster != f.Cluster {
			continue
		}
		res = append(res, r)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

// Resubmit rebuilds the submission tool invocation for the same work. Contact and log arguments are
// left out, they come from the defaults of the next submission
func (s *Service) Resubmit(jobID, tool string) (string, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return "", err
	}
	l := config.Layer{}
	for k, v := range rec.SchedulerArgs {
		if !resubmitSkip[k] {
			l[k] = v
		}
	}
	parts := []string{tool}
	for _, k := range l.Keys() {
		if strings.HasPrefix(k, "--") {
			parts = append(parts, k+"="+quote(l[k]))
			continue
		}
		parts = append(parts, k, quote(l[k]))
	}
	parts = append(parts, rec.SchedulerFlags...)
	parts = append(parts, "--", rec.WorkerCommand)
	return strings.Join(parts, " "), nil
}

// Field is a named value of a record
type Field struct {
	Name  string
	Value string
}

// Fields projects the record to the requested field names. Unknown names get MissingField value.
// Scheduler arguments can be requested by flag name, i.e. "--time"
func (s *Service) Fields(jobID string, names []string) ([]Field, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	res := make([]Field, 0, len(names))
	for _, n := range names {
		v, ok := fieldValue(rec, n)
		if !ok {
			v = MissingField
		}
		res = append(res, Field{Name: n, Value: v})
	}
	return res, nil
}

func fieldValue(r store.JobRecord, name string) (string, bool) {
	switch name {
	case "job_id":
		return r.JobID, true
	case "cluster":
		return r.Cluster, true
	case "name":
		return r.Name, r.Name != ""
	case "scheduler":
		return r.Scheduler, r.Scheduler != ""
	case "worker_script":
		return r.WorkerScript, true
	case "worker_command":
		return r.WorkerCommand, true
	case "scheduler_command":
		return r.SchedulerCommand, r.SchedulerCommand != ""
	case "exp_dir":
		return r.ExpDir, r.ExpDir != ""
	case "submitted_at":
		return r.SubmittedAt.Format("2006-01-02 15:04:05"), true
	case "scheduler_flags":
		return strings.Join(r.SchedulerFlags, " "), len(r.SchedulerFlags) > 0
	}
	v, ok := r.SchedulerArgs[name]
	return v, ok
}

func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$`\\|&;<>()*?") {
		return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
	}
	return v
}
