// Package store keeps job records in a single json file shared by every submission on the host.
// The file is read fully, modified in memory and replaced atomically, so an interrupted write
// leaves the previous state intact. Writers serialize on an advisory lock next to the file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// DefaultFile is the record file name in the root directory
const DefaultFile = "cmd_report.json"

var errLocked = errors.New("store is locked by another process")

// Store is a json file backed collection of JobRecord keyed by job id
type Store struct {
	path string
	fs   afero.Fs
	lock LockParams
}

// LockParams controls acquisition of the writer lock
type LockParams struct {
	Attempts int
	Delay    time.Duration
	Factor   float64
}

// Opts for New. Zero values use defaults
type Opts struct {
	Fs   afero.Fs
	Lock LockParams
}

// New makes store for the file. Nothing is created until the first Append
func New(path string, opts Opts) *Store {
	res := &Store{path: path, fs: opts.Fs, lock: opts.Lock}
	if res.fs == nil {
		res.fs = afero.NewOsFs()
	}
	if res.lock.Attempts <= 0 {
		res.lock.Attempts = 10
	}
	if res.lock.Delay <= 0 {
		res.lock.Delay = 50 * time.Millisecond
	}
	if res.lock.Factor < 1 {
		res.lock.Factor = 1.5
	}
	return res
}

// Path returns location of the record file
func (s *Store) Path() string { return s.path }

func (s *Store) String() string { return s.path }

// Append inserts the record, replacing any existing record with the same job id.
// Any failure is reported as *WriteError
func (s *Store) Append(rec JobRecord) error {
	if verr := rec.Validate(); verr != nil {
		return &WriteError{JobID: rec.JobID, Path: s.path, Err: verr}
	}

	unlock, lerr := s.acquire(context.Background())
	if lerr != nil {
		return &WriteError{JobID: rec.JobID, Path: s.path, Err: lerr}
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			log.Printf("[WARN] can't release lock for %s, %v", s.path, uerr)
		}
	}()

	records, rerr := s.load()
	if rerr != nil {
		return &WriteError{JobID: rec.JobID, Path: s.path, Err: rerr}
	}
	if old, found := records[rec.JobID]; found {
		log.Printf("[WARN] job id %s already recorded at %s on %s, replacing stale record",
			rec.JobID, old.SubmittedAt.Format(time.RFC3339), old.Cluster)
	}
	records[rec.JobID] = rec

	if werr := s.save(records); werr != nil {
		return &WriteError{JobID: rec.JobID, Path: s.path, Err: werr}
	}
	log.Printf("[DEBUG] job %s recorded in %s, total %d", rec.JobID, s.path, len(records))
	return nil
}

// Get returns record for the job id, ErrNotFound if missing
func (s *Store) Get(jobID string) (JobRecord, error) {
	records, err := s.load()
	if err != nil {
		return JobRecord{}, err
	}
	rec, ok := records[jobID]
	if !ok {
		return JobRecord{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return rec, nil
}

// List returns all records, most recent first
func (s *Store) List() ([]JobRecord, error) {
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	res := make([]JobRecord, 0, len(records))
	for _, r := range records {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return newer(res[i], res[j]) })
	return res, nil
}

// ListRecent returns up to n most recent records. n <= 0 returns all
func (s *Store) ListRecent(n int) ([]JobRecord, error) {
	res, err := s.List()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(res) > n {
		res = res[:n]
	}
	return res, nil
}

// load reads the file. Missing file is an empty store, unparsable file is an error
func (s *Store) load() (map[string]JobRecord, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]JobRecord{}, nil
		}
		return nil, fmt.Errorf("can't read %s: %w", s.path, err)
	}
	records := map[string]JobRecord{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", s.path, err)
	}
	for id, r := range records {
		if r.JobID != id { // key is authoritative
			r.JobID = id
			records[id] = r
		}
	}
	return records, nil
}

// save writes records to a temp file in the same directory and renames it over the original
func (s *Store) save(records map[string]JobRecord) error {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("can't marshal records: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("can't make %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("can't create temp file: %w", err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if renamed {
			return
		}
		if rerr := s.fs.Remove(tmpName); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			log.Printf("[WARN] can't remove temp file %s, %v", tmpName, rerr)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("can't sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("can't close temp file: %w", err)
	}
	if err := s.fs.Chmod(tmpName, 0o644); err != nil {
		log.Printf("[DEBUG] can't chmod %s, %v", tmpName, err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("can't replace %s: %w", s.path, err)
	}
	renamed = true
	return nil
}

// acquire takes the exclusive advisory lock <path>.lock, retrying with backoff
func (s *Store) acquire(ctx context.Context) (unlock func() error, err error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("can't make lock dir: %w", err)
	}
	fl := flock.New(lockPath)

	rptr := repeater.New(&strategy.Backoff{Repeats: s.lock.Attempts, Duration: s.lock.Delay, Factor: s.lock.Factor, Jitter: true})
	err = rptr.Do(ctx, func() error {
		locked, e := fl.TryLock()
		if e != nil {
			return e
		}
		if !locked {
			log.Printf("[DEBUG] %s, retry", errLocked)
			return errLocked
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("can't lock %s: %w", lockPath, err)
	}
	return fl.Unlock, nil
}
