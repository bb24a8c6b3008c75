package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string, ts time.Time) JobRecord {
	return JobRecord{
		JobID:            id,
		Cluster:          "generic",
		Name:             "exp-" + id,
		Scheduler:        "slurm",
		SchedulerArgs:    map[string]string{"--cpus-per-task": "4", "--mem": "2G", "--time": "2:00:00"},
		SchedulerFlags:   []string{"--exclusive"},
		WorkerScript:     "/opt/submit/run.sh",
		WorkerCommand:    "python train.py --lr 0.1",
		SchedulerCommand: "sbatch --cpus-per-task=4 /opt/submit/run.sh",
		ExpDir:           "/home/user/exp",
		SubmittedAt:      ts,
	}
}

func TestStore_AppendGet(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sub", DefaultFile), Opts{})
	ts := time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC)
	rec := testRecord("12345", ts)

	require.NoError(t, s.Append(rec))
	got, err := s.Get("12345")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.Get("999")
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.", "temp files cleaned")
	}
}

func TestStore_AppendSameID(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultFile), Opts{})
	old := testRecord("100", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	fresh := testRecord("100", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fresh.WorkerCommand = "hostname"
	fresh.SchedulerArgs = map[string]string{"--mem": "1G"}

	require.NoError(t, s.Append(old))
	require.NoError(t, s.Append(fresh))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh, all[0], "replaced, not merged")
}

func TestStore_AppendInvalid(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultFile), Opts{})
	err := s.Append(JobRecord{SubmittedAt: time.Now()})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)

	err = s.Append(JobRecord{JobID: "1"})
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "1", werr.JobID)

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "nothing written")
}

func TestStore_ListRecent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultFile), Opts{})
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(testRecord("10", base.Add(time.Hour))))
	require.NoError(t, s.Append(testRecord("9", base.Add(2*time.Hour))))
	require.NoError(t, s.Append(testRecord("100", base))) // same time as "11", numeric tie break
	require.NoError(t, s.Append(testRecord("11", base)))

	ids := func(recs []JobRecord) (res []string) {
		for _, r := range recs {
			res = append(res, r.JobID)
		}
		return res
	}

	res, err := s.ListRecent(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "10"}, ids(res))

	res, err = s.ListRecent(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"9", "10", "100", "11"}, ids(res), "fewer than n returns all")

	res, err = s.ListRecent(0)
	require.NoError(t, err)
	assert.Len(t, res, 4)

	empty := New(filepath.Join(t.TempDir(), DefaultFile), Opts{})
	res, err = empty.ListRecent(5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestNewer(t *testing.T) {
	ts := time.Now()
	assert.True(t, newer(JobRecord{JobID: "1", SubmittedAt: ts.Add(time.Second)}, JobRecord{JobID: "2", SubmittedAt: ts}))
	assert.True(t, newer(JobRecord{JobID: "100", SubmittedAt: ts}, JobRecord{JobID: "99", SubmittedAt: ts}))
	assert.True(t, newer(JobRecord{JobID: "b", SubmittedAt: ts}, JobRecord{JobID: "a", SubmittedAt: ts}))
	assert.False(t, newer(JobRecord{JobID: "99", SubmittedAt: ts}, JobRecord{JobID: "100", SubmittedAt: ts}))
}

func TestStore_CorruptFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(fname, []byte(`{"1": {"job_id": "1", `), 0o600))
	s := New(fname, Opts{})

	_, err := s.Get("1")
	require.Error(t, err)
	_, err = s.List()
	require.Error(t, err)

	err = s.Append(testRecord("2", time.Now()))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "2", werr.JobID)

	data, err := os.ReadFile(fname)
	require.NoError(t, err)
	assert.Equal(t, `{"1": {"job_id": "1", `, string(data), "corrupt file not replaced")
}

func TestStore_KeyIsAuthoritative(t *testing.T) {
	fname := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, os.WriteFile(fname, []byte(`{"42": {"cmd": "ls", "submitted_at": "2024-01-01T00:00:00Z"}}`), 0o600))
	s := New(fname, Opts{})
	rec, err := s.Get("42")
	require.NoError(t, err)
	assert.Equal(t, "42", rec.JobID)
}

// failingFs fails writes to temp files after a few bytes, simulating a crash mid-write
type failingFs struct {
	afero.Fs
}

func (f failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || !strings.Contains(name, ".tmp.") {
		return file, err
	}
	return &failingFile{File: file}, nil
}

type failingFile struct {
	afero.File
}

func (f *failingFile) Write(p []byte) (int, error) {
	n := len(p) / 3
	if _, err := f.File.Write(p[:n]); err != nil {
		return 0, err
	}
	return n, errors.New("no space left on device")
}

func TestStore_InterruptedWrite(t *testing.T) {
	mem := afero.NewMemMapFs()
	fname := filepath.Join(t.TempDir(), DefaultFile) // lock file lives on the real fs
	good := New(fname, Opts{Fs: mem})
	rec := testRecord("1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, good.Append(rec))
	before, err := afero.ReadFile(mem, fname)
	require.NoError(t, err)

	bad := New(fname, Opts{Fs: failingFs{Fs: mem}})
	err = bad.Append(testRecord("2", time.Now()))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "2", werr.JobID)
	assert.Contains(t, err.Error(), "no space left on device")

	after, err := afero.ReadFile(mem, fname)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "previous state kept")

	all, err := good.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, rec, all[0])

	files, err := afero.ReadDir(mem, filepath.Dir(fname))
	require.NoError(t, err)
	assert.Len(t, files, 1, "temp file removed")
}

func TestStore_Locked(t *testing.T) {
	fname := filepath.Join(t.TempDir(), DefaultFile)
	fl := flock.New(fname + ".lock")
	locked, err := fl.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	s := New(fname, Opts{Lock: LockParams{Attempts: 2, Delay: time.Millisecond}})
	err = s.Append(testRecord("7", time.Now()))
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "7", werr.JobID)

	require.NoError(t, fl.Unlock())
	require.NoError(t, s.Append(testRecord("7", time.Now())), "lock released by other writer")
}

func TestStore_ConcurrentAppend(t *testing.T) {
	fname := filepath.Join(t.TempDir(), DefaultFile)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(fname, Opts{Lock: LockParams{Attempts: 200, Delay: 5 * time.Millisecond, Factor: 1}})
			assert.NoError(t, s.Append(testRecord(fmt.Sprintf("%d", 1000+i), time.Now())))
		}(i)
	}
	wg.Wait()

	all, err := New(fname, Opts{}).List()
	require.NoError(t, err)
	assert.Len(t, all, 10, "no lost updates")
}

func TestSchema(t *testing.T) {
	s := Schema()
	require.NotNil(t, s.AdditionalProperties)
	assert.Equal(t, "object", s.Type)
	for _, f := range []string{"job_id", "cluster", "worker_command", "submitted_at", "scheduler_args"} {
		_, ok := s.AdditionalProperties.Properties.Get(f)
		assert.True(t, ok, f)
	}
	assert.Contains(t, s.AdditionalProperties.Required, "job_id")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"additionalProperties"`)
}
