package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/cluster"
	"github.com/umputun/submitter/app/config"
	"github.com/umputun/submitter/app/store"
)

type recorderFunc func(rec store.JobRecord) error

func (f recorderFunc) Append(rec store.JobRecord) error { return f(rec) }

func userSet(t *testing.T, list ...string) args.Set {
	t.Helper()
	res, err := args.Parse(list)
	require.NoError(t, err)
	return res
}

func TestSubmitter_PrepareSLURM(t *testing.T) {
	expDir := t.TempDir()
	s := Submitter{Dialect: SLURM{}}
	p, err := s.Prepare(Request{
		Cluster:  cluster.Generic,
		Defaults: []config.Layer{{"--cpus-per-task": "1", "--mem": "1G"}},
		User:     userSet(t, "--cores", "4", "--mem", "2G", "--time=2:00:00", "--exclusive"),
		Script:   "/opt/run.sh",
		Command:  []string{"python", "train.py", "--lr", "0.1"},
		ExpDir:   expDir,
	})
	require.NoError(t, err)

	assert.Equal(t, config.Layer{
		"--cpus-per-task": "4",
		"--mem":           "2G",
		"--time":          "2:00:00",
		"--output":        filepath.Join(expDir, args.ReportsDir, "results-%j-%x.out"),
	}, p.Args)
	assert.Equal(t, filepath.Join(expDir, args.ReportsDir), p.MakeDir)
	assert.Equal(t, "sbatch", p.Cmd.Name)
	assert.Equal(t, []string{
		"--cpus-per-task=4", "--mem=2G",
		"--output=" + filepath.Join(expDir, args.ReportsDir, "results-%j-%x.out"),
		"--time=2:00:00", "--exclusive", "--export=ALL", "/opt/run.sh",
	}, p.Cmd.Args)
	assert.Equal(t, "python train.py --lr 0.1", p.WorkerCommand)

	for _, a := range p.Cmd.Args {
		assert.NotContains(t, a, "train.py", "worker command should not be on the scheduler command line")
	}
	assert.Contains(t, p.Cmd.Env, EnvCommand+"=python train.py --lr 0.1")
	assert.Contains(t, p.Cmd.Env, EnvExpDir+"="+expDir)
	assert.Contains(t, p.Cmd.Env, EnvIsBatch+"=1")
	assert.Contains(t, p.Cmd.Env, EnvSchedulerCmd+"="+p.Cmd.String())
}

func TestSubmitter_PrepareErrors(t *testing.T) {
	s := Submitter{Dialect: SLURM{}}

	t.Run("alias conflict in user layer", func(t *testing.T) {
		_, err := s.Prepare(Request{User: userSet(t, "--cores", "2", "--cpus-per-task", "4"), Command: []string{"ls"}})
		var cerr *args.ConflictError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, args.AliasCores, cerr.Alias)
	})

	t.Run("bad array", func(t *testing.T) {
		_, err := s.Prepare(Request{User: userSet(t, "--array", "10-1"), Command: []string{"ls"}})
		var ferr *args.FormatError
		require.ErrorAs(t, err, &ferr)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := s.Prepare(Request{User: userSet(t, "--mem", "2G")})
		var ferr *args.FormatError
		require.ErrorAs(t, err, &ferr)
	})

	t.Run("bad default layer", func(t *testing.T) {
		_, err := s.Prepare(Request{Defaults: []config.Layer{{"--gpu": "many"}}, Command: []string{"ls"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default arguments")
	})

	t.Run("user alias overrides default canonical", func(t *testing.T) {
		p, err := s.Prepare(Request{Defaults: []config.Layer{{"--gres": "gpu:1"}}, User: userSet(t, "--gpu", "2"),
			Command: []string{"ls"}})
		require.NoError(t, err)
		assert.Equal(t, "gpu:2", p.Args["--gres"])
	})
}

func TestSubmitter_Submit(t *testing.T) {
	expDir := t.TempDir()
	st := store.New(filepath.Join(t.TempDir(), store.DefaultFile), store.Opts{})
	exec := &ExecutorMock{RunFunc: func(context.Context, Cmd) (Output, error) {
		return Output{Stdout: "Submitted batch job 12345\n"}, nil
	}}
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := Submitter{Dialect: SLURM{}, Executor: exec, Store: st, Now: func() time.Time { return ts }}

	p, err := s.Prepare(Request{
		Cluster: cluster.Generic,
		User:    userSet(t, "--cores", "4", "--mem", "2G", "--time", "2:00:00", "-J", "probe"),
		Script:  "run.sh",
		Command: []string{"hostname"},
		ExpDir:  expDir,
	})
	require.NoError(t, err)

	rec, err := s.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "12345", rec.JobID)
	assert.Equal(t, "probe", rec.Name)
	assert.Equal(t, "slurm", rec.Scheduler)
	assert.Equal(t, "generic", rec.Cluster)
	require.Len(t, exec.RunCalls(), 1)
	assert.Equal(t, p.Cmd, exec.RunCalls()[0].C)

	_, err = os.Stat(filepath.Join(expDir, args.ReportsDir))
	require.NoError(t, err, "reports dir should be created")

	got, err := st.Get("12345")
	require.NoError(t, err)
	assert.Equal(t, "hostname", got.WorkerCommand)
	assert.Equal(t, "4", got.SchedulerArgs["--cpus-per-task"])
	assert.Equal(t, "2G", got.SchedulerArgs["--mem"])
	assert.Equal(t, "2:00:00", got.SchedulerArgs["--time"])
	assert.True(t, ts.Equal(got.SubmittedAt))
}

func TestSubmitter_SubmitArray(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), store.DefaultFile), store.Opts{})
	exec := &ExecutorMock{RunFunc: func(context.Context, Cmd) (Output, error) {
		return Output{Stdout: "Submitted batch job 777\n"}, nil
	}}
	s := Submitter{Dialect: SLURM{}, Executor: exec, Store: st}
	expDir := t.TempDir()
	p, err := s.Prepare(Request{User: userSet(t, "--array=1-10"), Script: "run.sh", Command: []string{"echo", "hi"},
		ExpDir: expDir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(expDir, args.ReportsDir, "results-%A_%a-%x.out"), p.Args[args.FlagOutput])

	_, err = s.Submit(context.Background(), p)
	require.NoError(t, err)
	recs, err := st.List()
	require.NoError(t, err)
	require.Len(t, recs, 1, "array is recorded once")
	assert.Equal(t, "1-10", recs[0].SchedulerArgs[args.FlagArray])
}

func TestSubmitter_SubmitFailures(t *testing.T) {
	recorded := 0
	rec := recorderFunc(func(store.JobRecord) error { recorded++; return nil })

	tbl := []struct {
		name  string
		out   Output
		err   error
		check func(t *testing.T, err error)
	}{
		{name: "rejected", out: Output{ExitCode: 1, Stderr: "sbatch: error: invalid partition"},
			check: func(t *testing.T, err error) {
				var rerr *RejectedError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, 1, rerr.ExitCode)
				assert.Equal(t, "sbatch: error: invalid partition", rerr.Stderr)
				assert.Contains(t, err.Error(), "invalid partition")
			}},
		{name: "no id", out: Output{Stdout: "something went sideways"},
			check: func(t *testing.T, err error) {
				var perr *ParseError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, "something went sideways", perr.Stdout)
			}},
		{name: "unavailable", err: ErrUnavailable,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrUnavailable) }},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			exec := &ExecutorMock{RunFunc: func(context.Context, Cmd) (Output, error) { return tt.out, tt.err }}
			s := Submitter{Dialect: SLURM{}, Executor: exec, Store: rec}
			p, err := s.Prepare(Request{Script: "run.sh", Command: []string{"ls"}, ExpDir: t.TempDir()})
			require.NoError(t, err)
			_, err = s.Submit(context.Background(), p)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
	assert.Equal(t, 0, recorded, "nothing recorded on failed submissions")
}

func TestSubmitter_SubmitStoreFailure(t *testing.T) {
	exec := &ExecutorMock{RunFunc: func(context.Context, Cmd) (Output, error) {
		return Output{Stdout: "Submitted batch job 4242"}, nil
	}}
	s := Submitter{Dialect: SLURM{}, Executor: exec, Store: recorderFunc(func(store.JobRecord) error {
		return errors.New("disk full")
	})}
	p, err := s.Prepare(Request{Script: "run.sh", Command: []string{"ls"}, ExpDir: t.TempDir()})
	require.NoError(t, err)

	rec, err := s.Submit(context.Background(), p)
	var werr *store.WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "4242", werr.JobID)
	assert.Equal(t, "4242", rec.JobID, "record is returned even if not persisted")
	assert.Contains(t, err.Error(), "4242")
}

func TestSubmitter_PBS(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), store.DefaultFile), store.Opts{})
	exec := &ExecutorMock{RunFunc: func(context.Context, Cmd) (Output, error) {
		return Output{Stdout: "9876.pbs-server\n"}, nil
	}}
	s := Submitter{Dialect: PBS{}, Executor: exec, Store: st}
	expDir := t.TempDir()
	p, err := s.Prepare(Request{
		Defaults: []config.Layer{{"-l": "walltime=01:00:00,mem=1gb"}},
		User:     userSet(t, "--cores", "8", "--job-name", "sim", "-l", "mem=4gb"),
		Script:   "run.sh",
		Command:  []string{"./sim"},
		ExpDir:   expDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "walltime=01:00:00,mem=4gb,ncpus=8", p.Args["-l"])
	assert.Equal(t, "sim", p.Args["-N"])
	assert.Equal(t, "qsub", p.Cmd.Name)
	assert.Equal(t, "-V", p.Cmd.Args[len(p.Cmd.Args)-2])

	rec, err := s.Submit(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "9876", rec.JobID)
	assert.Equal(t, "sim", rec.Name)
	assert.Equal(t, "pbs", rec.Scheduler)
}

func TestExec_Run(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		_, err := Exec{}.Run(context.Background(), Cmd{Name: "definitely-not-a-scheduler-binary"})
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("env and exit code", func(t *testing.T) {
		out, err := Exec{Environ: func() []string { return []string{"PATH=" + os.Getenv("PATH")} }}.Run(context.Background(),
			Cmd{Name: "sh", Args: []string{"-c", `echo "$FOO"; echo oops >&2; exit 3`}, Env: []string{"FOO=bar"}})
		require.NoError(t, err)
		assert.Equal(t, "bar\n", out.Stdout)
		assert.Equal(t, "oops\n", out.Stderr)
		assert.Equal(t, 3, out.ExitCode)
	})

	t.Run("env is not leaked to the parent", func(t *testing.T) {
		_, err := Exec{}.Run(context.Background(), Cmd{Name: "true", Env: []string{EnvCommand + "=hostname"}})
		require.NoError(t, err)
		_, found := os.LookupEnv(EnvCommand)
		assert.False(t, found)
	})
}

func TestCmd_String(t *testing.T) {
	c := Cmd{Name: "sbatch", Args: []string{"--mem=2G", "run.sh"}}
	assert.Equal(t, "sbatch --mem=2G run.sh", c.String())
	assert.True(t, strings.HasPrefix(Cmd{Name: "qsub"}.String(), "qsub"))
}
