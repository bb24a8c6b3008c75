package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"

	"github.com/umputun/submitter/app/cluster"
	"github.com/umputun/submitter/app/export"
	"github.com/umputun/submitter/app/query"
	"github.com/umputun/submitter/app/store"
)

type options struct {
	JobID   string   `short:"j" long:"job-id" description:"job id to report"`
	Cmd     bool     `long:"cmd" description:"print the command to resubmit the job"`
	Format  []string `short:"f" long:"format" description:"fields to print, scheduler arguments by flag name"`
	List    bool     `long:"list" description:"list recent jobs of this cluster"`
	Limit   int      `short:"n" description:"number of jobs to list, all if not set"`
	All     bool     `long:"all" description:"list jobs of every cluster"`
	Cluster string   `long:"cluster" description:"list jobs of the cluster instead of the detected one"`
	Export  string   `long:"export" description:"export all records to sqlite database file"`
	Root    string   `long:"root" env:"SUBMIT_ROOT" description:"root dir of the submission tool (default: executable dir)"`
	Store   string   `long:"store" env:"SUBMIT_STORE" description:"job record file (default: <root>/cmd_report.json)"`
	JSON    bool     `long:"json" description:"print records as json"`
	Dbg     bool     `long:"dbg" env:"SUBMIT_JOB_VERBOSE" description:"debug mode"`
}

// exit codes
const (
	exitOK        = 0
	exitReadError = 1
	exitUsage     = 2
)

var revision = "unknown"

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(exitOK)
		}
		os.Exit(exitUsage)
	}
	if err := validate(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		p.WriteHelp(os.Stderr)
		os.Exit(exitUsage)
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(os.Stderr), log.Err(os.Stderr))
	} else {
		log.Setup(log.Out(io.Discard), log.Err(os.Stderr))
	}
	log.Printf("[DEBUG] report_job %s", revision)

	storePath, err := storeFile(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitReadError)
	}
	r := reporter{svc: &query.Service{Store: store.New(storePath, store.Opts{})}, out: os.Stdout,
		detect: func() cluster.Cluster { return cluster.Detect(cluster.SystemProbe{}) }}
	if err := r.run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitReadError)
	}
}

func validate(opts options) error {
	modes := 0
	for _, on := range []bool{opts.JobID != "", opts.List, opts.Export != ""} {
		if on {
			modes++
		}
	}
	switch {
	case modes == 0:
		return errors.New("must specify job id, --list or --export")
	case modes > 1:
		return errors.New("job id, --list and --export are mutually exclusive")
	case opts.Cmd && len(opts.Format) > 0:
		return errors.New("when --cmd is specified, --format is not allowed")
	case (opts.Cmd || len(opts.Format) > 0) && opts.JobID == "":
		return errors.New("--cmd and --format require a job id")
	case opts.All && opts.Cluster != "":
		return errors.New("--all and --cluster are mutually exclusive")
	}
	return nil
}

func storeFile(opts options) (string, error) {
	if opts.Store != "" {
		return opts.Store, nil
	}
	root := opts.Root
	if root == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("can't locate executable: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		root = filepath.Dir(exe)
	}
	return filepath.Join(root, store.DefaultFile), nil
}

type reporter struct {
	svc    *query.Service
	out    io.Writer
	detect func() cluster.Cluster
}

// run executes the query. Not found job is a normal outcome, only store read failures are errors
func (r *reporter) run(opts options) error {
	switch {
	case opts.Export != "":
		return r.export(opts.Export)
	case opts.List:
		return r.list(opts)
	}

	var nerr *query.NotFoundError
	err := r.job(opts)
	if errors.As(err, &nerr) {
		fmt.Fprintf(r.out, "The job id %s is not found.\n", nerr.JobID)
		return nil
	}
	return err
}

func (r *reporter) job(opts options) error {
	switch {
	case opts.Cmd:
		rec, err := r.svc.Get(opts.JobID)
		if err != nil {
			return err
		}
		full, err := r.svc.Resubmit(opts.JobID, "submit_job")
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Experiment directory: %s\n", rec.ExpDir)
		fmt.Fprintf(r.out, "Full command: %s\n", full)
		return nil
	case len(opts.Format) > 0:
		fields, err := r.svc.Fields(opts.JobID, opts.Format)
		if err != nil {
			return err
		}
		for _, f := range fields {
			fmt.Fprintf(r.out, "%-15s %s\n", f.Name+":", f.Value)
		}
		return nil
	}

	rec, err := r.svc.Get(opts.JobID)
	if err != nil {
		return err
	}
	if opts.JSON {
		return r.printJSON(rec)
	}
	r.print(rec)
	return nil
}

func (r *reporter) list(opts options) error {
	f := query.Filter{Limit: opts.Limit, Cluster: opts.Cluster}
	if f.Cluster == "" && !opts.All {
		f.Cluster = string(r.detect())
	}
	recs, err := r.svc.ListRecent(f)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		if f.Cluster == "" {
			fmt.Fprintln(r.out, "No jobs submitted")
			return nil
		}
		fmt.Fprintf(r.out, "No jobs submitted to this cluster (%s)\n", f.Cluster)
		return nil
	}
	if opts.JSON {
		return r.printJSON(recs)
	}
	r.print(recs...)
	return nil
}

func (r *reporter) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}

func (r *reporter) print(recs ...store.JobRecord) {
	for i, rec := range recs {
		if i > 0 {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintf(r.out, "%-15s %s\n", "job_id:", rec.JobID)
		fmt.Fprintf(r.out, "%-15s %s\n", "cluster:", rec.Cluster)
		if rec.Name != "" {
			fmt.Fprintf(r.out, "%-15s %s\n", "name:", rec.Name)
		}
		fmt.Fprintf(r.out, "%-15s %s\n", "submitted_at:", rec.SubmittedAt.Format("2006/01/02 15:04:05"))
		fmt.Fprintf(r.out, "%-15s %s\n", "exp_dir:", rec.ExpDir)
		fmt.Fprintf(r.out, "%-15s %s\n", "cmd:", rec.WorkerCommand)
		keys := make([]string, 0, len(rec.SchedulerArgs))
		for k, v := range rec.SchedulerArgs {
			keys = append(keys, k+"="+v)
		}
		sort.Strings(keys)
		keys = append(keys, rec.SchedulerFlags...)
		fmt.Fprintf(r.out, "%-15s %s\n", "scheduler_args:", strings.Join(keys, " "))
	}
}

func (r *reporter) export(fname string) error {
	recs, err := r.svc.ListRecent(query.Filter{})
	if err != nil {
		return err
	}
	db, err := export.NewSQLite(fname)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Printf("[WARN] can't close %s, %v", fname, cerr)
		}
	}()
	if err := db.Save(recs); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Exported %d jobs to %s\n", len(recs), fname)
	return nil
}
