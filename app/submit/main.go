package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/cluster"
	"github.com/umputun/submitter/app/config"
	"github.com/umputun/submitter/app/notify"
	"github.com/umputun/submitter/app/scheduler"
	"github.com/umputun/submitter/app/store"
)

// options are long only, short names belong to the scheduler
type options struct {
	Script    string `long:"script" env:"SUBMIT_SCRIPT" default:"run.sh" description:"worker script, relative to the root dir"`
	Local     bool   `long:"local" description:"run the worker command on this host, no scheduler and no record"`
	Root      string `long:"root" env:"SUBMIT_ROOT" description:"root dir with defaults and worker scripts (default: executable dir)"`
	Config    string `long:"config" env:"SUBMIT_CONFIG" description:"default arguments document (default: first of default.json, default.yml in root)"`
	Store     string `long:"store" env:"SUBMIT_STORE" description:"job record file (default: <root>/cmd_report.json)"`
	Scheduler string `long:"scheduler" env:"SUBMIT_SCHEDULER" choice:"slurm" choice:"pbs" default:"slurm" description:"scheduler dialect"`
	Dbg       bool   `long:"dbg" env:"SUBMIT_JOB_VERBOSE" description:"debug mode, prints scheduler command and output"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"file to write logs to, stderr if empty"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"SUBMIT_LOG"`

	Notify struct {
		EnabledSubmitted bool          `long:"submitted" env:"SUBMITTED" description:"notify on successful submission"`
		SMTPHost         string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort         int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername     string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword     string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS          bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut      time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail        string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails         []string      `long:"to" env:"TO" description:"SMTP to email(s), store failure alerts are always sent" env-delim:","`
		SubmittedTmpl    string        `long:"submitted-template" env:"SUBMITTED_TEMPLATE" description:"submitted notification template file"`
		FailureTmpl      string        `long:"failure-template" env:"FAILURE_TEMPLATE" description:"store failure alert template file"`
		HostName         string        `long:"host" env:"HOSTNAME" description:"host name in notifications"`
	} `group:"notify" namespace:"notify" env-namespace:"SUBMIT_NOTIFY"`
}

// exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitUsage      = 2
	exitStoreWrite = 3
)

var revision = "unknown"

func main() {
	var opts options
	schedArgs, command, err := parseOpts(&opts, os.Args[1:])
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(exitOK)
		}
		os.Exit(exitUsage)
	}
	setupLogs(opts)
	log.Printf("[DEBUG] submit_job %s", revision)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	app := application{opts: opts, out: os.Stdout, probe: cluster.SystemProbe{}, executor: scheduler.Exec{},
		getenv: os.Getenv, notifier: makeNotifier(opts)}
	if err := app.run(ctx, schedArgs, command); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(exitCode(err)) //nolint:gocritic // cancel called above
	}
}

// parseOpts splits command line at "--", picks tool options from the part before it and returns
// the rest as scheduler arguments
func parseOpts(opts *options, all []string) (schedArgs, command []string, err error) {
	var before []string
	before, command = args.Split(all)
	if len(before) == 0 && len(command) == 0 {
		before = []string{"--help"}
	}
	p := flags.NewParser(opts, flags.Default|flags.IgnoreUnknown)
	p.Usage = "[OPTIONS] [scheduler options] -- worker command..."
	if schedArgs, err = p.ParseArgs(before); err != nil {
		return nil, nil, err
	}
	return schedArgs, command, nil
}

type application struct {
	opts     options
	out      io.Writer
	probe    cluster.Probe
	executor scheduler.Executor
	getenv   func(string) string
	now      func() time.Time
	notifier *notify.Service
}

func (a *application) run(ctx context.Context, schedArgs, command []string) error {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	fmt.Fprintf(a.out, "Current Time: %s\n", now().Format("2006/01/02 15:04:05"))

	expDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("can't get working dir: %w", err)
	}

	if a.opts.Local {
		log.Printf("[INFO] local run in %s", expDir)
		l := scheduler.Local{Stdout: a.out, Stderr: os.Stderr, MaxLogLines: 20}
		return l.Run(ctx, command, expDir)
	}

	root, err := rootDir(a.opts.Root)
	if err != nil {
		return err
	}

	c := cluster.Detect(a.probe)
	log.Printf("[DEBUG] cluster %s, root %s, exp dir %s", c, root, expDir)

	confFile := a.opts.Config
	if confFile == "" {
		if confFile, err = config.Find(root); err != nil {
			return err
		}
	}
	doc, err := config.Load(confFile)
	if err != nil {
		return err
	}
	defaults, err := doc.Layers(c, a.getenv)
	if err != nil {
		return err
	}

	user, err := args.Parse(schedArgs)
	if err != nil {
		return err
	}

	storePath := a.opts.Store
	if storePath == "" {
		storePath = filepath.Join(root, store.DefaultFile)
	}
	script := a.opts.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(root, script)
	}

	dialect := scheduler.Dialect(scheduler.SLURM{})
	if a.opts.Scheduler == "pbs" {
		dialect = scheduler.PBS{}
	}
	sub := scheduler.Submitter{Dialect: dialect, Executor: a.executor, Store: store.New(storePath, store.Opts{}),
		Now: a.now}

	plan, err := sub.Prepare(scheduler.Request{Cluster: c, Defaults: defaults, User: user, Script: script,
		Command: command, ExpDir: expDir})
	if err != nil {
		return err
	}
	printPlan(a.out, plan, dialect)
	if a.opts.Dbg {
		fmt.Fprintln(a.out, plan.Cmd.String())
	}

	rec, err := sub.Submit(ctx, plan)
	var werr *store.WriteError
	switch {
	case errors.As(err, &werr):
		printSubmitted(a.out, rec.JobID)
		fmt.Fprintf(a.out, "# WARNING: job %s is queued but was NOT recorded in %s\n", werr.JobID, storePath)
		a.notifier.StoreFailed(ctx, rec, err)
		return err
	case err != nil:
		return err
	}
	printSubmitted(a.out, rec.JobID)
	a.notifier.Submitted(ctx, rec)
	return nil
}

// rootDir returns explicit root or the directory of the running executable
func rootDir(root string) (string, error) {
	if root != "" {
		return filepath.Abs(root)
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("can't locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func exitCode(err error) int {
	var werr *store.WriteError
	var cerr *args.ConflictError
	var ferr *args.FormatError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &werr):
		return exitStoreWrite
	case errors.As(err, &cerr), errors.As(err, &ferr):
		return exitUsage
	default:
		return exitFailure
	}
}

func makeNotifier(opts options) *notify.Service {
	return notify.NewService(
		notify.Params{
			EnabledSubmitted:  opts.Notify.EnabledSubmitted,
			SubmittedTemplate: opts.Notify.SubmittedTmpl,
			FailureTemplate:   opts.Notify.FailureTmpl,
			HostName:          opts.Notify.HostName,
		},
		notify.SendersParams{
			SMTPHost:     opts.Notify.SMTPHost,
			SMTPPort:     opts.Notify.SMTPPort,
			SMTPUsername: opts.Notify.SMTPUsername,
			SMTPPassword: opts.Notify.SMTPPassword,
			SMTPTLS:      opts.Notify.SMTPTLS,
			SMTPTimeOut:  opts.Notify.SMTPTimeOut,
			FromEmail:    opts.Notify.FromEmail,
			ToEmails:     opts.Notify.ToEmails,
		})
}

// setupLogs configures lgr and returns the writer logs go to
func setupLogs(opts options) io.Writer {
	if !opts.Log.Enabled && !opts.Dbg {
		log.Setup(log.Out(io.Discard), log.Err(os.Stderr))
		return io.Discard
	}

	var out io.Writer = os.Stderr
	if opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile, log.Out(out), log.Err(out))
		return out
	}
	log.Setup(log.Msec, log.Out(out), log.Err(out))
	return out
}
