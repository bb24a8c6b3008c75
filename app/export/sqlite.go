// Package export copies job records into a sqlite database for ad-hoc sql queries
package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/umputun/submitter/app/store"
)

// JobRow is a JobRecord flattened to the jobs table
type JobRow struct {
	JobID            string `db:"job_id"`
	Cluster          string `db:"cluster"`
	Name             string `db:"name"`
	Scheduler        string `db:"scheduler"`
	SchedulerArgs    string `db:"scheduler_args"` // json object
	SchedulerFlags   string `db:"scheduler_flags"`
	WorkerScript     string `db:"worker_script"`
	WorkerCommand    string `db:"worker_command"`
	SchedulerCommand string `db:"scheduler_command"`
	ExpDir           string `db:"exp_dir"`
	SubmittedAt      int64  `db:"submitted_at"` // unix seconds
}

// SQLite keeps exported records
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens or creates the database and makes the schema
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			cluster TEXT NOT NULL,
			name TEXT,
			scheduler TEXT,
			scheduler_args TEXT,
			scheduler_flags TEXT,
			worker_script TEXT,
			worker_command TEXT NOT NULL,
			scheduler_command TEXT,
			exp_dir TEXT,
			submitted_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_cluster ON jobs(cluster)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Save writes records in a single transaction, existing rows with the same job id are replaced
func (s *SQLite) Save(records []store.JobRecord) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("[WARN] failed to rollback transaction: %v", rbErr)
			}
		}
	}()

	q := `INSERT OR REPLACE INTO jobs (job_id, cluster, name, scheduler, scheduler_args, scheduler_flags,
			worker_script, worker_command, scheduler_command, exp_dir, submitted_at)
		VALUES (:job_id, :cluster, :name, :scheduler, :scheduler_args, :scheduler_flags,
			:worker_script, :worker_command, :scheduler_command, :exp_dir, :submitted_at)`
	for _, r := range records {
		row, rerr := toRow(r)
		if rerr != nil {
			err = rerr
			return err
		}
		if _, err = tx.NamedExec(q, row); err != nil {
			return fmt.Errorf("failed to save job %s: %w", r.JobID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Printf("[DEBUG] exported %d records", len(records))
	return nil
}

// Load returns all rows ordered by submission time, most recent first
func (s *SQLite) Load() ([]JobRow, error) {
	var res []JobRow
	if err := s.db.Select(&res, `SELECT * FROM jobs ORDER BY submitted_at DESC, job_id DESC`); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	return res, nil
}

// Close the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func toRow(r store.JobRecord) (JobRow, error) {
	args, err := json.Marshal(r.SchedulerArgs)
	if err != nil {
		return JobRow{}, fmt.Errorf("can't marshal scheduler args of job %s: %w", r.JobID, err)
	}
	return JobRow{
		JobID:            r.JobID,
		Cluster:          r.Cluster,
		Name:             r.Name,
		Scheduler:        r.Scheduler,
		SchedulerArgs:    string(args),
		SchedulerFlags:   strings.Join(r.SchedulerFlags, " "),
		WorkerScript:     r.WorkerScript,
		WorkerCommand:    r.WorkerCommand,
		SchedulerCommand: r.SchedulerCommand,
		ExpDir:           r.ExpDir,
		SubmittedAt:      r.SubmittedAt.Unix(),
	}, nil
}

// Time returns submission time of the row
func (r JobRow) Time() time.Time { return time.Unix(r.SubmittedAt, 0) }
