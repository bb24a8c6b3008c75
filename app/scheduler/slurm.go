package scheduler

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/config"
)

var (
	slurmSubmittedRe = regexp.MustCompile(`Submitted batch job ([0-9]+)`)
	slurmParsableRe  = regexp.MustCompile(`^([0-9]+)(;\S+)?$`)
)

// SLURM dialect, submits with sbatch
type SLURM struct{}

// Name of the dialect
func (SLURM) Name() string { return "slurm" }

// Command is the submission binary
func (SLURM) Command() string { return "sbatch" }

// Normalize expands short options and --cores/--gpu aliases
func (SLURM) Normalize(set args.Set) (config.Layer, error) {
	return args.Translate(set.Args)
}

// Merge folds layers by precedence
func (SLURM) Merge(layers ...config.Layer) config.Layer {
	return config.Resolve(layers...)
}

// Finalize validates the array range and sets --output under the reports dir if missing
func (SLURM) Finalize(l config.Layer, expDir string) (config.Layer, string, error) {
	if err := args.Validate(l); err != nil {
		return nil, "", err
	}
	if _, ok := l[args.FlagOutput]; ok {
		return l, "", nil
	}
	return args.WithDefaultOutput(l, expDir), filepath.Join(expDir, args.ReportsDir), nil
}

// ExportArgs makes the child environment visible to the job
func (SLURM) ExportArgs() []string { return []string{"--export=ALL"} }

// JobName returns --job-name value
func (SLURM) JobName(l config.Layer) string { return l[args.FlagJobName] }

// ParseID supports the default "Submitted batch job N" response and --parsable "N[;cluster]"
func (SLURM) ParseID(stdout string) (string, error) {
	matches := slurmSubmittedRe.FindAllStringSubmatch(stdout, -1)
	switch len(matches) {
	case 1:
		return matches[0][1], nil
	case 0:
	default:
		return "", fmt.Errorf("expected one job id, found %d", len(matches))
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) == 1 {
		if m := slurmParsableRe.FindStringSubmatch(strings.TrimSpace(lines[0])); m != nil {
			return m[1], nil
		}
	}
	return "", errors.New("no job id in sbatch output")
}
