package scheduler

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/config"
)

const (
	pbsResources = "-l"
	pbsJobName   = "-N"
	pbsArray     = "-J"
)

var pbsIDRe = regexp.MustCompile(`^[0-9]+(\[\])?$`)

// PBS dialect, submits with qsub
type PBS struct{}

// Name of the dialect
func (PBS) Name() string { return "pbs" }

// Command is the submission binary
func (PBS) Command() string { return "qsub" }

// Normalize merges repeated -l resource lists and maps --job-name, --array, --cores and --gpu
func (PBS) Normalize(set args.Set) (config.Layer, error) {
	res := set.Args.Clone()
	if vals := set.Repeated[pbsResources]; len(vals) > 1 {
		res[pbsResources] = mergeResources(vals...)
	}

	if err := rename(res, args.FlagJobName, pbsJobName); err != nil {
		return nil, err
	}
	if v, ok := res[args.FlagArray]; ok {
		if _, err := args.ParseRange(v); err != nil {
			return nil, err
		}
	}
	if err := rename(res, args.FlagArray, pbsArray); err != nil {
		return nil, err
	}

	for _, a := range []struct{ alias, resource string }{{args.AliasCores, "ncpus"}, {args.AliasGPU, "ngpus"}} {
		alias, resource := a.alias, a.resource
		v, ok := res[alias]
		if !ok {
			continue
		}
		if _, dup := parseResources(res[pbsResources])[resource]; dup {
			return nil, &args.ConflictError{Alias: alias, Canonical: pbsResources + " " + resource}
		}
		res[pbsResources] = mergeResources(res[pbsResources], resource+"="+v)
		delete(res, alias)
	}
	return res, nil
}

// Merge folds layers by precedence, -l resource lists are merged per resource
func (PBS) Merge(layers ...config.Layer) config.Layer {
	var resources []string
	for _, l := range layers {
		if v, ok := l[pbsResources]; ok {
			resources = append(resources, v)
		}
	}
	res := config.Resolve(layers...)
	if len(resources) > 0 {
		res[pbsResources] = mergeResources(resources...)
	}
	return res
}

// Finalize sets -o and -e under the reports dir if missing
func (PBS) Finalize(l config.Layer, expDir string) (config.Layer, string, error) {
	res := l.Clone()
	var mkdir string
	reports := filepath.Join(expDir, args.ReportsDir)
	if _, ok := res["-o"]; !ok {
		res["-o"] = filepath.Join(reports, "results.out")
		mkdir = reports
	}
	if _, ok := res["-e"]; !ok {
		res["-e"] = filepath.Join(reports, "results.err")
		mkdir = reports
	}
	return res, mkdir, nil
}

// ExportArgs makes the child environment visible to the job
func (PBS) ExportArgs() []string { return []string{"-V"} }

// JobName returns -N value
func (PBS) JobName(l config.Layer) string { return l[pbsJobName] }

// ParseID takes the part of the first output line before the server name, i.e. "123.server" -> "123"
func (PBS) ParseID(stdout string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	id, _, _ := strings.Cut(strings.TrimSpace(line), ".")
	if !pbsIDRe.MatchString(id) {
		return "", errors.New("no job id in qsub output")
	}
	return id, nil
}

func rename(l config.Layer, from, to string) error {
	v, ok := l[from]
	if !ok {
		return nil
	}
	if _, dup := l[to]; dup {
		return &args.ConflictError{Alias: from, Canonical: to}
	}
	l[to] = v
	delete(l, from)
	return nil
}

// mergeResources joins "k=v,k2=v2" lists, later values win, first seen order kept
func mergeResources(lists ...string) string {
	var keys []string
	vals := map[string]string{}
	for _, list := range lists {
		for _, item := range strings.Split(list, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			k, v, _ := strings.Cut(item, "=")
			if _, seen := vals[k]; !seen {
				keys = append(keys, k)
			}
			vals[k] = v
		}
	}
	res := make([]string, 0, len(keys))
	for _, k := range keys {
		if vals[k] == "" {
			res = append(res, k)
			continue
		}
		res = append(res, k+"="+vals[k])
	}
	return strings.Join(res, ",")
}

func parseResources(list string) map[string]string {
	res := map[string]string{}
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			k, v, _ := strings.Cut(item, "=")
			res[k] = v
		}
	}
	return res
}
