// Package args parses raw scheduler arguments and translates convenience aliases to canonical scheduler flags
package args

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/umputun/submitter/app/config"
)

// canonical flags used by the translator
const (
	FlagCPUs    = "--cpus-per-task"
	FlagGres    = "--gres"
	FlagArray   = "--array"
	FlagOutput  = "--output"
	FlagJobName = "--job-name"
)

// convenience aliases
const (
	AliasCores = "--cores"
	AliasGPU   = "--gpu"
)

// ReportsDir is the directory created under experiment dir for job logs
const ReportsDir = "batch_job_reports"

// shortFlags maps short sbatch options to the long form
var shortFlags = map[string]string{
	"-J": FlagJobName,
	"-o": FlagOutput,
	"-e": "--error",
	"-a": FlagArray,
	"-c": FlagCPUs,
	"-t": "--time",
	"-p": "--partition",
	"-w": "--nodelist",
	"-N": "--nodes",
	"-n": "--ntasks",
	"-A": "--account",
	"-G": "--gpus",
}

// ConflictError is returned when an alias and its canonical flag are both given
type ConflictError struct {
	Alias     string
	Canonical string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("both %s and %s were found in scheduler arguments", e.Alias, e.Canonical)
}

// FormatError is returned for a malformed argument
type FormatError struct {
	Arg    string
	Value  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid argument %s: %s", e.Arg, e.Reason)
	}
	return fmt.Sprintf("invalid argument %s %q: %s", e.Arg, e.Value, e.Reason)
}

// Set is a parsed argument list, key-value arguments and valueless flags.
// Repeated keeps every value of each key in order, Args only the last one
type Set struct {
	Args     config.Layer
	Flags    []string
	Repeated map[string][]string
}

// Split divides command line at the first "--". Tokens before it are options, after it the worker command
func Split(all []string) (opts, command []string) {
	for i, a := range all {
		if a == "--" {
			return all[:i], all[i+1:]
		}
	}
	return all, nil
}

// Parse converts a list like `-J name --time=1:00:00 --exclusive --mem 2G` to Set.
// A token followed by another dash token (or nothing) is a flag. Repeated keys keep the last value
func Parse(list []string) (Set, error) {
	res := Set{Args: config.Layer{}, Repeated: map[string][]string{}}
	for i := 0; i < len(list); i++ {
		cur := list[i]
		if !strings.HasPrefix(cur, "-") || cur == "-" {
			return Set{}, &FormatError{Arg: cur, Reason: "argument should start with - or --"}
		}
		if k, v, ok := strings.Cut(cur, "="); ok {
			res.Args[k] = v
			res.Repeated[k] = append(res.Repeated[k], v)
			continue
		}
		if i+1 >= len(list) || strings.HasPrefix(list[i+1], "-") {
			res.Flags = appendUnique(res.Flags, cur)
			continue
		}
		res.Args[cur] = list[i+1]
		res.Repeated[cur] = append(res.Repeated[cur], list[i+1])
		i++
	}
	return res, nil
}

// Translate expands aliases of a single layer into canonical flags.
// Alias and canonical form of the same concept in one layer is a ConflictError
func Translate(l config.Layer) (config.Layer, error) {
	res := config.Layer{}
	for k, v := range l {
		if long, ok := shortFlags[k]; ok {
			if _, dup := l[long]; dup {
				return nil, &ConflictError{Alias: k, Canonical: long}
			}
			k = long
		}
		res[k] = v
	}

	if cores, ok := res[AliasCores]; ok {
		if _, dup := res[FlagCPUs]; dup {
			return nil, &ConflictError{Alias: AliasCores, Canonical: FlagCPUs}
		}
		if n, err := strconv.Atoi(cores); err != nil || n <= 0 {
			return nil, &FormatError{Arg: AliasCores, Value: cores, Reason: "should be a positive integer"}
		}
		res[FlagCPUs] = cores
		delete(res, AliasCores)
	}

	if gpu, ok := res[AliasGPU]; ok {
		if _, dup := res[FlagGres]; dup {
			return nil, &ConflictError{Alias: AliasGPU, Canonical: FlagGres}
		}
		if n, err := strconv.Atoi(gpu); err != nil || n <= 0 {
			return nil, &FormatError{Arg: AliasGPU, Value: gpu, Reason: "should be a positive integer"}
		}
		res[FlagGres] = "gpu:" + gpu
		delete(res, AliasGPU)
	}
	return res, nil
}

// Range is a parsed array index range
type Range struct {
	First, Last int
}

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.First, r.Last) }

// Len returns number of indices in the range
func (r Range) Len() int { return r.Last - r.First + 1 }

// ParseRange parses "first-last" with first <= last
func ParseRange(v string) (Range, error) {
	first, last, ok := strings.Cut(strings.TrimSpace(v), "-")
	if !ok {
		return Range{}, &FormatError{Arg: FlagArray, Value: v, Reason: "expected first-last"}
	}
	f, err := strconv.Atoi(first)
	if err != nil || f < 0 {
		return Range{}, &FormatError{Arg: FlagArray, Value: v, Reason: "first index should be a non-negative integer"}
	}
	l, err := strconv.Atoi(last)
	if err != nil || l < 0 {
		return Range{}, &FormatError{Arg: FlagArray, Value: v, Reason: "last index should be a non-negative integer"}
	}
	if f > l {
		return Range{}, &FormatError{Arg: FlagArray, Value: v, Reason: "first index is greater than last"}
	}
	return Range{First: f, Last: l}, nil
}

// Validate checks the merged argument set
func Validate(l config.Layer) error {
	if v, ok := l[FlagArray]; ok {
		if _, err := ParseRange(v); err != nil {
			return err
		}
	}
	return nil
}

// IsArray reports whether the set submits an array job
func IsArray(l config.Layer) bool {
	_, ok := l[FlagArray]
	return ok
}

// WithDefaultOutput sets the scheduler log path under expDir unless the user already provided one
func WithDefaultOutput(l config.Layer, expDir string) config.Layer {
	if _, ok := l[FlagOutput]; ok {
		return l
	}
	res := l.Clone()
	name := "results-%j-%x.out"
	if IsArray(l) {
		name = "results-%A_%a-%x.out"
	}
	res[FlagOutput] = filepath.Join(expDir, ReportsDir, name)
	return res
}

// Build renders arguments in stable order followed by flags
func Build(l config.Layer, flags []string) []string {
	res := make([]string, 0, len(l)+len(flags))
	for _, k := range l.Keys() {
		if strings.HasPrefix(k, "--") {
			res = append(res, k+"="+l[k])
			continue
		}
		res = append(res, k, l[k])
	}
	return append(res, flags...)
}

func appendUnique(list []string, v string) []string {
	for _, l := range list {
		if l == v {
			return list
		}
	}
	return append(list, v)
}
