package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/umputun/submitter/app/args"
	"github.com/umputun/submitter/app/scheduler"
)

const (
	headerWidth = 30
	dashesWidth = 15
)

// header makes "#---- title ----" line of fixed width, empty title gives a plain separator
func header(title string) string {
	if title == "" {
		return "#" + strings.Repeat("-", dashesWidth*2+headerWidth+1)
	}
	ldashes := max(0, (headerWidth-len(title))/2)
	rdashes := max(0, (headerWidth-len(title)+1)/2)
	return "#" + strings.Repeat("-", dashesWidth-1+ldashes) + " " + title + " " + strings.Repeat("-", rdashes+dashesWidth)
}

// line makes "# key                 : value" line
func line(k, v string) string {
	return fmt.Sprintf("# %-20s: %s", k, v)
}

func printPlan(w io.Writer, p scheduler.Plan, d scheduler.Dialect) {
	fmt.Fprintln(w, header(fmt.Sprintf("%s arguments (%s)", strings.ToUpper(d.Name()), p.Cluster)))
	fmt.Fprintln(w, line("Job name", d.JobName(p.Args)))
	for _, k := range p.Args.Keys() {
		if k == args.FlagJobName || (d.Name() == "pbs" && k == "-N") {
			continue
		}
		fmt.Fprintln(w, line(strings.TrimLeft(k, "-"), p.Args[k]))
	}
	for _, f := range p.Flags {
		fmt.Fprintln(w, line(strings.TrimLeft(f, "-"), "(flag)"))
	}
	fmt.Fprintln(w, header("Script arguments"))
	fmt.Fprintln(w, "# "+p.WorkerCommand)
}

func printSubmitted(w io.Writer, jobID string) {
	fmt.Fprintln(w, header("Job submission"))
	fmt.Fprintln(w, line("Job ID", jobID))
	fmt.Fprintln(w, header(""))
}
