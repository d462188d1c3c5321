package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/3cpo-dev/fleetroll/internal/catalog"
	core "github.com/3cpo-dev/fleetroll/internal/core"
	"github.com/3cpo-dev/fleetroll/internal/health"
	"github.com/3cpo-dev/fleetroll/pkg/api"
)

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tKIND\tTIER\tIMAGES\tPORTS")
	for _, name := range cat.Order() {
		e, ok := cat.Lookup(name)
		if !ok {
			fmt.Fprintf(tw, "%s\t-\t-\t(not in catalog)\t-\n", name)
			continue
		}
		ports := make([]string, len(e.Ports))
		for i, p := range e.Ports {
			ports[i] = strconv.Itoa(p)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Tier, strings.Join(e.Images, ","), strings.Join(ports, ","))
	}
	tw.Flush()
}

// printSummary lists hosts per outcome with their durations, then totals.
func printSummary(w io.Writer, r *api.DeploymentReport) {
	if r == nil {
		return
	}
	groups := []struct {
		title string
		state api.DeployState
	}{
		{"Succeeded", api.DeploySucceeded},
		{"Submitted", api.DeploySubmitted},
		{"Failed", api.DeployFailed},
		{"Timed out", api.DeployTimedOut},
	}
	fmt.Fprintf(w, "\nRun %s (%s)\n", r.RunID, r.Environment)
	results := r.Results()
	for _, g := range groups {
		var lines []string
		for _, res := range results {
			if res.State != g.state {
				continue
			}
			line := fmt.Sprintf("  %-20s %8s", res.Host, res.Duration.Round(100*time.Millisecond))
			if res.HandleID != "" && res.State == api.DeploySubmitted {
				line += "  handle " + res.HandleID
			}
			if res.Error != "" {
				line += "  " + res.Error
			}
			lines = append(lines, line)
			if res.Output != "" && res.State != api.DeploySucceeded {
				for _, l := range strings.Split(strings.TrimRight(res.Output, "\n"), "\n") {
					lines = append(lines, "      | "+l)
				}
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n%s\n", g.title, strings.Join(lines, "\n"))
	}
	fmt.Fprintf(w, "Total: %d hosts, %d succeeded, %d failed, %d timed out",
		r.Len(), r.Succeeded(), r.Failed(), r.TimedOut())
	if r.NoWait {
		fmt.Fprintf(w, ", %d submitted", r.Submitted())
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, " in %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	fmt.Fprintln(w)
}

func printHealth(w io.Writer, res health.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tSTATE\tREASON")
	for _, t := range res.Targets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.State, t.Reason)
	}
	tw.Flush()
	status := "settled"
	if !res.Converged {
		status = "not settled"
	}
	fmt.Fprintf(w, "group %s: %d targets, %d unhealthy, %s\n", res.Group, len(res.Targets), len(res.Unhealthy()), status)
}

func printRuns(w io.Writer, runs []core.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tENV\tEXECUTOR\tOK\tFAILED\tTIMED OUT\tSUBMITTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n", r.ID, r.StartedAt.Format(time.RFC3339),
			r.Environment, r.Executor, r.Succeeded, r.Failed, r.TimedOut, r.Submitted)
	}
	tw.Flush()
}

func printResults(w io.Writer, results []api.DeploymentResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSTATE\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Host, r.State, r.Duration.Round(100*time.Millisecond), r.Error)
	}
	tw.Flush()
}
