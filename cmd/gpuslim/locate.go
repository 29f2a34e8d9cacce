package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpuslim/gpuslim/pkg/locator"
	"github.com/gpuslim/gpuslim/pkg/trace"
	"github.com/gpuslim/gpuslim/pkg/workspace"
)

type locateParams struct {
	report        string
	retainSymbols []string
	parallelism   int
}

func addLocateParams(cmd commander) *locateParams {
	params := &locateParams{}
	cmd.Flag("report", "Trace report to analyze. Defaults to the one in the workspace.").StringVar(&params.report)
	addLocateFlags(cmd, params)
	return params
}

func addLocateFlags(cmd commander, params *locateParams) {
	cmd.Flag("retain-symbol", "Additional symbol names to keep regardless of the trace.").StringsVar(&params.retainSymbols)
	cmd.Flag("parallelism", "Number of libraries analyzed concurrently.").Default("0").IntVar(&params.parallelism)
}

func runLocate(ctx context.Context, params *locateParams) error {
	ws := workspace.New(cfg.workspace)
	reportPath := params.report
	if reportPath == "" {
		reportPath = ws.ReportPath()
	}
	report, err := trace.ReadReport(reportPath)
	if err != nil {
		return err
	}
	return locateLibraries(ctx, params, report)
}

// locateLibraries runs the analysis and prints the per-library summary.
// Shared with the debloat command.
func locateLibraries(ctx context.Context, params *locateParams, report *trace.Report) error {
	ws := workspace.New(cfg.workspace)
	if err := ws.Ensure(); err != nil {
		return err
	}
	parallelism := params.parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	retain := append(append([]string{}, locator.DefaultRetain...), params.retainSymbols...)
	l := locator.New(logger, prometheus.NewRegistry(), retain)
	results := l.LocateAll(ctx, report, ws.SpansDir(), parallelism)

	var (
		errs       *multierror.Error
		totalBytes uint64
	)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Library", "Spans", "Unused"})
	for _, res := range results {
		if res.Err != nil {
			errs = multierror.Append(errs, res.Err)
			table.Append([]string{filepath.Base(res.Library), "-", "error"})
			continue
		}
		if res.ManifestPath == "" {
			continue
		}
		totalBytes += res.Bytes
		table.Append([]string{
			filepath.Base(res.Library),
			fmt.Sprintf("%d", res.Spans),
			humanize.Bytes(res.Bytes),
		})
	}
	table.SetFooter([]string{"total", "", humanize.Bytes(totalBytes)})
	table.Render()

	return errs.ErrorOrNil()
}
