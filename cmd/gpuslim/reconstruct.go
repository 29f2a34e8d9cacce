package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/gpuslim/gpuslim/pkg/reconstruct"
	"github.com/gpuslim/gpuslim/pkg/workspace"
)

type reconstructParams struct {
	spanPaths   []string
	destDir     string
	verify      bool
	parallelism int
}

func addReconstructParams(cmd commander) *reconstructParams {
	params := &reconstructParams{}
	cmd.Flag("span-path", "Span manifest files or directories to apply. Defaults to the workspace spans directory.").StringsVar(&params.spanPaths)
	cmd.Flag("output-dir", "Directory the debloated copies are written to.").Default("./debloated").StringVar(&params.destDir)
	cmd.Flag("verify", "Fail if a non-empty span set produces an unchanged library.").Default("false").BoolVar(&params.verify)
	cmd.Flag("parallelism", "Number of libraries reconstructed concurrently.").Default("0").IntVar(&params.parallelism)
	return params
}

func runReconstruct(ctx context.Context, params *reconstructParams) error {
	paths := params.spanPaths
	if len(paths) == 0 {
		paths = []string{workspace.New(cfg.workspace).SpansDir()}
	}
	manifests, err := collectManifests(paths)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		return errors.Errorf("no span manifests under %s", strings.Join(paths, ", "))
	}
	parallelism := params.parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}

	results, err := reconstruct.ApplyAll(ctx, logger, manifests, params.destDir, parallelism,
		reconstruct.Options{Verify: params.verify})
	if err != nil {
		return err
	}

	var errs *multierror.Error
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Library", "Spans", "Removed", "Output"})
	for _, res := range results {
		if res.Err != nil {
			errs = multierror.Append(errs, res.Err)
			table.Append([]string{filepath.Base(res.Manifest), "-", "-", "error"})
			continue
		}
		table.Append([]string{
			filepath.Base(res.Library),
			humanize.Comma(int64(res.Spans)),
			humanize.Bytes(res.Bytes),
			res.Output,
		})
	}
	table.Render()

	return errs.ErrorOrNil()
}

// collectManifests expands directories into their .json manifests and
// keeps explicit file paths as given. Missing paths fail up front.
func collectManifests(paths []string) ([]string, error) {
	var manifests []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &workspace.MissingInputError{Path: p}
			}
			return nil, err
		}
		if !info.IsDir() {
			manifests = append(manifests, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			manifests = append(manifests, filepath.Join(p, e.Name()))
		}
	}
	sort.Strings(manifests)
	return manifests, nil
}
