// Package trace ingests the kernel-launch log produced by the injected
// tracer and runs workloads under it. The log is the only channel between
// the traced process and this tool: one record per line, tab-separated
// library path and kernel name. A record with an empty kernel field marks a
// library load without a launch.
package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/gpuslim/gpuslim/pkg/workspace"
)

// Report is the outcome of one traced run: the libraries the workload
// loaded and, per library, the kernel names it launched. Ordering is
// irrelevant for liveness; only presence matters, so names are kept sorted
// for stable output.
type Report struct {
	Libraries []string            `json:"libraries"`
	Kernels   map[string][]string `json:"kernels"`
}

// Used returns the set of kernel names observed for a library.
func (r *Report) Used(library string) map[string]struct{} {
	set := make(map[string]struct{}, len(r.Kernels[library]))
	for _, k := range r.Kernels[library] {
		set[k] = struct{}{}
	}
	return set
}

// ParseLog reads a trace log into a Report. Malformed records are skipped
// with a warning: the tracer may emit noise from driver calls that are not
// kernel launches.
func ParseLog(logger log.Logger, path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &workspace.MissingInputError{Path: path}
		}
		return nil, errors.Wrap(err, "opening trace log")
	}
	defer f.Close()

	kernels := make(map[string]map[string]struct{})
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		library, kernel, _ := strings.Cut(line, "\t")
		if library == "" || !filepath.IsAbs(library) || strings.ContainsRune(kernel, '\t') {
			level.Warn(logger).Log("msg", "skipping malformed trace record", "path", path, "line", lineno)
			continue
		}
		if _, ok := kernels[library]; !ok {
			kernels[library] = make(map[string]struct{})
		}
		if kernel != "" {
			kernels[library][kernel] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading trace log")
	}
	return reportFromSets(kernels), nil
}

func reportFromSets(kernels map[string]map[string]struct{}) *Report {
	r := &Report{
		Libraries: lo.Keys(kernels),
		Kernels:   make(map[string][]string, len(kernels)),
	}
	sort.Strings(r.Libraries)
	for library, set := range kernels {
		names := lo.Keys(set)
		sort.Strings(names)
		r.Kernels[library] = names
	}
	return r
}

// WriteReport persists the report as indented JSON.
func WriteReport(path string, r *Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding trace report")
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &workspace.MissingInputError{Path: path}
		}
		return nil, errors.Wrap(err, "reading trace report")
	}
	r := &Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.Wrapf(err, "decoding trace report %s", path)
	}
	if r.Kernels == nil {
		r.Kernels = make(map[string][]string)
	}
	return r, nil
}
