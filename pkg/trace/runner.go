package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	// KernelLogEnv names the file the injected tracer appends records to.
	// The file must exist before the tracer attaches.
	KernelLogEnv = "GPUSLIM_KERNEL_LOG"
	// InjectionEnv is read by the CUDA driver to load the detector library
	// into the workload process.
	InjectionEnv = "CUDA_INJECTION64_PATH"

	detectorLibName = "libkerneldetector.so"
)

// DefaultDetectorPath is where the install script drops the detector.
func DefaultDetectorPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".gpuslim", "lib", detectorLibName)
}

// Runner launches a workload under the kernel detector. The detector is an
// external collaborator living inside the traced process; this side only
// sets up its environment and ingests the log it leaves behind.
type Runner struct {
	Logger   log.Logger
	Detector string
	// Env replaces the parent environment when non-empty.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes the workload, waits for it to exit and parses the trace
// log. The log file is truncated up front so records from earlier runs
// cannot leak into this one.
func (r *Runner) Run(ctx context.Context, cmdline []string, logPath string) (*Report, error) {
	if len(cmdline) == 0 {
		return nil, fmt.Errorf("no workload command given")
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "creating trace log")
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	env := r.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = append(env[:len(env):len(env)],
		KernelLogEnv+"="+logPath,
		InjectionEnv+"="+r.Detector,
	)

	cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
	cmd.Env = env
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	level.Info(r.Logger).Log("msg", "tracing started", "cmd", strings.Join(cmdline, " "))
	if err := cmd.Run(); err != nil {
		// A workload exiting non-zero still leaves a usable trace behind.
		level.Warn(r.Logger).Log("msg", "workload exited with error", "err", err)
	}
	level.Info(r.Logger).Log("msg", "tracing finished", "log", logPath)

	report, err := ParseLog(r.Logger, logPath)
	if err != nil {
		return nil, err
	}
	return r.sanitize(report), nil
}

// sanitize drops records that cannot feed analysis: the detector library
// itself and paths that no longer exist on disk. Surviving paths are
// resolved to their symlink-free form, merging records that name the same
// file through different paths.
func (r *Runner) sanitize(report *Report) *Report {
	merged := make(map[string]map[string]struct{})
	for _, library := range report.Libraries {
		if strings.Contains(library, detectorLibName) {
			level.Debug(r.Logger).Log("msg", "skipping detector library", "lib", library)
			continue
		}
		resolved, err := filepath.EvalSymlinks(library)
		if err != nil {
			level.Debug(r.Logger).Log("msg", "dropping unresolvable library", "lib", library, "err", err)
			continue
		}
		set, ok := merged[resolved]
		if !ok {
			set = make(map[string]struct{})
			merged[resolved] = set
		}
		for _, k := range report.Kernels[library] {
			set[k] = struct{}{}
		}
	}

	out := &Report{
		Libraries: lo.Keys(merged),
		Kernels:   make(map[string][]string, len(merged)),
	}
	sort.Strings(out.Libraries)
	for library, set := range merged {
		names := lo.Keys(set)
		sort.Strings(names)
		out.Kernels[library] = names
	}
	return out
}
