package main

import (
	"context"
	"os"

	"github.com/go-kit/log/level"

	"github.com/gpuslim/gpuslim/pkg/trace"
	"github.com/gpuslim/gpuslim/pkg/workspace"
)

type traceParams struct {
	detector string
	env      []string
	cmdline  []string
}

func addTraceParams(cmd commander) *traceParams {
	params := &traceParams{}
	cmd.Flag("detector", "Path to the kernel detector library injected into the workload.").Default(trace.DefaultDetectorPath()).StringVar(&params.detector)
	cmd.Flag("env", "Extra KEY=VALUE environment entries for the workload.").StringsVar(&params.env)
	cmd.Arg("command", "Workload command and arguments.").Required().StringsVar(&params.cmdline)
	return params
}

func runTrace(ctx context.Context, params *traceParams) error {
	_, err := traceWorkload(ctx, params)
	return err
}

// traceWorkload runs the workload and leaves both the raw log and the
// parsed report in the workspace. Shared with the debloat command.
func traceWorkload(ctx context.Context, params *traceParams) (*trace.Report, error) {
	ws := workspace.New(cfg.workspace)
	if err := ws.Ensure(); err != nil {
		return nil, err
	}

	env := os.Environ()
	env = append(env, params.env...)
	runner := &trace.Runner{
		Logger:   logger,
		Detector: params.detector,
		Env:      env,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	report, err := runner.Run(ctx, params.cmdline, ws.TraceLogPath())
	if err != nil {
		return nil, err
	}
	if err := trace.WriteReport(ws.ReportPath(), report); err != nil {
		return nil, err
	}

	kernels := 0
	for _, names := range report.Kernels {
		kernels += len(names)
	}
	level.Info(logger).Log("msg", "trace complete",
		"libraries", len(report.Libraries), "kernels", kernels, "report", ws.ReportPath())
	return report, nil
}
