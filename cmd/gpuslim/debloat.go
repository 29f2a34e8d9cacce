package main

import "context"

type debloatParams struct {
	trace  *traceParams
	locate *locateParams
}

func addDebloatParams(cmd commander) *debloatParams {
	params := &debloatParams{
		trace:  addTraceParams(cmd),
		locate: &locateParams{},
	}
	addLocateFlags(cmd, params.locate)
	return params
}

// runDebloat chains trace and locate without re-reading the report from
// disk, so a workload can be traced and analyzed in one invocation.
func runDebloat(ctx context.Context, params *debloatParams) error {
	report, err := traceWorkload(ctx, params.trace)
	if err != nil {
		return err
	}
	return locateLibraries(ctx, params.locate, report)
}
