package locator

import (
	"context"
	"os"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"

	"github.com/gpuslim/gpuslim/pkg/fatbin"
	"github.com/gpuslim/gpuslim/pkg/span"
	"github.com/gpuslim/gpuslim/pkg/trace"
)

// Result is the per-library outcome of a locate batch.
type Result struct {
	Library      string
	ManifestPath string
	Spans        int
	Bytes        uint64
	Err          error
}

// LocateAll analyzes every library in the report and writes one manifest
// per library carrying device code. Libraries are independent: they are
// processed in parallel and a failure never disturbs the rest of the
// batch.
func (l *Locator) LocateAll(ctx context.Context, report *trace.Report, spansDir string, parallelism int) []Result {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]Result, len(report.Libraries))
	err := concurrency.ForEachJob(ctx, len(report.Libraries), parallelism, func(_ context.Context, idx int) error {
		library := report.Libraries[idx]
		results[idx] = l.locateOne(library, report.Used(library), spansDir)
		return nil
	})
	// Only cancellation surfaces here; mark the jobs that never ran.
	if err != nil {
		for i := range results {
			if results[i].Library == "" {
				results[i] = Result{Library: report.Libraries[i], Err: err}
			}
		}
	}
	return results
}

func (l *Locator) locateOne(library string, used map[string]struct{}, spansDir string) Result {
	res := Result{Library: library}
	l.metrics.Libraries.Inc()

	data, err := os.ReadFile(library)
	if err != nil {
		l.metrics.Errors.WithLabelValues("io").Inc()
		res.Err = errors.Wrap(err, "reading library")
		return res
	}
	lib, err := fatbin.Parse(library, data)
	if err != nil {
		l.metrics.Errors.WithLabelValues("format").Inc()
		res.Err = err
		return res
	}
	if !lib.HasDeviceCode() && len(used) == 0 {
		level.Debug(l.logger).Log("msg", "no device code", "lib", library)
		return res
	}

	spans, err := l.Spans(lib, used)
	if err != nil {
		l.metrics.Errors.WithLabelValues("reconciliation").Inc()
		res.Err = err
		return res
	}

	m := &span.Manifest{
		Library:     library,
		FileSize:    uint64(len(data)),
		Fingerprint: span.Fingerprint(data),
		Spans:       spans,
	}
	out, err := span.Write(spansDir, m)
	if err != nil {
		l.metrics.Errors.WithLabelValues("io").Inc()
		res.Err = err
		return res
	}

	res.ManifestPath = out
	res.Spans = len(spans)
	for _, s := range spans {
		res.Bytes += s.Length
	}
	l.metrics.Spans.Add(float64(res.Spans))
	l.metrics.SpanBytes.Add(float64(res.Bytes))
	level.Info(l.logger).Log("msg", "located unused device code",
		"lib", library, "spans", res.Spans, "bytes", res.Bytes)
	return res
}
