package reconstruct

import (
	"context"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"

	"github.com/gpuslim/gpuslim/pkg/span"
)

// Result is the per-manifest outcome of a batch reconstruction. A failed
// manifest never stops the batch.
type Result struct {
	Manifest string
	Library  string
	Output   string
	Spans    int
	Bytes    uint64
	Err      error
}

// ApplyAll reconstructs every manifest into outputDir with bounded
// parallelism. Results come back in manifest order.
func ApplyAll(ctx context.Context, logger log.Logger, manifests []string, outputDir string, parallelism int, opts Options) ([]Result, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}
	results := make([]Result, len(manifests))
	_ = concurrency.ForEachJob(ctx, len(manifests), parallelism, func(ctx context.Context, idx int) error {
		results[idx] = applyOne(logger, manifests[idx], outputDir, opts)
		return nil
	})
	for i := range results {
		if results[i].Manifest == "" {
			results[i] = Result{Manifest: manifests[i], Err: ctx.Err()}
		}
	}
	return results, nil
}

func applyOne(logger log.Logger, manifestPath, outputDir string, opts Options) Result {
	res := Result{Manifest: manifestPath}
	m, err := span.Read(manifestPath)
	if err != nil {
		res.Err = err
		return res
	}
	res.Library = m.Library
	res.Spans = len(m.Spans)
	for _, s := range m.Spans {
		res.Bytes += s.Length
	}
	out, err := Apply(logger, m, outputDir, opts)
	if err != nil {
		level.Warn(logger).Log("msg", "reconstruction failed", "manifest", manifestPath, "err", err)
		res.Err = err
		return res
	}
	res.Output = out
	return res
}
