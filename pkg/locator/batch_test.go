package locator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/gpuslim/gpuslim/pkg/fatbin"
	"github.com/gpuslim/gpuslim/pkg/span"
	"github.com/gpuslim/gpuslim/pkg/trace"
)

func TestLocateAll(t *testing.T) {
	dir := t.TempDir()
	spansDir := filepath.Join(dir, "spans")
	require.NoError(t, os.MkdirAll(spansDir, 0o755))

	gpuLib := filepath.Join(dir, "libgpu.so")
	gpuData := fatbin.BuildLibrary(fatbin.BuildFatbin(fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: "_Z4usedv", Size: 48, Fill: 0x11},
			{Name: "_Z4deadv", Size: 48, Fill: 0x22},
		},
	}))
	require.NoError(t, os.WriteFile(gpuLib, gpuData, 0o755))

	cpuLib := filepath.Join(dir, "libcpu.so")
	require.NoError(t, os.WriteFile(cpuLib, fatbin.BuildPlainLibrary(), 0o755))

	missingLib := filepath.Join(dir, "libgone.so")

	report := &trace.Report{
		Libraries: []string{cpuLib, missingLib, gpuLib},
		Kernels: map[string][]string{
			gpuLib: {"_Z4usedv"},
		},
	}

	l := New(log.NewNopLogger(), nil, DefaultRetain)
	results := l.LocateAll(context.Background(), report, spansDir, 4)
	require.Len(t, results, 3)

	// CPU-only library with no launches: analyzed, no manifest.
	require.NoError(t, results[0].Err)
	require.Empty(t, results[0].ManifestPath)

	// Missing library fails alone without disturbing the batch.
	require.Error(t, results[1].Err)

	require.NoError(t, results[2].Err)
	require.Equal(t, 1, results[2].Spans)
	require.Equal(t, uint64(48), results[2].Bytes)

	m, err := span.Read(results[2].ManifestPath)
	require.NoError(t, err)
	require.Equal(t, gpuLib, m.Library)
	require.Equal(t, uint64(len(gpuData)), m.FileSize)
	require.Equal(t, span.Fingerprint(gpuData), m.Fingerprint)
	require.Len(t, m.Spans, 1)
	require.Equal(t, "_Z4deadv", m.Spans[0].Kernel)
}

func TestLocateAllReconciliation(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libgpu.so")
	data := fatbin.BuildLibrary(fatbin.BuildFatbin(fatbin.TestCubin{
		Arch:    70,
		Kernels: []fatbin.TestKernel{{Name: "_Z1av", Size: 32, Fill: 0x11}},
	}))
	require.NoError(t, os.WriteFile(lib, data, 0o755))

	report := &trace.Report{
		Libraries: []string{lib},
		Kernels:   map[string][]string{lib: {"_Z7unknownv"}},
	}
	l := New(log.NewNopLogger(), nil, nil)
	results := l.LocateAll(context.Background(), report, dir, 1)
	require.Len(t, results, 1)
	var rec *ReconciliationError
	require.ErrorAs(t, results[0].Err, &rec)
	// No manifest is left behind for the failed library.
	require.NoFileExists(t, span.Path(dir, lib))
}

func TestLocateAllMetrics(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libgpu.so")
	data := fatbin.BuildLibrary(fatbin.BuildFatbin(fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: "_Z4usedv", Size: 32, Fill: 0x11},
			{Name: "_Z4deadv", Size: 32, Fill: 0x22},
		},
	}))
	require.NoError(t, os.WriteFile(lib, data, 0o755))
	missing := filepath.Join(dir, "libgone.so")

	report := &trace.Report{
		Libraries: []string{lib, missing},
		Kernels:   map[string][]string{lib: {"_Z4usedv"}},
	}
	l := New(log.NewNopLogger(), prometheus.NewRegistry(), nil)
	results := l.LocateAll(context.Background(), report, dir, 2)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)

	require.Equal(t, float64(2), testutil.ToFloat64(l.metrics.Libraries))
	require.Equal(t, float64(1), testutil.ToFloat64(l.metrics.Errors.WithLabelValues("io")))
	require.Equal(t, float64(1), testutil.ToFloat64(l.metrics.Spans))
	require.Equal(t, float64(32), testutil.ToFloat64(l.metrics.SpanBytes))
}
