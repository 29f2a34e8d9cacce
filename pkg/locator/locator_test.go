package locator

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/gpuslim/gpuslim/pkg/fatbin"
	"github.com/gpuslim/gpuslim/pkg/span"
)

func parseLibrary(t *testing.T, cubins ...fatbin.TestCubin) ([]byte, *fatbin.Library) {
	t.Helper()
	data := fatbin.BuildLibrary(fatbin.BuildFatbin(cubins...))
	lib, err := fatbin.Parse("/usr/lib/libtest.so", data)
	require.NoError(t, err)
	return data, lib
}

// patternOffset locates a kernel body by its fill byte, independently of
// the parser's offset arithmetic.
func patternOffset(t *testing.T, data []byte, fill byte, size int) uint64 {
	t.Helper()
	idx := bytes.Index(data, bytes.Repeat([]byte{fill}, size))
	require.GreaterOrEqual(t, idx, 0)
	return uint64(idx)
}

func set(names ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func TestSpansSingleDeadKernel(t *testing.T) {
	data, lib := parseLibrary(t, fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: "_Z1av", Size: 40, Fill: 0xa1},
			{Name: "_Z1bv", Size: 56, Fill: 0xb2},
			{Name: "_Z1cv", Size: 48, Fill: 0xc3},
		},
	})

	l := New(log.NewNopLogger(), nil, DefaultRetain)
	spans, err := l.Spans(lib, set("_Z1av", "_Z1cv"))
	require.NoError(t, err)
	require.Equal(t, []span.Span{{
		Offset: patternOffset(t, data, 0xb2, 56),
		Length: 56,
		Kernel: "_Z1bv",
	}}, spans)
}

func TestSpansEmptyTraceKillsEverything(t *testing.T) {
	data, lib := parseLibrary(t, fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: "_Z1av", Size: 64, Fill: 0xa1},
			{Name: "_Z1bv", Size: 64, Fill: 0xb2},
			{Name: "_Z1cv", Size: 64, Fill: 0xc3},
		},
	})

	l := New(log.NewNopLogger(), nil, nil)
	spans, err := l.Spans(lib, nil)
	require.NoError(t, err)
	// The bodies are adjacent, so the dead ranges collapse into one span
	// that still names every kernel it covers.
	require.Equal(t, []span.Span{{
		Offset: patternOffset(t, data, 0xa1, 64),
		Length: 192,
		Kernel: "_Z1av,_Z1bv,_Z1cv",
	}}, spans)
}

func TestSpansPerNameLiveness(t *testing.T) {
	kernels := []fatbin.TestKernel{
		{Name: "_Z4livev", Size: 32, Fill: 0x11},
		{Name: "_Z4deadv", Size: 32, Fill: 0x22},
	}
	_, lib := parseLibrary(t,
		fatbin.TestCubin{Arch: 70, Kernels: kernels},
		fatbin.TestCubin{Arch: 75, Kernels: kernels},
	)

	l := New(log.NewNopLogger(), nil, nil)
	spans, err := l.Spans(lib, set("_Z4livev"))
	require.NoError(t, err)
	// One variant used keeps both variants; only the dead kernel is
	// spanned, once per architecture.
	require.Len(t, spans, 2)
	for _, s := range spans {
		require.Equal(t, "_Z4deadv", s.Kernel)
		require.Equal(t, uint64(32), s.Length)
	}
	require.Less(t, spans[0].Offset, spans[1].Offset)
}

func TestSpansRetainedSymbol(t *testing.T) {
	_, lib := parseLibrary(t, fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: cublasDeviceConstants, Size: 32, Fill: 0x11},
			{Name: "_Z4deadv", Size: 32, Fill: 0x22},
		},
	})

	l := New(log.NewNopLogger(), nil, DefaultRetain)
	spans, err := l.Spans(lib, nil)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, "_Z4deadv", spans[0].Kernel)
}

func TestSpansReconciliationError(t *testing.T) {
	_, lib := parseLibrary(t, fatbin.TestCubin{
		Arch:    70,
		Kernels: []fatbin.TestKernel{{Name: "_Z1av", Size: 32, Fill: 0x11}},
	})

	l := New(log.NewNopLogger(), nil, nil)
	_, err := l.Spans(lib, set("_Z6absentv", "_Z1av", "_Z5othersv"))
	var rec *ReconciliationError
	require.ErrorAs(t, err, &rec)
	require.Equal(t, "/usr/lib/libtest.so", rec.Library)
	require.Equal(t, []string{"_Z5othersv", "_Z6absentv"}, rec.Kernels)
}

func TestSpansDeterministic(t *testing.T) {
	_, lib := parseLibrary(t, fatbin.TestCubin{
		Arch: 70,
		Kernels: []fatbin.TestKernel{
			{Name: "_Z1av", Size: 24, Fill: 0x11},
			{Name: "_Z1bv", Size: 40, Fill: 0x22},
			{Name: "_Z1cv", Size: 56, Fill: 0x33},
		},
	})

	l := New(log.NewNopLogger(), nil, nil)
	first, err := l.Spans(lib, set("_Z1bv"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := l.Spans(lib, set("_Z1bv"))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestMergeSpans(t *testing.T) {
	merged := mergeSpans([]span.Span{
		{Offset: 100, Length: 50, Kernel: "b"},
		{Offset: 0, Length: 50, Kernel: "a"},
		{Offset: 150, Length: 10, Kernel: "c"}, // touches b
		{Offset: 140, Length: 40, Kernel: "d"}, // overlaps b and c
	})
	require.Equal(t, []span.Span{
		{Offset: 0, Length: 50, Kernel: "a"},
		{Offset: 100, Length: 80, Kernel: "b,d,c"},
	}, merged)
}
