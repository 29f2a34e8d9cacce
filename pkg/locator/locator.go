// Package locator reconciles traced kernel launches against the kernels a
// library embeds and computes the byte ranges no launch ever touched.
package locator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gpuslim/gpuslim/pkg/fatbin"
	"github.com/gpuslim/gpuslim/pkg/span"
)

// cublas keeps device-side constants its kernels read at launch time;
// retaining the symbol unconditionally mirrors the vendor tooling.
const cublasDeviceConstants = "_ZN6cublas8internal15deviceConstantsE"

// DefaultRetain lists symbol names treated as live in every library.
var DefaultRetain = []string{cublasDeviceConstants}

// ReconciliationError reports trace kernels that match no symbol in the
// library, which usually means the library changed after the trace was
// taken. It aborts span computation for that library only.
type ReconciliationError struct {
	Library string
	Kernels []string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("trace kernels not present in %s: %s (stale library?)",
		e.Library, strings.Join(e.Kernels, ", "))
}

type Locator struct {
	logger  log.Logger
	metrics *Metrics
	retain  map[string]struct{}
}

func New(logger log.Logger, reg prometheus.Registerer, retain []string) *Locator {
	l := &Locator{
		logger:  logger,
		metrics: NewMetrics(reg),
		retain:  make(map[string]struct{}, len(retain)),
	}
	for _, name := range retain {
		l.retain[name] = struct{}{}
	}
	return l
}

// Spans computes the unused ranges of lib. Liveness is per kernel name: a
// name observed anywhere keeps every architecture variant, since the trace
// does not say which variant the driver picked. An empty used set marks
// every kernel in the library dead.
func (l *Locator) Spans(lib *fatbin.Library, used map[string]struct{}) ([]span.Span, error) {
	known := lib.SymbolNames()
	var missing []string
	for name := range used {
		if _, ok := known[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ReconciliationError{Library: lib.Path, Kernels: missing}
	}

	var candidates []span.Span
	for _, c := range lib.Containers {
		for _, sym := range c.Symbols {
			if _, ok := used[sym.Name]; ok {
				continue
			}
			if _, ok := l.retain[sym.Name]; ok {
				level.Debug(l.logger).Log("msg", "retaining symbol", "lib", lib.Path, "kernel", sym.Name)
				continue
			}
			level.Debug(l.logger).Log("msg", "dead kernel",
				"lib", lib.Path, "kernel", demangle.Filter(sym.Name), "arch", sym.Arch, "size", sym.Size)
			candidates = append(candidates, span.Span{
				Offset: c.FileOffset + sym.ContainerOffset,
				Length: sym.Size,
				Kernel: sym.Name,
			})
		}
	}
	return mergeSpans(candidates), nil
}

// mergeSpans sorts candidates and merges touching or overlapping ranges.
// Diagnostics keep every kernel name a merged range covers.
func mergeSpans(spans []span.Span) []span.Span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Offset == spans[j].Offset {
			return spans[i].Length < spans[j].Length
		}
		return spans[i].Offset < spans[j].Offset
	})
	merged := []span.Span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Offset <= last.End() {
			if s.End() > last.End() {
				last.Length = s.End() - last.Offset
			}
			last.Kernel += "," + s.Kernel
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
