// Package reconstruct materializes a debloated copy of a library by
// overwriting its unused spans with a trapping filler byte. The copy is
// byte-identical to the original outside the spans and always the same
// size.
package reconstruct

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/gpuslim/gpuslim/pkg/span"
	"github.com/gpuslim/gpuslim/pkg/workspace"
)

// FillerByte overwrites unused ranges. 0x01 does not decode as a SASS
// instruction, so a stray jump into a cleared region traps instead of
// executing leftover code.
const FillerByte byte = 0x01

// OutOfBoundsError reports a manifest span that reaches past the end of
// the library file. Fatal for that library only.
type OutOfBoundsError struct {
	Library  string
	Span     span.Span
	FileSize uint64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("span [%d, %d) outside %s (%d bytes)",
		e.Span.Offset, e.Span.End(), e.Library, e.FileSize)
}

type Options struct {
	// Verify recomputes the output fingerprint and fails on a silent
	// no-op when the span set is non-empty.
	Verify bool
}

// Apply patches a copy of the manifest's library into outputDir. The patch
// only overwrites bytes, never resizes, and goes through a temporary file
// plus rename so a crash never leaves a partial file under the final name.
// Returns the destination path.
func Apply(logger log.Logger, m *span.Manifest, outputDir string, opts Options) (string, error) {
	data, err := os.ReadFile(m.Library)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &workspace.MissingInputError{Path: m.Library}
		}
		return "", errors.Wrap(err, "reading library")
	}
	for _, s := range m.Spans {
		if s.End() < s.Offset || s.End() > uint64(len(data)) {
			return "", &OutOfBoundsError{Library: m.Library, Span: s, FileSize: uint64(len(data))}
		}
	}
	if err := m.CheckAgainst(data); err != nil {
		return "", err
	}

	for _, s := range m.Spans {
		region := data[s.Offset:s.End()]
		for i := range region {
			region[i] = FillerByte
		}
	}
	if opts.Verify && len(m.Spans) > 0 && span.Fingerprint(data) == m.Fingerprint {
		return "", fmt.Errorf("patched %s is identical to the original", m.Library)
	}

	info, err := os.Stat(m.Library)
	if err != nil {
		return "", errors.Wrap(err, "stat library")
	}
	base := filepath.Base(m.Library)
	dst := filepath.Join(outputDir, base)
	tmp, err := os.CreateTemp(outputDir, "."+base+".*")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing patched library")
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "setting file mode")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing patched library")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", errors.Wrap(err, "publishing patched library")
	}

	level.Info(logger).Log("msg", "reconstructed library",
		"src", m.Library, "dst", dst, "spans", len(m.Spans))
	return dst, nil
}
