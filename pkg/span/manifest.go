// Package span persists per-library span manifests: the byte ranges a
// workload never exercised, plus the metadata needed to detect staleness
// before they are applied.
package span

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/gpuslim/gpuslim/pkg/workspace"
)

// Span is a contiguous byte range in a library file judged unused. Kernel
// carries the names of the dead kernels the range covers, for diagnostics.
type Span struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
	Kernel string `json:"kernel"`
}

// End returns the exclusive end offset.
func (s Span) End() uint64 { return s.Offset + s.Length }

// Manifest is the persisted span set for one library. FileSize and
// Fingerprint describe the library at analysis time; reconstruction
// refuses to proceed if the file has changed since.
type Manifest struct {
	Library     string `json:"library"`
	FileSize    uint64 `json:"file_size"`
	Fingerprint string `json:"fingerprint"`
	Spans       []Span `json:"spans"`
}

// CorruptManifestError reports a manifest that fails schema or fingerprint
// validation.
type CorruptManifestError struct {
	Path   string
	Reason string
}

func (e *CorruptManifestError) Error() string {
	return fmt.Sprintf("corrupt span manifest %s: %s", e.Path, e.Reason)
}

// Fingerprint is the content fingerprint recorded in manifests.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// Path returns the deterministic manifest location for a library.
func Path(dir, library string) string {
	return filepath.Join(dir, filepath.Base(library)+".json")
}

// Write serializes the manifest under dir, named after the library's base
// name, and returns the manifest path. The encoding is indented JSON so
// manifests diff cleanly across runs.
func Write(dir string, m *Manifest) (string, error) {
	out := Path(dir, m.Library)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding span manifest")
	}
	data = append(data, '\n')
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", errors.Wrap(err, "writing span manifest")
	}
	return out, nil
}

// Read loads and validates a manifest. A missing file is reported as
// MissingInputError, anything structurally wrong as CorruptManifestError.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &workspace.MissingInputError{Path: path}
		}
		return nil, errors.Wrap(err, "reading span manifest")
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, &CorruptManifestError{Path: path, Reason: err.Error()}
	}
	if err := m.validate(); err != nil {
		return nil, &CorruptManifestError{Path: path, Reason: err.Error()}
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if m.Library == "" {
		return fmt.Errorf("missing library path")
	}
	if !filepath.IsAbs(m.Library) {
		return fmt.Errorf("library path %q is not absolute", m.Library)
	}
	if _, err := hex.DecodeString(m.Fingerprint); err != nil || len(m.Fingerprint) != 16 {
		return fmt.Errorf("malformed fingerprint %q", m.Fingerprint)
	}
	prevEnd := uint64(0)
	for i, s := range m.Spans {
		if s.Length == 0 {
			return fmt.Errorf("span %d has zero length", i)
		}
		if s.End() < s.Offset || s.End() > m.FileSize {
			return fmt.Errorf("span %d [%d, %d) outside file of %d bytes", i, s.Offset, s.End(), m.FileSize)
		}
		if s.Offset < prevEnd {
			return fmt.Errorf("span %d overlaps or is out of order", i)
		}
		prevEnd = s.End()
	}
	return nil
}

// CheckAgainst validates the manifest against the current contents of the
// library it was computed from.
func (m *Manifest) CheckAgainst(data []byte) error {
	if uint64(len(data)) != m.FileSize {
		return &CorruptManifestError{
			Path:   m.Library,
			Reason: fmt.Sprintf("library is %d bytes, manifest recorded %d", len(data), m.FileSize),
		}
	}
	if got := Fingerprint(data); got != m.Fingerprint {
		return &CorruptManifestError{
			Path:   m.Library,
			Reason: fmt.Sprintf("library fingerprint %s does not match recorded %s (stale manifest?)", got, m.Fingerprint),
		}
	}
	return nil
}
