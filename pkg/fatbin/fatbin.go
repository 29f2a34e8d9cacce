// Package fatbin parses NVIDIA fat binaries embedded in ELF shared
// libraries and enumerates the compiled kernels they contain.
//
// A library carries device code in dedicated sections (.nv_fatbin and, for
// relocatable device code, .nv_relfatbin). Each section holds a sequence of
// regions; a region holds a sequence of elements, one per target
// architecture, and each element of kind cubin wraps an inner ELF object
// whose symbol table names the kernels.
package fatbin

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Section names used by the CUDA toolchain for embedded device code.
var deviceCodeSections = []string{".nv_fatbin", ".nv_relfatbin"}

const (
	regionMagic      = 0xba55ed50
	regionHeaderSize = 16

	elementHeaderMin = 32

	elementKindPTX   = 1
	elementKindCubin = 2

	// Compressed payloads need the vendor decompressor; such elements stay
	// opaque and contribute no symbols.
	elementFlagCompressed = 0x2000
)

// KernelSymbol is one compiled kernel inside a device-code container.
// ContainerOffset is relative to the container's base file offset; sizes
// come from the cubin symbol table's own size field, never from the gap to
// the next symbol.
type KernelSymbol struct {
	Name            string
	ContainerOffset uint64
	Size            uint64
	Arch            string
}

// Container is one device-code section embedded in a library file. Opaque
// counts elements whose kernels could not be enumerated (PTX, compressed or
// unparseable payloads); their bytes are never eligible for removal.
type Container struct {
	Section    string
	FileOffset uint64
	Size       uint64
	Symbols    []KernelSymbol
	Opaque     int
}

// Library is the parsed device-code view of one shared library.
type Library struct {
	Path       string
	Containers []Container
}

// HasDeviceCode reports whether any device-code section was found.
func (l *Library) HasDeviceCode() bool { return len(l.Containers) > 0 }

// SymbolNames returns the set of kernel names across all containers and
// architectures.
func (l *Library) SymbolNames() map[string]struct{} {
	names := make(map[string]struct{})
	for _, c := range l.Containers {
		for _, s := range c.Symbols {
			names[s.Name] = struct{}{}
		}
	}
	return names
}

// FormatError reports an unparseable outer container or device-code
// structure. It is fatal for the affected library only.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unrecognized binary format in %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Open reads the library at path and parses its device code.
func Open(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading library %s", path)
	}
	return Parse(path, data)
}

// Parse parses an in-memory library image. A library without device-code
// sections yields an empty container list, not an error.
func Parse(path string, data []byte) (*Library, error) {
	view, err := newElfView(data)
	if err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	lib := &Library{Path: path}
	for _, name := range deviceCodeSections {
		sect := view.section(name)
		if sect == nil {
			continue
		}
		payload, err := view.sectionData(sect)
		if err != nil {
			return nil, &FormatError{Path: path, Err: err}
		}
		symbols, opaque, err := parseContainer(payload)
		if err != nil {
			return nil, &FormatError{Path: path, Err: err}
		}
		lib.Containers = append(lib.Containers, Container{
			Section:    name,
			FileOffset: sect.Offset,
			Size:       sect.Size,
			Symbols:    symbols,
			Opaque:     opaque,
		})
	}
	return lib, nil
}

// parseContainer walks the regions of one device-code section. Returned
// symbol offsets are relative to the section start.
func parseContainer(data []byte) ([]KernelSymbol, int, error) {
	var (
		symbols []KernelSymbol
		opaque  int
	)
	offset := uint64(0)
	for offset < uint64(len(data)) {
		if offset+regionHeaderSize > uint64(len(data)) {
			if allZero(data[offset:]) {
				break
			}
			return nil, 0, fmt.Errorf("truncated region header at %#x", offset)
		}
		magic := binary.LittleEndian.Uint32(data[offset : offset+4])
		if magic != regionMagic {
			// Regions are aligned; a zero tail is padding, anything else
			// means the section is not a fat binary we understand.
			if allZero(data[offset:]) {
				break
			}
			return nil, 0, fmt.Errorf("bad region magic %#x at %#x", magic, offset)
		}
		regionSyms, regionOpaque, regionSize, err := parseRegion(data[offset:])
		if err != nil {
			return nil, 0, err
		}
		for _, s := range regionSyms {
			s.ContainerOffset += offset
			symbols = append(symbols, s)
		}
		opaque += regionOpaque
		offset += regionSize
	}
	sort.Slice(symbols, func(i, j int) bool {
		return symbols[i].ContainerOffset < symbols[j].ContainerOffset
	})
	return symbols, opaque, nil
}

// parseRegion decodes one region and the elements it holds. Returned symbol
// offsets are relative to the region start.
func parseRegion(data []byte) ([]KernelSymbol, int, uint64, error) {
	headerSize := uint64(binary.LittleEndian.Uint16(data[6:8]))
	fatSize := binary.LittleEndian.Uint64(data[8:16])
	regionSize := headerSize + fatSize
	if regionSize < headerSize || regionSize > uint64(len(data)) {
		return nil, 0, 0, fmt.Errorf("region size %d exceeds section bounds", regionSize)
	}

	var (
		symbols []KernelSymbol
		opaque  int
	)
	elemOff := headerSize
	for elemOff < regionSize {
		if elemOff+elementHeaderMin > regionSize {
			return nil, 0, 0, fmt.Errorf("truncated element header at %#x", elemOff)
		}
		hdr := data[elemOff:]
		kind := binary.LittleEndian.Uint16(hdr[0:2])
		payloadOff := uint64(binary.LittleEndian.Uint32(hdr[4:8]))
		payloadSize := binary.LittleEndian.Uint64(hdr[8:16])
		flags := binary.LittleEndian.Uint64(hdr[16:24])
		arch := binary.LittleEndian.Uint32(hdr[28:32])

		start := elemOff + payloadOff
		end := start + payloadSize
		if end < start || end > regionSize {
			return nil, 0, 0, fmt.Errorf("element payload [%#x, %#x) exceeds region bounds", start, end)
		}
		// The next element starts at the payload end; an element that
		// does not advance would loop forever.
		if end <= elemOff {
			return nil, 0, 0, fmt.Errorf("zero-size element at %#x", elemOff)
		}

		if kind == elementKindCubin && flags&elementFlagCompressed == 0 {
			elemSyms, err := cubinSymbols(data[start:end], fmt.Sprintf("sm_%d", arch))
			if err != nil {
				// A cubin we cannot read stays intact rather than failing
				// the whole library.
				opaque++
			} else {
				for _, s := range elemSyms {
					s.ContainerOffset += start
					symbols = append(symbols, s)
				}
			}
		} else {
			opaque++
		}

		elemOff = end
	}
	return symbols, opaque, regionSize, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
