package fatbin

import (
	"bytes"
	"debug/elf"
	"errors"
	"strings"
)

// cubinSymbols enumerates kernel entry points in a cubin, itself an ELF
// object. Kernels live in dedicated .text.<name> progbits sections; the
// returned offsets are relative to the cubin image start.
func cubinSymbols(payload []byte, arch string) ([]KernelSymbol, error) {
	cubin, err := elf.NewFile(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	syms, err := cubin.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, err
	}

	var out []KernelSymbol
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		if sym.Section == elf.SHN_UNDEF || int(sym.Section) >= len(cubin.Sections) {
			continue
		}
		sect := cubin.Sections[sym.Section]
		if sect.Type != elf.SHT_PROGBITS || !strings.HasPrefix(sect.Name, ".text") {
			continue
		}
		if sym.Value < sect.Addr {
			continue
		}
		offset := sect.Offset + (sym.Value - sect.Addr)
		// A corrupt symbol table must not yield ranges outside the cubin
		// image; such bytes stay intact.
		if offset+sym.Size < offset || offset+sym.Size > uint64(len(payload)) {
			continue
		}
		out = append(out, KernelSymbol{
			Name:            sym.Name,
			ContainerOffset: offset,
			Size:            sym.Size,
			Arch:            arch,
		})
	}
	return out, nil
}
