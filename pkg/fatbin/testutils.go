package fatbin

// Builders for synthetic libraries used across tests. Real fixtures would
// pin tests to a CUDA toolchain; these produce the minimal structure the
// parser relies on. Kernel bodies are filled with a caller-chosen byte so
// tests can assert which file ranges were, or were not, touched.

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const emCUDA elf.Machine = 190

// TestKernel describes one kernel to embed in a synthetic cubin.
type TestKernel struct {
	Name string
	Size int
	Fill byte
}

// TestCubin describes one fat-binary element. PTX and Compressed elements
// carry their payload verbatim and expose no symbols.
type TestCubin struct {
	Arch       uint32
	Kernels    []TestKernel
	PTX        bool
	Compressed bool
}

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

// BuildCubin returns an ELF object laid out like toolchain cubins: one
// .text.<name> section per kernel plus a symbol table carrying the sizes.
func BuildCubin(c TestCubin) []byte {
	var secs []testSection
	strtab := bytes.NewBuffer([]byte{0})
	symtab := bytes.NewBuffer(make([]byte, 24)) // null symbol

	le := binary.LittleEndian
	for i, k := range c.Kernels {
		secs = append(secs, testSection{
			name:  ".text." + k.Name,
			typ:   elf.SHT_PROGBITS,
			flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR,
			data:  bytes.Repeat([]byte{k.Fill}, k.Size),
		})
		nameOff := uint32(strtab.Len())
		strtab.WriteString(k.Name)
		strtab.WriteByte(0)

		var ent [24]byte
		le.PutUint32(ent[0:], nameOff)
		ent[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
		le.PutUint16(ent[6:], uint16(1+i)) // section index of its .text
		le.PutUint64(ent[8:], 0)
		le.PutUint64(ent[16:], uint64(k.Size))
		symtab.Write(ent[:])
	}

	n := len(c.Kernels)
	secs = append(secs,
		testSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab.Bytes(), link: uint32(2 + n), info: 1, entsize: 24},
		testSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab.Bytes()},
	)
	return buildTestELF(elf.ET_REL, emCUDA, secs)
}

// BuildFatbin wraps the given cubins into a single fat-binary region.
// Multi-region containers are built by concatenating calls.
func BuildFatbin(cubins ...TestCubin) []byte {
	const elemHeaderSize = 64
	le := binary.LittleEndian

	body := &bytes.Buffer{}
	for _, c := range cubins {
		var payload []byte
		if c.PTX {
			payload = []byte(".version 8.0 // synthetic\n")
		} else {
			payload = BuildCubin(c)
		}
		var hdr [elemHeaderSize]byte
		kind := uint16(elementKindCubin)
		if c.PTX {
			kind = elementKindPTX
		}
		le.PutUint16(hdr[0:], kind)
		le.PutUint16(hdr[2:], 0x0101)
		le.PutUint32(hdr[4:], elemHeaderSize)
		le.PutUint64(hdr[8:], uint64(len(payload)))
		if c.Compressed {
			le.PutUint64(hdr[16:], elementFlagCompressed)
		}
		le.PutUint32(hdr[28:], c.Arch)
		body.Write(hdr[:])
		body.Write(payload)
	}

	out := &bytes.Buffer{}
	var rh [regionHeaderSize]byte
	le.PutUint32(rh[0:], regionMagic)
	le.PutUint16(rh[4:], 1)
	le.PutUint16(rh[6:], regionHeaderSize)
	le.PutUint64(rh[8:], uint64(body.Len()))
	out.Write(rh[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// BuildLibrary embeds a fat binary into a minimal shared-library ELF.
func BuildLibrary(fatbinData []byte) []byte {
	secs := []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: []byte{0xc3}},
		{name: ".nv_fatbin", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: fatbinData},
	}
	return buildTestELF(elf.ET_DYN, elf.EM_X86_64, secs)
}

// BuildPlainLibrary returns an ELF with no device code at all.
func BuildPlainLibrary() []byte {
	secs := []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: []byte{0xc3}},
	}
	return buildTestELF(elf.ET_DYN, elf.EM_X86_64, secs)
}

// buildTestELF assembles a 64-bit little-endian ELF image from the given
// sections. A null section and .shstrtab are added automatically; section
// indices therefore start at 1 in the order given.
func buildTestELF(typ elf.Type, machine elf.Machine, secs []testSection) []byte {
	le := binary.LittleEndian

	shstr := bytes.NewBuffer([]byte{0})
	nameOff := map[string]uint32{"": 0}
	writeName := func(n string) {
		nameOff[n] = uint32(shstr.Len())
		shstr.WriteString(n)
		shstr.WriteByte(0)
	}
	for _, s := range secs {
		writeName(s.name)
	}
	writeName(".shstrtab")

	all := append(append([]testSection{}, secs...), testSection{
		name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstr.Bytes(),
	})

	const ehSize = 64
	const shentSize = 64
	offsets := make([]uint64, len(all))
	cur := uint64(ehSize)
	for i := range all {
		cur = (cur + 7) &^ 7
		offsets[i] = cur
		cur += uint64(len(all[i].data))
	}
	shoff := (cur + 7) &^ 7

	buf := make([]byte, shoff+uint64(shentSize)*uint64(len(all)+1))
	copy(buf[0:4], "\x7fELF")
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)
	le.PutUint16(buf[16:], uint16(typ))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], ehSize)
	le.PutUint16(buf[58:], shentSize)
	le.PutUint16(buf[60:], uint16(len(all)+1))
	le.PutUint16(buf[62:], uint16(len(all))) // .shstrtab header index

	for i := range all {
		copy(buf[offsets[i]:], all[i].data)
	}
	for i := range all {
		h := buf[shoff+uint64(shentSize)*uint64(i+1):]
		le.PutUint32(h[0:], nameOff[all[i].name])
		le.PutUint32(h[4:], uint32(all[i].typ))
		le.PutUint64(h[8:], uint64(all[i].flags))
		le.PutUint64(h[24:], offsets[i])
		le.PutUint64(h[32:], uint64(len(all[i].data)))
		le.PutUint32(h[40:], all[i].link)
		le.PutUint32(h[44:], all[i].info)
		le.PutUint64(h[48:], 1)
		le.PutUint64(h[56:], all[i].entsize)
	}
	return buf
}
