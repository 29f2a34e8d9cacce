package fatbin

import (
	"bytes"
	"debug/elf"
	"fmt"
)

// elfView is a light-weight view over an ELF image held in memory. Only the
// file header and section table are retained; section payloads are sliced
// out of the original image on demand.
type elfView struct {
	elf.FileHeader
	sections []elf.SectionHeader
	data     []byte
}

func newElfView(data []byte) (*elfView, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	v := &elfView{FileHeader: ef.FileHeader, data: data}
	v.sections = make([]elf.SectionHeader, 0, len(ef.Sections))
	for i := range ef.Sections {
		v.sections = append(v.sections, ef.Sections[i].SectionHeader)
	}
	return v, nil
}

func (v *elfView) section(name string) *elf.SectionHeader {
	for i := range v.sections {
		s := &v.sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (v *elfView) sectionData(s *elf.SectionHeader) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("section %s has no file contents", s.Name)
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(v.data)) {
		return nil, fmt.Errorf("section %s exceeds file bounds", s.Name)
	}
	return v.data[s.Offset:end], nil
}
