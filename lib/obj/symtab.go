package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

func SymSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return elf.Sym64Size
	}
	return elf.Sym32Size
}

// DecodeSymbols decodes a raw .symtab/.dynsym image. Names are resolved
// against strtab; an out of range name offset yields an empty name.
func DecodeSymbols(raw []byte, class elf.Class, order binary.ByteOrder, strtab []byte) (syms []Symbol, err error) {
	sz := SymSize(class)
	if len(raw)%sz != 0 {
		err = fmt.Errorf("%w: symbol table size %d is not a multiple of %d", ErrMalformed, len(raw), sz)
		return
	}
	n := len(raw) / sz
	syms = make([]Symbol, n)
	r := bytes.NewReader(raw)
	for i := range syms {
		var (
			name  uint32
			info  uint8
			other uint8
			shndx uint16
		)
		s := &syms[i]
		switch class {
		case elf.ELFCLASS64:
			var e elf.Sym64
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			name, info, other, shndx = e.Name, e.Info, e.Other, e.Shndx
			s.Value, s.Size = e.Value, e.Size
		default:
			var e elf.Sym32
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			name, info, other, shndx = e.Name, e.Info, e.Other, e.Shndx
			s.Value, s.Size = uint64(e.Value), uint64(e.Size)
		}
		s.Name = cstring(strtab, name)
		s.Bind = elf.ST_BIND(info)
		s.Type = elf.ST_TYPE(info)
		s.Other = other
		s.Visibility = elf.ST_VISIBILITY(other)
		s.Shndx = elf.SectionIndex(shndx)
	}
	return
}

// WriteSymbol encodes one symbol record. name is the string table offset
// of the symbol's name.
func WriteSymbol(buf *bytes.Buffer, class elf.Class, order binary.ByteOrder, name uint32, s *Symbol) {
	info := elf.ST_INFO(s.Bind, s.Type)
	other := s.Other&^0x3 | uint8(s.Visibility)
	switch class {
	case elf.ELFCLASS64:
		binary.Write(buf, order, elf.Sym64{
			Name:  name,
			Info:  info,
			Other: other,
			Shndx: uint16(s.Shndx),
			Value: s.Value,
			Size:  s.Size,
		})
	default:
		binary.Write(buf, order, elf.Sym32{
			Name:  name,
			Value: uint32(s.Value),
			Size:  uint32(s.Size),
			Info:  info,
			Other: other,
			Shndx: uint16(s.Shndx),
		})
	}
}

func cstring(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return string(b[off:])
	}
	return string(b[off : int(off)+end])
}
