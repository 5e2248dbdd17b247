package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

func relInfo32(info uint32) (symNo uint32, typ uint32) {
	return info >> 8, info & 0xff
}

func relaInfo64(info uint64) (symNo uint32, typ uint32) {
	return uint32(info >> 32), uint32(info & 0xffffffff)
}

// RelSize is the record size of a REL or RELA entry for class.
func RelSize(class elf.Class, rela bool) int {
	switch {
	case class == elf.ELFCLASS64 && rela:
		return 24
	case class == elf.ELFCLASS64:
		return 16
	case rela:
		return 12
	}
	return 8
}

func DecodeRelocs(raw []byte, class elf.Class, order binary.ByteOrder, rela bool) (rels []Reloc, err error) {
	sz := RelSize(class, rela)
	if len(raw)%sz != 0 {
		err = fmt.Errorf("%w: relocation section size %d is not a multiple of %d", ErrMalformed, len(raw), sz)
		return
	}
	rels = make([]Reloc, len(raw)/sz)
	r := bytes.NewReader(raw)
	for i := range rels {
		rel := &rels[i]
		switch {
		case class == elf.ELFCLASS64 && rela:
			var e elf.Rela64
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			rel.Offset, rel.Addend = e.Off, e.Addend
			rel.Sym, rel.Type = relaInfo64(e.Info)
		case class == elf.ELFCLASS64:
			var e elf.Rel64
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			rel.Offset = e.Off
			rel.Sym, rel.Type = relaInfo64(e.Info)
		case rela:
			var e elf.Rela32
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			rel.Offset, rel.Addend = uint64(e.Off), int64(e.Addend)
			rel.Sym, rel.Type = relInfo32(e.Info)
		default:
			var e elf.Rel32
			if err = binary.Read(r, order, &e); err != nil {
				return
			}
			rel.Offset = uint64(e.Off)
			rel.Sym, rel.Type = relInfo32(e.Info)
		}
	}
	return
}

func WriteReloc(buf *bytes.Buffer, class elf.Class, order binary.ByteOrder, rela bool, r *Reloc) {
	switch {
	case class == elf.ELFCLASS64 && rela:
		binary.Write(buf, order, elf.Rela64{Off: r.Offset, Info: elf.R_INFO(r.Sym, r.Type), Addend: r.Addend})
	case class == elf.ELFCLASS64:
		binary.Write(buf, order, elf.Rel64{Off: r.Offset, Info: elf.R_INFO(r.Sym, r.Type)})
	case rela:
		binary.Write(buf, order, elf.Rela32{Off: uint32(r.Offset), Info: elf.R_INFO32(r.Sym, r.Type), Addend: int32(r.Addend)})
	default:
		binary.Write(buf, order, elf.Rel32{Off: uint32(r.Offset), Info: elf.R_INFO32(r.Sym, r.Type)})
	}
}
