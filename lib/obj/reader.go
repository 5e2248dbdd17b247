package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

func ReadFile(path string) (o *Object, err error) {
	var data []byte
	data, err = os.ReadFile(path)
	if err != nil {
		return
	}
	return Read(path, data)
}

// Read decodes an ELF relocatable or shared object from data. When the
// file is shorter than its headers claim, Read returns the Object decoded
// so far together with a *TruncatedError.
func Read(path string, data []byte) (o *Object, err error) {
	if len(data) < elf.EI_NIDENT || string(data[:4]) != elf.ELFMAG {
		err = fmt.Errorf("%s: %w: bad ELF magic", path, ErrMalformed)
		return
	}
	o = &Object{
		Path:  path,
		Class: elf.Class(data[elf.EI_CLASS]),
		Data:  elf.Data(data[elf.EI_DATA]),
		OSABI: elf.OSABI(data[elf.EI_OSABI]),
		raw:   data,
	}
	switch o.Data {
	case elf.ELFDATA2LSB, elf.ELFDATA2MSB:
		o.ByteOrder = ByteOrderOf(o.Data)
	default:
		err = fmt.Errorf("%s: %w: unknown data encoding %s", path, ErrMalformed, o.Data)
		return nil, err
	}
	var trunc *TruncatedError
	if trunc, err = o.decode(); err != nil {
		return nil, err
	}
	if trunc != nil {
		o.Truncated = true
		return o, trunc
	}
	return
}

type header struct {
	shoff, shnum, shentsize, shstrndx uint64
}

func (o *Object) decodeHeader() (h header, err error) {
	r := bytes.NewReader(o.raw)
	switch o.Class {
	case elf.ELFCLASS64:
		var eh elf.Header64
		if err = binary.Read(r, o.ByteOrder, &eh); err != nil {
			break
		}
		o.Type, o.Machine, o.Entry, o.Flags = elf.Type(eh.Type), elf.Machine(eh.Machine), eh.Entry, eh.Flags
		h = header{eh.Shoff, uint64(eh.Shnum), uint64(eh.Shentsize), uint64(eh.Shstrndx)}
	case elf.ELFCLASS32:
		var eh elf.Header32
		if err = binary.Read(r, o.ByteOrder, &eh); err != nil {
			break
		}
		o.Type, o.Machine, o.Entry, o.Flags = elf.Type(eh.Type), elf.Machine(eh.Machine), uint64(eh.Entry), eh.Flags
		h = header{uint64(eh.Shoff), uint64(eh.Shnum), uint64(eh.Shentsize), uint64(eh.Shstrndx)}
	default:
		return h, fmt.Errorf("%s: %w: unknown class %s", o.Path, ErrMalformed, o.Class)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w: short ELF header", o.Path, ErrMalformed)
		return
	}
	if h.shnum > 0 && h.shentsize != uint64(ShdrSize(o.Class)) {
		err = fmt.Errorf("%s: %w: section header size %d", o.Path, ErrMalformed, h.shentsize)
	}
	return
}

func (o *Object) decode() (trunc *TruncatedError, err error) {
	var h header
	if h, err = o.decodeHeader(); err != nil {
		return
	}
	size := uint64(len(o.raw))
	if want := h.shoff + h.shnum*h.shentsize; want > size {
		trunc = &TruncatedError{Path: o.Path, What: "section headers", Want: want, Have: size}
		if h.shoff >= size {
			h.shnum = 0
		} else {
			h.shnum = (size - h.shoff) / h.shentsize
		}
	}

	o.Sections = make([]*Section, h.shnum)
	nameOff := make([]uint32, h.shnum)
	r := bytes.NewReader(o.raw)
	for i := range o.Sections {
		s := &Section{Index: i}
		if _, err = r.Seek(int64(h.shoff+uint64(i)*h.shentsize), 0); err != nil {
			return
		}
		if o.Class == elf.ELFCLASS64 {
			var sh elf.Section64
			if err = binary.Read(r, o.ByteOrder, &sh); err != nil {
				return
			}
			s.Type, s.Flags, s.Addr, s.Offset, s.Size = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags), sh.Addr, sh.Off, sh.Size
			s.Link, s.Info, s.Addralign, s.Entsize = sh.Link, sh.Info, sh.Addralign, sh.Entsize
			nameOff[i] = sh.Name
		} else {
			var sh elf.Section32
			if err = binary.Read(r, o.ByteOrder, &sh); err != nil {
				return
			}
			s.Type, s.Flags, s.Addr, s.Offset, s.Size = elf.SectionType(sh.Type), elf.SectionFlag(sh.Flags), uint64(sh.Addr), uint64(sh.Off), uint64(sh.Size)
			s.Link, s.Info, s.Addralign, s.Entsize = sh.Link, sh.Info, uint64(sh.Addralign), uint64(sh.Entsize)
			nameOff[i] = sh.Name
		}
		if s.HasContents() {
			end := s.Offset + s.Size
			if s.Offset > size {
				end = s.Offset
			}
			if end > size {
				if trunc == nil {
					trunc = &TruncatedError{Path: o.Path, What: "section contents", Want: end, Have: size}
				}
				end = size
			}
			if s.Offset <= end {
				s.data = o.raw[s.Offset:end]
			}
		}
		o.Sections[i] = s
	}

	// names are resolved after every header is in, the string table may
	// come last
	var shstr []byte
	if h.shstrndx < uint64(len(o.Sections)) {
		shstr = o.Sections[h.shstrndx].data
	}
	for i, s := range o.Sections {
		s.Name = cstring(shstr, nameOff[i])
	}

	if err = o.decodeSymbols(); err != nil {
		return
	}
	if err = o.decodeRelocs(); err != nil {
		return
	}
	o.decodeGroups()
	if o.IsDynamic() {
		err = o.decodeDynamic()
	}
	return
}

func (o *Object) strtab(link uint32) []byte {
	if int(link) < len(o.Sections) {
		return o.Sections[link].data
	}
	return nil
}

func (o *Object) decodeSymbols() (err error) {
	want := elf.SHT_SYMTAB
	if o.IsDynamic() {
		want = elf.SHT_DYNSYM
	}
	for _, s := range o.Sections {
		if s.Type != want {
			continue
		}
		raw := s.data
		if uint64(len(raw)) < s.Size {
			// keep whole records only
			raw = raw[:len(raw)-len(raw)%SymSize(o.Class)]
		}
		o.Symbols, err = DecodeSymbols(raw, o.Class, o.ByteOrder, o.strtab(s.Link))
		if err != nil {
			return fmt.Errorf("%s: %s: %w", o.Path, s.Name, err)
		}
		o.SymtabIndex = s.Index
		o.FirstGlobal = int(s.Info)
		if o.FirstGlobal > len(o.Symbols) {
			o.FirstGlobal = len(o.Symbols)
		}
		return
	}
	return
}

func (o *Object) decodeRelocs() (err error) {
	for _, s := range o.Sections {
		if s.Type != elf.SHT_REL && s.Type != elf.SHT_RELA {
			continue
		}
		if o.IsDynamic() || int(s.Info) == 0 || int(s.Info) >= len(o.Sections) {
			continue
		}
		raw := s.data
		sz := RelSize(o.Class, s.Type == elf.SHT_RELA)
		if uint64(len(raw)) < s.Size {
			raw = raw[:len(raw)-len(raw)%sz]
		}
		var rels []Reloc
		rels, err = DecodeRelocs(raw, o.Class, o.ByteOrder, s.Type == elf.SHT_RELA)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", o.Path, s.Name, err)
		}
		for _, r := range rels {
			if int(r.Sym) >= len(o.Symbols) {
				return fmt.Errorf("%s: %s: %w: symbol index %d out of range", o.Path, s.Name, ErrMalformed, r.Sym)
			}
		}
		target := o.Sections[s.Info]
		target.Relocs = rels
		target.RelSec = s.Index
	}
	return
}

func (o *Object) decodeGroups() {
	for _, s := range o.Sections {
		if s.Type != elf.SHT_GROUP || len(s.data) < 4 {
			continue
		}
		s.GroupFlags = o.ByteOrder.Uint32(s.data)
		for off := 4; off+4 <= len(s.data); off += 4 {
			idx := int(o.ByteOrder.Uint32(s.data[off:]))
			if idx > 0 && idx < len(o.Sections) {
				s.Members = append(s.Members, idx)
			}
		}
		if int(s.Link) == o.SymtabIndex && int(s.Info) < len(o.Symbols) {
			sym := &o.Symbols[s.Info]
			s.Signature = sym.Name
			if sym.Type == elf.STT_SECTION && int(sym.Shndx) < len(o.Sections) {
				s.Signature = o.Sections[sym.Shndx].Name
			}
		}
	}
}

func (o *Object) decodeDynamic() (err error) {
	for _, s := range o.Sections {
		switch s.Type {
		case elf.SHT_DYNAMIC:
			strtab := o.strtab(s.Link)
			r := bytes.NewReader(s.data)
			for r.Len() >= DynSize(o.Class) {
				var tag elf.DynTag
				var val uint64
				if o.Class == elf.ELFCLASS64 {
					var d elf.Dyn64
					binary.Read(r, o.ByteOrder, &d)
					tag, val = elf.DynTag(d.Tag), d.Val
				} else {
					var d elf.Dyn32
					binary.Read(r, o.ByteOrder, &d)
					tag, val = elf.DynTag(d.Tag), uint64(d.Val)
				}
				switch tag {
				case elf.DT_NULL:
					r.Reset(nil)
				case elf.DT_SONAME:
					o.Soname = cstring(strtab, uint32(val))
				case elf.DT_NEEDED:
					o.Needed = append(o.Needed, cstring(strtab, uint32(val)))
				}
			}
		case elf.SHT_GNU_VERSYM:
			vs := decodeVersym(s.data, o.ByteOrder)
			for i := range o.Symbols {
				if i < len(vs) {
					o.Symbols[i].Version = vs[i] & VersymVersion
					o.Symbols[i].Hidden = vs[i]&VersymHidden != 0
				}
			}
		case elf.SHT_GNU_VERDEF:
			if o.Verdefs, err = decodeVerdef(s.data, s.Info, o.ByteOrder, o.strtab(s.Link)); err != nil {
				return fmt.Errorf("%s: %s: %w", o.Path, s.Name, err)
			}
		case elf.SHT_GNU_VERNEED:
			if o.Verneeds, err = decodeVerneed(s.data, s.Info, o.ByteOrder, o.strtab(s.Link)); err != nil {
				return fmt.Errorf("%s: %s: %w", o.Path, s.Name, err)
			}
		}
	}
	return
}

// SectionData returns the contents of s, re-reading the file if the
// object was released.
func (o *Object) SectionData(s *Section) (data []byte, err error) {
	if o.released {
		if err = o.reload(); err != nil {
			return
		}
	}
	return s.data, nil
}

// Release drops the file image and section contents. Decoded symbols and
// relocations stay. Objects not backed by a file are never released.
func (o *Object) Release() {
	if o.Path == "" || o.released {
		return
	}
	o.raw = nil
	for _, s := range o.Sections {
		s.data = nil
	}
	o.released = true
}

func (o *Object) Released() bool {
	return o.released
}

func (o *Object) reload() (err error) {
	var data []byte
	if data, err = os.ReadFile(o.Path); err != nil {
		return
	}
	size := uint64(len(data))
	for _, s := range o.Sections {
		if !s.HasContents() {
			continue
		}
		if s.Offset+s.Size > size {
			return &TruncatedError{Path: o.Path, What: "section contents", Want: s.Offset + s.Size, Have: size}
		}
		s.data = data[s.Offset : s.Offset+s.Size]
	}
	o.raw = data
	o.released = false
	return
}
