// Package objtest assembles small ELF relocatable and shared objects in
// memory for tests.
package objtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ii64/elflink/lib/obj"
)

type Sym struct {
	Local bool
	N     int
}

type sym struct {
	name    string
	value   uint64
	size    uint64
	bind    elf.SymBind
	typ     elf.SymType
	vis     elf.SymVis
	shndx   elf.SectionIndex
	version uint16
	hidden  bool
}

type rel struct {
	off    uint64
	sym    Sym
	typ    uint32
	addend int64
}

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	size    uint64
	align   uint64
	entsize uint64
	relocs  []rel

	groupSig *Sym
	members  []int
}

type Builder struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type
	Soname  string
	Needed  []string

	secs     []*section
	locals   []sym
	globals  []sym
	versions []string
}

func New(class elf.Class, machine elf.Machine) *Builder {
	return &Builder{
		Class:   class,
		Data:    elf.ELFDATA2LSB,
		Machine: machine,
		Type:    elf.ET_REL,
	}
}

func NewShared(class elf.Class, machine elf.Machine, soname string) *Builder {
	b := New(class, machine)
	b.Type = elf.ET_DYN
	b.Soname = soname
	return b
}

func (b *Builder) order() binary.ByteOrder {
	return obj.ByteOrderOf(b.Data)
}

func (b *Builder) rela() bool {
	return b.Machine != elf.EM_386
}

// Section adds a section and returns its header index.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte) int {
	s := &section{name: name, typ: typ, flags: flags, data: data, size: uint64(len(data)), align: 1}
	if flags&elf.SHF_EXECINSTR != 0 {
		s.align = 16
	} else if flags&elf.SHF_ALLOC != 0 {
		s.align = 8
	}
	b.secs = append(b.secs, s)
	return len(b.secs)
}

func (b *Builder) Text(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, data)
}

func (b *Builder) RoData(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC, data)
}

func (b *Builder) DataSection(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, data)
}

func (b *Builder) Bss(name string, size uint64) int {
	idx := b.Section(name, elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, nil)
	b.secs[idx-1].size = size
	return idx
}

// Debug adds a non-allocated .debug_* style section.
func (b *Builder) Debug(name string, data []byte) int {
	return b.Section(name, elf.SHT_PROGBITS, 0, data)
}

func (b *Builder) SetAlign(sec int, align uint64) {
	b.secs[sec-1].align = align
}

func (b *Builder) SetEntsize(sec int, entsize uint64) {
	b.secs[sec-1].entsize = entsize
}

func (b *Builder) Local(name string, sec int, value, size uint64, typ elf.SymType) Sym {
	b.locals = append(b.locals, sym{name: name, value: value, size: size, bind: elf.STB_LOCAL, typ: typ, shndx: elf.SectionIndex(sec)})
	return Sym{Local: true, N: len(b.locals) - 1}
}

func (b *Builder) SectionSym(sec int) Sym {
	return b.Local("", sec, 0, 0, elf.STT_SECTION)
}

func (b *Builder) Global(name string, sec int, value, size uint64, bind elf.SymBind, typ elf.SymType) Sym {
	b.globals = append(b.globals, sym{name: name, value: value, size: size, bind: bind, typ: typ, shndx: elf.SectionIndex(sec), version: obj.VerNdxGlobal})
	return Sym{N: len(b.globals) - 1}
}

func (b *Builder) Undef(name string, bind elf.SymBind) Sym {
	return b.Global(name, 0, 0, 0, bind, elf.STT_NOTYPE)
}

// Common adds a SHN_COMMON symbol; the alignment lives in st_value.
func (b *Builder) Common(name string, size, align uint64) Sym {
	b.globals = append(b.globals, sym{name: name, value: align, size: size, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, shndx: elf.SHN_COMMON, version: obj.VerNdxGlobal})
	return Sym{N: len(b.globals) - 1}
}

func (b *Builder) Abs(name string, value uint64) Sym {
	b.globals = append(b.globals, sym{name: name, value: value, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE, shndx: elf.SHN_ABS, version: obj.VerNdxGlobal})
	return Sym{N: len(b.globals) - 1}
}

func (b *Builder) sym(s Sym) *sym {
	if s.Local {
		return &b.locals[s.N]
	}
	return &b.globals[s.N]
}

func (b *Builder) SetVisibility(s Sym, v elf.SymVis) {
	b.sym(s).vis = v
}

// Version declares a version definition of a shared object and returns
// its .gnu.version index.
func (b *Builder) Version(name string) uint16 {
	b.versions = append(b.versions, name)
	return uint16(len(b.versions) + 1)
}

func (b *Builder) SetVersion(s Sym, idx uint16, hidden bool) {
	p := b.sym(s)
	p.version, p.hidden = idx, hidden
}

func (b *Builder) Reloc(sec int, off uint64, s Sym, typ uint32, addend int64) {
	sc := b.secs[sec-1]
	sc.relocs = append(sc.relocs, rel{off: off, sym: s, typ: typ, addend: addend})
}

// Group adds a COMDAT section group keyed by signature.
func (b *Builder) Group(signature Sym, members ...int) int {
	s := &section{name: ".group", typ: elf.SHT_GROUP, align: 4, entsize: 4, members: members, groupSig: &signature}
	b.secs = append(b.secs, s)
	idx := len(b.secs)
	for _, m := range members {
		b.secs[m-1].flags |= elf.SHF_GROUP
	}
	return idx
}

func (b *Builder) symIndex(s Sym) uint32 {
	if s.Local {
		return uint32(1 + s.N)
	}
	if b.Type == elf.ET_DYN {
		return uint32(1 + s.N)
	}
	return uint32(1 + len(b.locals) + s.N)
}

type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

type outSec struct {
	name   string
	hdr    obj.SectionHeader
	data   []byte
	nobits bool
}

// Bytes lays the object out: ELF header, section contents, section
// headers.
func (b *Builder) Bytes() []byte {
	order := b.order()
	dynamic := b.Type == elf.ET_DYN
	str := newStrtab()
	shstr := newStrtab()

	// user sections first so their indices match what Section returned
	var outs []*outSec
	outs = append(outs, &outSec{})
	for _, s := range b.secs {
		o := &outSec{
			name:   s.name,
			data:   s.data,
			nobits: s.typ == elf.SHT_NOBITS,
			hdr: obj.SectionHeader{
				Type:      s.typ,
				Flags:     s.flags,
				Size:      s.size,
				Addralign: s.align,
				Entsize:   s.entsize,
			},
		}
		outs = append(outs, o)
	}
	symtabIdx := len(outs)
	strtabIdx := symtabIdx + 1

	for i, s := range b.secs {
		if s.typ != elf.SHT_GROUP {
			continue
		}
		var buf bytes.Buffer
		binary.Write(&buf, order, uint32(obj.GrpComdat))
		for _, m := range s.members {
			binary.Write(&buf, order, uint32(m))
		}
		o := outs[i+1]
		o.data = buf.Bytes()
		o.hdr.Size = uint64(buf.Len())
		o.hdr.Link = uint32(symtabIdx)
		o.hdr.Info = b.symIndex(*s.groupSig)
	}

	var symbuf bytes.Buffer
	obj.WriteSymbol(&symbuf, b.Class, order, 0, &obj.Symbol{})
	all := b.globals
	if !dynamic {
		all = append(append([]sym{}, b.locals...), b.globals...)
	}
	for _, s := range all {
		o := obj.Symbol{Value: s.value, Size: s.size, Bind: s.bind, Type: s.typ, Visibility: s.vis, Shndx: s.shndx}
		obj.WriteSymbol(&symbuf, b.Class, order, str.add(s.name), &o)
	}
	symName, strName, symType := ".symtab", ".strtab", elf.SHT_SYMTAB
	var symFlags elf.SectionFlag
	if dynamic {
		symName, strName, symType, symFlags = ".dynsym", ".dynstr", elf.SHT_DYNSYM, elf.SHF_ALLOC
	}
	firstGlobal := 1 + len(b.locals)
	if dynamic {
		firstGlobal = 1
	}
	symOut := &outSec{name: symName, data: symbuf.Bytes(), hdr: obj.SectionHeader{
		Type: symType, Flags: symFlags, Size: uint64(symbuf.Len()), Link: uint32(strtabIdx),
		Info: uint32(firstGlobal), Addralign: 8, Entsize: uint64(obj.SymSize(b.Class)),
	}}
	strOut := &outSec{name: strName, hdr: obj.SectionHeader{Type: elf.SHT_STRTAB, Flags: symFlags, Addralign: 1}}
	outs = append(outs, symOut, strOut)

	for i, s := range b.secs {
		if len(s.relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		rela := b.rela()
		for _, r := range s.relocs {
			or := obj.Reloc{Offset: r.off, Sym: b.symIndex(r.sym), Type: r.typ, Addend: r.addend}
			if !rela {
				order.PutUint32(s.data[r.off:], uint32(r.addend))
			}
			obj.WriteReloc(&buf, b.Class, order, rela, &or)
		}
		name, typ := ".rel"+s.name, elf.SHT_REL
		if rela {
			name, typ = ".rela"+s.name, elf.SHT_RELA
		}
		outs = append(outs, &outSec{name: name, data: buf.Bytes(), hdr: obj.SectionHeader{
			Type: typ, Flags: elf.SHF_INFO_LINK, Size: uint64(buf.Len()), Link: uint32(symtabIdx),
			Info: uint32(i + 1), Addralign: 8, Entsize: uint64(obj.RelSize(b.Class, rela)),
		}})
	}

	if dynamic {
		outs = append(outs, b.dynamicSections(order, str, strtabIdx, symtabIdx)...)
	}

	strOut.data = str.buf.Bytes()
	strOut.hdr.Size = uint64(len(strOut.data))

	shstrOut := &outSec{name: ".shstrtab", hdr: obj.SectionHeader{Type: elf.SHT_STRTAB, Addralign: 1}}
	outs = append(outs, shstrOut)
	for _, o := range outs[1:] {
		o.hdr.Name = shstr.add(o.name)
	}
	shstrOut.data = shstr.buf.Bytes()
	shstrOut.hdr.Size = uint64(len(shstrOut.data))

	var body bytes.Buffer
	off := uint64(obj.HeaderSize(b.Class))
	body.Write(make([]byte, off))
	for _, o := range outs[1:] {
		align := o.hdr.Addralign
		if align == 0 {
			align = 1
		}
		for off%align != 0 {
			body.WriteByte(0)
			off++
		}
		o.hdr.Offset = off
		if !o.nobits {
			body.Write(o.data)
			off += uint64(len(o.data))
		}
	}
	for off%8 != 0 {
		body.WriteByte(0)
		off++
	}
	shoff := off
	for _, o := range outs {
		obj.WriteSectionHeader(&body, b.Class, order, &o.hdr)
	}

	var hdr bytes.Buffer
	obj.WriteHeader(&hdr, &obj.FileHeader{
		Class:    b.Class,
		Data:     b.Data,
		Type:     b.Type,
		Machine:  b.Machine,
		Shoff:    shoff,
		Shnum:    len(outs),
		Shstrndx: len(outs) - 1,
	})
	out := body.Bytes()
	copy(out, hdr.Bytes())
	return out
}

func (b *Builder) dynamicSections(order binary.ByteOrder, str *strtab, strtabIdx, symtabIdx int) (outs []*outSec) {
	var dyn bytes.Buffer
	for _, n := range b.Needed {
		obj.WriteDyn(&dyn, b.Class, order, elf.DT_NEEDED, uint64(str.add(n)))
	}
	if b.Soname != "" {
		obj.WriteDyn(&dyn, b.Class, order, elf.DT_SONAME, uint64(str.add(b.Soname)))
	}
	obj.WriteDyn(&dyn, b.Class, order, elf.DT_NULL, 0)
	outs = append(outs, &outSec{name: ".dynamic", data: dyn.Bytes(), hdr: obj.SectionHeader{
		Type: elf.SHT_DYNAMIC, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: uint64(dyn.Len()),
		Link: uint32(strtabIdx), Addralign: 8, Entsize: uint64(obj.DynSize(b.Class)),
	}})

	if len(b.versions) == 0 {
		return
	}
	vs := []uint16{0}
	for _, g := range b.globals {
		v := g.version
		if g.hidden {
			v |= obj.VersymHidden
		}
		vs = append(vs, v)
	}
	versym := obj.EncodeVersym(order, vs)
	outs = append(outs, &outSec{name: ".gnu.version", data: versym, hdr: obj.SectionHeader{
		Type: elf.SHT_GNU_VERSYM, Flags: elf.SHF_ALLOC, Size: uint64(len(versym)),
		Link: uint32(symtabIdx), Addralign: 2, Entsize: 2,
	}})

	defs := []obj.VerdefOut{{Flags: obj.VerFlgBase, Index: 1, Hash: obj.Hash(b.Soname), Names: []uint32{str.add(b.Soname)}}}
	for i, v := range b.versions {
		defs = append(defs, obj.VerdefOut{Index: uint16(i + 2), Hash: obj.Hash(v), Names: []uint32{str.add(v)}})
	}
	verdef := obj.EncodeVerdef(order, defs)
	outs = append(outs, &outSec{name: ".gnu.version_d", data: verdef, hdr: obj.SectionHeader{
		Type: elf.SHT_GNU_VERDEF, Flags: elf.SHF_ALLOC, Size: uint64(len(verdef)),
		Link: uint32(strtabIdx), Info: uint32(len(defs)), Addralign: 4,
	}})
	return
}

// Object decodes the built bytes.
func (b *Builder) Object(path string) (*obj.Object, error) {
	return obj.Read(path, b.Bytes())
}
