package elf

import (
	"debug/elf"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/util"
)

type OutputSection struct {
	Name    string
	Type    elf.SectionType
	Flags   elf.SectionFlag
	Align   uint64
	Entsize uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	Index   int

	Link *OutputSection
	Info uint32
	// InfoOut is the section a relocation section applies to.
	InfoOut *OutputSection

	Members []*InputSection
	commons []SymID

	data      []byte
	synthetic bool
	order     int
	rank      int
	symIndx   int
	nameOff   uint32

	// relocation section written for this one with -r or -q
	relSec *OutputSection
	rels   []obj.Reloc
}

func (o *OutputSection) IsAlloc() bool {
	return o.Flags&elf.SHF_ALLOC != 0
}

func (o *OutputSection) HasContents() bool {
	return o.Type != elf.SHT_NOBITS
}

type synthSections struct {
	interp, hash, dynsym, dynstr    *OutputSection
	versym, verdef, verneed, relDyn *OutputSection
	plt, got, dynamic, bss          *OutputSection
	symtab, strtab, shstrtab        *OutputSection
}

var foldPrefixes = []struct{ prefix, out string }{
	{".text.", ".text"},
	{".gnu.linkonce.t.", ".text"},
	{".rodata.", ".rodata"},
	{".gnu.linkonce.r.", ".rodata"},
	{".data.", ".data"},
	{".gnu.linkonce.d.", ".data"},
	{".bss.", ".bss"},
	{".gnu.linkonce.b.", ".bss"},
	{".init_array.", ".init_array"},
	{".fini_array.", ".fini_array"},
	{".ctors.", ".ctors"},
	{".dtors.", ".dtors"},
}

// outputName folds input section names into the conventional output
// sections. Relocatable output keeps the input names.
func (st *LinkState) outputName(s *InputSection) string {
	if st.isRelocatable() {
		return s.Name
	}
	for _, fp := range foldPrefixes {
		if strings.HasPrefix(s.Name, fp.prefix) {
			return fp.out
		}
	}
	return s.Name
}

// stripped reports input sections left out of the output entirely.
func (st *LinkState) stripped(s *InputSection) bool {
	return (st.cfg.StripDebug || st.cfg.StripAll) && s.IsDebug()
}

func (st *LinkState) newOutput(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64) *OutputSection {
	out := &OutputSection{
		Name:  name,
		Type:  typ,
		Flags: flags,
		Align: util.Max(align, 1),
		order: len(st.outs),
	}
	st.outs = append(st.outs, out)
	return out
}

func (st *LinkState) synthetic(name string, typ elf.SectionType, flags elf.SectionFlag, align, entsize uint64, size uint64) *OutputSection {
	out := st.newOutput(name, typ, flags, align)
	out.synthetic = true
	out.Entsize = entsize
	out.Size = size
	return out
}

func (st *LinkState) findOutput(name string) *OutputSection {
	for _, o := range st.outs {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// lastAlloc returns the last allocated section with file contents, or the
// last allocated one at all.
func (st *LinkState) lastAlloc(contents bool) *OutputSection {
	var last *OutputSection
	for _, o := range st.outs {
		if o.IsAlloc() && (!contents || o.HasContents()) {
			last = o
		}
	}
	return last
}

// buildOutputs groups the surviving input sections into output sections
// and adds the sections the linker synthesizes.
func (st *LinkState) buildOutputs() (err error) {
	byName := map[string]*OutputSection{}
	for _, f := range st.files {
		if f.Dynamic {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || s.Discarded || st.stripped(s) {
				continue
			}
			name := st.outputName(s)
			out := byName[name]
			flags := s.Hdr.Flags &^ (elf.SHF_GROUP | elf.SHF_MERGE | elf.SHF_STRINGS | obj.ShfGnuRetain)
			if out == nil {
				out = st.newOutput(name, s.Hdr.Type, flags, s.Align())
				out.Entsize = s.Hdr.Entsize
				byName[name] = out
			} else {
				if out.Type == elf.SHT_NOBITS && s.Hdr.Type != elf.SHT_NOBITS {
					out.Type = s.Hdr.Type
				}
				out.Flags |= flags
				out.Align = util.Max(out.Align, s.Align())
				if out.Entsize != s.Hdr.Entsize {
					out.Entsize = 0
				}
			}
			out.Members = append(out.Members, s)
			s.Out = out
		}
	}
	if st.isRelocatable() {
		for _, out := range st.outs {
			out.Flags |= st.keepMergeFlags(out)
		}
	}

	if !st.isRelocatable() {
		st.syms.Each(func(id SymID, g *GlobalSym) {
			if g.Res != ResCommon {
				return
			}
			if st.sec.bss == nil {
				st.sec.bss = byName[".bss"]
			}
			if st.sec.bss == nil {
				st.sec.bss = st.newOutput(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 1)
				byName[".bss"] = st.sec.bss
			}
			st.sec.bss.commons = append(st.sec.bss.commons, id)
			st.sec.bss.Align = util.Max(st.sec.bss.Align, g.Align)
		})
	}
	for _, out := range st.outs {
		if err = st.buildMerged(out); err != nil {
			return
		}
	}
	st.addSynthetic()

	if st.emitRelocs() {
		st.addRelocSections()
	}
	if !st.stripSymtab() {
		word := uint64(obj.WordSize(st.Class))
		st.sec.symtab = st.synthetic(".symtab", elf.SHT_SYMTAB, 0, word, uint64(obj.SymSize(st.Class)), 0)
		st.sec.strtab = st.synthetic(".strtab", elf.SHT_STRTAB, 0, 1, 0, 0)
		st.sec.symtab.Link = st.sec.strtab
	}
	st.sec.shstrtab = st.synthetic(".shstrtab", elf.SHT_STRTAB, 0, 1, 0, 0)

	for _, out := range st.outs {
		out.rank = st.rank(out)
	}
	slices.SortStableFunc(st.outs, func(a, b *OutputSection) bool {
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.order < b.order
	})
	for i, out := range st.outs {
		out.Index = i + 1
	}
	return nil
}

// keepMergeFlags keeps SHF_MERGE/SHF_STRINGS on relocatable output when
// every member agrees.
func (st *LinkState) keepMergeFlags(out *OutputSection) elf.SectionFlag {
	if len(out.Members) == 0 {
		return 0
	}
	want := out.Members[0].Hdr.Flags & (elf.SHF_MERGE | elf.SHF_STRINGS)
	for _, s := range out.Members {
		if s.Hdr.Flags&(elf.SHF_MERGE|elf.SHF_STRINGS) != want || s.Hdr.Entsize != out.Entsize {
			return 0
		}
	}
	return want
}

// stripSymtab reports that no .symtab is written.
func (st *LinkState) stripSymtab() bool {
	return st.cfg.StripAll && !st.emitRelocs()
}

// addSynthetic creates the dynamic linking sections sized earlier.
func (st *LinkState) addSynthetic() {
	if st.isRelocatable() {
		return
	}
	word := uint64(obj.WordSize(st.Class))
	if st.isDynamic() {
		if !st.isShared() {
			interp := st.interpreter()
			st.sec.interp = st.synthetic(".interp", elf.SHT_PROGBITS, elf.SHF_ALLOC, 1, 0, uint64(len(interp)+1))
			st.sec.interp.data = append([]byte(interp), 0)
		}
		symsize := uint64(obj.SymSize(st.Class))
		nsyms := uint64(len(st.dynsyms) + 1)
		st.sec.hash = st.synthetic(".hash", elf.SHT_HASH, elf.SHF_ALLOC, 4, 4, uint64(2+int(st.nbucket)+len(st.dynsyms)+1)*4)
		st.sec.dynsym = st.synthetic(".dynsym", elf.SHT_DYNSYM, elf.SHF_ALLOC, word, symsize, nsyms*symsize)
		st.sec.dynstr = st.synthetic(".dynstr", elf.SHT_STRTAB, elf.SHF_ALLOC, 1, 0, st.dynstr.Len())
		st.sec.hash.Link = st.sec.dynsym
		st.sec.dynsym.Link = st.sec.dynstr
		st.sec.dynsym.Info = 1
		if st.hasVersions() {
			st.sec.versym = st.synthetic(".gnu.version", elf.SHT_GNU_VERSYM, elf.SHF_ALLOC, 2, 2, nsyms*2)
			st.sec.versym.Link = st.sec.dynsym
		}
		if st.hasVerdefs() {
			defs := st.verdefs()
			st.sec.verdef = st.synthetic(".gnu.version_d", elf.SHT_GNU_VERDEF, elf.SHF_ALLOC, word, 0, obj.VerdefSize(defs))
			st.sec.verdef.Link = st.sec.dynstr
			st.sec.verdef.Info = uint32(len(defs))
		}
		if len(st.verneed) > 0 {
			st.sec.verneed = st.synthetic(".gnu.version_r", elf.SHT_GNU_VERNEED, elf.SHF_ALLOC, word, 0, obj.VerneedSize(st.verneedOut()))
			st.sec.verneed.Link = st.sec.dynstr
			st.sec.verneed.Info = uint32(len(st.verneed))
		}
		if st.relDynCount > 0 {
			name, typ := ".rel.dyn", elf.SHT_REL
			if st.be.UseRela() {
				name, typ = ".rela.dyn", elf.SHT_RELA
			}
			relsize := uint64(obj.RelSize(st.Class, st.be.UseRela()))
			st.sec.relDyn = st.synthetic(name, typ, elf.SHF_ALLOC, word, relsize, uint64(st.relDynCount)*relsize)
			st.sec.relDyn.Link = st.sec.dynsym
		}
		dynsize := uint64(obj.DynSize(st.Class))
		st.sec.dynamic = st.synthetic(".dynamic", elf.SHT_DYNAMIC, elf.SHF_ALLOC|elf.SHF_WRITE, word, dynsize, uint64(len(st.dynamicTags()))*dynsize)
		st.sec.dynamic.Link = st.sec.dynstr
	}
	if len(st.pltSyms) > 0 {
		size := uint64(len(st.pltSyms)) * st.be.PLTEntrySize()
		st.sec.plt = st.synthetic(".plt", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, st.be.PLTEntrySize(), size)
		st.sec.plt.data = make([]byte, size)
	}
	if len(st.gotSlots) > 0 || st.gotReferenced() {
		size := uint64(len(st.gotSlots)) * word
		st.sec.got = st.synthetic(".got", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, word, word, size)
		st.sec.got.data = make([]byte, size)
	}
}

func (st *LinkState) gotReferenced() bool {
	g, ok := st.Lookup("_GLOBAL_OFFSET_TABLE_")
	return ok && g.Has(LinkerDefined)
}

func (st *LinkState) interpreter() string {
	if st.cfg.DynamicLinker != "" {
		return st.cfg.DynamicLinker
	}
	return st.be.DynamicLinker()
}

// addRelocSections creates .rela<name>/.rel<name> for every output
// section some relocation is emitted for.
func (st *LinkState) addRelocSections() {
	rela := st.be.UseRela()
	relsize := uint64(obj.RelSize(st.Class, rela))
	word := uint64(obj.WordSize(st.Class))
	for _, out := range append([]*OutputSection(nil), st.outs...) {
		n := 0
		for _, s := range out.Members {
			n += len(s.Relocs)
		}
		if n == 0 {
			continue
		}
		name, typ := ".rel"+out.Name, elf.SHT_REL
		if rela {
			name, typ = ".rela"+out.Name, elf.SHT_RELA
		}
		rs := st.synthetic(name, typ, elf.SHF_INFO_LINK, word, relsize, uint64(n)*relsize)
		rs.InfoOut = out
		out.relSec = rs
	}
}

// rank orders output sections: read-only dynamic metadata, code, read-only
// data, writable data, bss, then non-allocated sections.
func (st *LinkState) rank(o *OutputSection) int {
	if st.isRelocatable() {
		switch {
		case o == st.sec.symtab:
			return 120
		case o == st.sec.strtab:
			return 121
		case o == st.sec.shstrtab:
			return 122
		case o.Type == elf.SHT_REL || o.Type == elf.SHT_RELA:
			return 110
		}
		return 0
	}
	switch o {
	case st.sec.interp:
		return 1
	case st.sec.hash:
		return 2
	case st.sec.dynsym:
		return 3
	case st.sec.dynstr:
		return 4
	case st.sec.versym:
		return 5
	case st.sec.verdef:
		return 6
	case st.sec.verneed:
		return 7
	case st.sec.relDyn:
		return 8
	case st.sec.plt:
		return 11
	case st.sec.dynamic:
		return 35
	case st.sec.got:
		return 36
	case st.sec.symtab:
		return 120
	case st.sec.strtab:
		return 121
	case st.sec.shstrtab:
		return 122
	}
	switch {
	case !o.IsAlloc() && (o.Type == elf.SHT_REL || o.Type == elf.SHT_RELA):
		return 110
	case !o.IsAlloc():
		return 100
	case o.Flags&elf.SHF_EXECINSTR != 0:
		switch o.Name {
		case ".init":
			return 10
		case ".text":
			return 12
		case ".fini":
			return 13
		}
		return 14
	case o.Flags&elf.SHF_WRITE == 0:
		switch o.Name {
		case ".rodata":
			return 20
		case ".eh_frame":
			return 21
		}
		return 22
	case o.Type == elf.SHT_NOBITS:
		if o.Name == ".bss" {
			return 50
		}
		return 51
	}
	switch o.Name {
	case ".preinit_array":
		return 30
	case ".init_array":
		return 31
	case ".fini_array":
		return 32
	case ".ctors":
		return 33
	case ".dtors":
		return 34
	case ".data":
		return 40
	}
	return 41
}

func (st *LinkState) baseAddr() uint64 {
	if st.isRelocatable() || st.isShared() {
		return 0
	}
	return st.be.BaseAddr()
}

// layoutMembers places the input sections, merge pools and common symbols
// of an output section and sets its size.
func (st *LinkState) layoutMembers(out *OutputSection) {
	if out.synthetic {
		return
	}
	var off uint64
	for _, s := range out.Members {
		if s.merged != nil {
			g := s.merged.group
			if !g.placed {
				off = util.AlignTo(off, g.align)
				g.offset = off
				g.placed = true
				off += uint64(len(g.data))
			}
			s.Offset = 0
			continue
		}
		off = util.AlignTo(off, s.Align())
		s.Offset = off
		off += s.Size()
	}
	for _, id := range out.commons {
		g := st.syms.Get(id)
		off = util.AlignTo(off, util.Max(g.Align, 1))
		g.Out = out
		g.Value = off
		off += g.Size
	}
	out.Size = off
}

// planPhdrs decides the program headers of the output.
func (st *LinkState) planPhdrs() {
	st.phdrs = nil
	if st.isRelocatable() {
		return
	}
	add := func(t elf.ProgType, flags elf.ProgFlag) {
		st.phdrs = append(st.phdrs, obj.ProgHeader{Type: t, Flags: flags})
	}
	if st.isDynamic() {
		add(elf.PT_PHDR, elf.PF_R)
	}
	if st.sec.interp != nil {
		add(elf.PT_INTERP, elf.PF_R)
	}
	add(elf.PT_LOAD, elf.PF_R|elf.PF_X)
	for _, o := range st.outs {
		if o.IsAlloc() && o.Flags&elf.SHF_WRITE != 0 {
			add(elf.PT_LOAD, elf.PF_R|elf.PF_W)
			break
		}
	}
	if st.sec.dynamic != nil {
		add(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W)
	}
	add(elf.PT_GNU_STACK, elf.PF_R|elf.PF_W)
}

// layoutAlloc assigns file offsets and addresses to the allocated
// sections. Read-only and code sections share the first load segment
// with the headers; writable ones go to a second, page aligned one.
func (st *LinkState) layoutAlloc() {
	for _, out := range st.outs {
		st.layoutMembers(out)
	}
	st.planPhdrs()

	page := st.be.PageSize()
	off := uint64(obj.HeaderSize(st.Class) + len(st.phdrs)*obj.PhdrSize(st.Class))
	delta := st.baseAddr()
	rw := false
	end := delta + off
	for _, out := range st.outs {
		if !out.IsAlloc() {
			continue
		}
		if st.isRelocatable() {
			off = util.AlignTo(off, out.Align)
			out.Offset = off
			if out.HasContents() {
				off += out.Size
			}
			continue
		}
		if out.Flags&elf.SHF_WRITE != 0 && !rw {
			rw = true
			// the segment's addresses stay congruent to file offsets
			// modulo the page size
			delta = util.AlignTo(end, page) + off%page - off
		}
		if out.HasContents() {
			off = util.AlignTo(off, out.Align)
			out.Offset = off
			out.Addr = off + delta
			off += out.Size
		} else {
			out.Addr = util.AlignTo(util.Max(end, off+delta), out.Align)
			out.Offset = out.Addr - delta
		}
		end = out.Addr + out.Size
	}
	st.allocEnd = off
}

// layoutTail places the non-allocated sections after the loaded ones and
// returns the section header table offset.
func (st *LinkState) layoutTail() (shoff uint64) {
	off := st.allocEnd
	for _, out := range st.outs {
		if out.IsAlloc() {
			continue
		}
		off = util.AlignTo(off, out.Align)
		out.Offset = off
		if out.HasContents() {
			off += out.Size
		}
	}
	return util.AlignTo(off, uint64(obj.WordSize(st.Class)))
}

// finishPhdrs fills in the program headers from the final layout.
func (st *LinkState) finishPhdrs() {
	var rx, rwFirst, rwLast *OutputSection
	for _, o := range st.outs {
		if !o.IsAlloc() {
			continue
		}
		if o.Flags&elf.SHF_WRITE == 0 {
			rx = o
			continue
		}
		if rwFirst == nil {
			rwFirst = o
		}
		rwLast = o
	}
	base := st.baseAddr()
	page := st.be.PageSize()
	hdrEnd := uint64(obj.HeaderSize(st.Class) + len(st.phdrs)*obj.PhdrSize(st.Class))
	loads := 0
	for i := range st.phdrs {
		ph := &st.phdrs[i]
		switch ph.Type {
		case elf.PT_PHDR:
			ph.Off = uint64(obj.HeaderSize(st.Class))
			ph.Vaddr = base + ph.Off
			ph.Filesz = uint64(len(st.phdrs) * obj.PhdrSize(st.Class))
			ph.Memsz = ph.Filesz
			ph.Align = uint64(obj.WordSize(st.Class))
		case elf.PT_INTERP:
			st.phdrForSection(ph, st.sec.interp)
		case elf.PT_DYNAMIC:
			st.phdrForSection(ph, st.sec.dynamic)
		case elf.PT_LOAD:
			ph.Align = page
			if loads == 0 {
				ph.Off = 0
				ph.Vaddr = base
				ph.Filesz = hdrEnd
				if rx != nil {
					ph.Filesz = rx.Offset + rx.Size
				}
				ph.Memsz = ph.Filesz
			} else if rwFirst != nil {
				ph.Off = rwFirst.Offset
				ph.Vaddr = rwFirst.Addr
				memEnd := rwLast.Addr + rwLast.Size
				fileEnd := rwFirst.Offset
				for _, o := range st.outs {
					if o.IsAlloc() && o.Flags&elf.SHF_WRITE != 0 && o.HasContents() {
						fileEnd = o.Offset + o.Size
					}
				}
				ph.Filesz = fileEnd - rwFirst.Offset
				ph.Memsz = memEnd - rwFirst.Addr
			}
			loads++
		case elf.PT_GNU_STACK:
			ph.Align = 16
		}
	}
}

func (st *LinkState) phdrForSection(ph *obj.ProgHeader, o *OutputSection) {
	ph.Off = o.Offset
	ph.Vaddr = o.Addr
	ph.Filesz = o.Size
	ph.Memsz = o.Size
	ph.Align = o.Align
}
