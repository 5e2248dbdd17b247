package elf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"path/filepath"

	"golang.org/x/exp/slices"

	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/util"
)

const (
	dtRelaCount elf.DynTag = 0x6ffffff9 // DT_RELACOUNT
	dtRelCount  elf.DynTag = 0x6ffffffa // DT_RELCOUNT
)

type dynTag struct {
	tag elf.DynTag
	val uint64
}

// sizeDynamicSections fixes everything that determines the size of the
// dynamic sections: the final .dynsym order, DT_NEEDED entries, version
// records, GOT and PLT slots and the dynamic relocation count.
func (st *LinkState) sizeDynamicSections() (err error) {
	if st.isRelocatable() {
		return nil
	}
	dynamic := st.isDynamic()
	if dynamic {
		st.finalizeDynsyms()
		st.collectNeeded()
		st.buildVerneed()
		st.buildDynstr()
		hashes := make([]uint32, len(st.dynsyms))
		for i, id := range st.dynsyms {
			hashes[i] = st.syms.Get(id).Hash
		}
		st.nbucket = bucketCount(hashes, st.cfg.Optimize > 0)
	}

	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect || g.Res == ResNew {
			return
		}
		if g.GotRefs > 0 {
			st.gotEntry(id)
		}
		if g.PltRefs > 0 && st.needsDynamicBinding(g) {
			st.pltEntry(id)
		}
	})

	n := 0
	for _, f := range st.files {
		if f.Dynamic {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || s.Discarded || !s.IsAlloc() {
				continue
			}
			var c int
			if c, err = st.be.CountDynRelocs(st, s); err != nil {
				return
			}
			if c > 0 && s.Hdr.Flags&elf.SHF_WRITE == 0 {
				st.textrel = true
			}
			n += c
		}
	}
	for _, slot := range st.gotSlots {
		if slot.plt {
			n++
			continue
		}
		t := st.slotTarget(slot)
		if t.Dynamic || st.needsRelative(&t) {
			n++
		}
	}
	if n > 0 && !dynamic {
		return fmt.Errorf("link/elf: %d dynamic relocations in static output", n)
	}
	st.relDynCount = n
	return nil
}

// collectNeeded lists the shared objects recorded as DT_NEEDED. With
// as-needed only the ones satisfying a regular reference are kept.
func (st *LinkState) collectNeeded() {
	st.needed = st.needed[:0]
	for _, f := range st.files {
		if f.Dynamic {
			st.needed = append(st.needed, f)
		}
	}
	if st.cfg.AsNeeded {
		st.needed = util.RemoveIf(st.needed, func(f *InputFile) bool { return !f.Used })
	}
}

// outputSoname is the name the output's version base definition carries.
func (st *LinkState) outputSoname() string {
	if st.cfg.Soname != "" {
		return st.cfg.Soname
	}
	return filepath.Base(st.cfg.Output)
}

func (st *LinkState) buildDynstr() {
	st.dynstr = newStrtab()
	for _, f := range st.needed {
		st.dynstr.Add(f.Soname)
	}
	if st.isShared() && st.cfg.Soname != "" {
		st.dynstr.Add(st.cfg.Soname)
	}
	for _, p := range st.cfg.Rpath {
		st.dynstr.Add(p)
	}
	for _, id := range st.dynsyms {
		st.dynstr.Add(st.syms.Get(id).BaseName())
	}
	if st.hasVerdefs() {
		st.dynstr.Add(st.outputSoname())
		for _, n := range st.cfg.VersionScript.Named() {
			st.dynstr.Add(n.Name)
			for _, d := range n.Deps {
				st.dynstr.Add(d)
			}
		}
	}
	for _, vf := range st.verneed {
		st.dynstr.Add(vf.file.Soname)
		for _, a := range vf.aux {
			st.dynstr.Add(a.name)
		}
	}
}

func (st *LinkState) hasVersions() bool {
	return st.hasVerdefs() || len(st.verneed) > 0
}

func (st *LinkState) dynstrOff(s string) uint32 {
	off, _ := st.dynstr.Lookup(s)
	return off
}

// verdefs returns the .gnu.version_d records: the base definition named
// after the output, then one per named version node.
func (st *LinkState) verdefs() (defs []obj.VerdefOut) {
	base := st.outputSoname()
	defs = append(defs, obj.VerdefOut{
		Flags: obj.VerFlgBase,
		Index: 1,
		Hash:  obj.Hash(base),
		Names: []uint32{st.dynstrOff(base)},
	})
	for _, n := range st.cfg.VersionScript.Named() {
		d := obj.VerdefOut{
			Index: uint16(n.Ordinal + 1),
			Hash:  obj.Hash(n.Name),
			Names: []uint32{st.dynstrOff(n.Name)},
		}
		for _, dep := range n.Deps {
			d.Names = append(d.Names, st.dynstrOff(dep))
		}
		defs = append(defs, d)
	}
	return
}

func (st *LinkState) verneedOut() (needs []obj.VerneedOut) {
	for _, vf := range st.verneed {
		vn := obj.VerneedOut{File: st.dynstrOff(vf.file.Soname)}
		for _, a := range vf.aux {
			aux := obj.VernauxOut{
				Hash:  obj.Hash(a.name),
				Other: a.index,
				Name:  st.dynstrOff(a.name),
			}
			if a.weak {
				aux.Flags = obj.VerFlgWeak
			}
			vn.Aux = append(vn.Aux, aux)
		}
		needs = append(needs, vn)
	}
	return
}

func sectionAddr(o *OutputSection) uint64 {
	if o == nil {
		return 0
	}
	return o.Addr
}

// dynamicTags lists the .dynamic entries. The set of tags depends only on
// state fixed at sizing time, so the list has the same length before and
// after layout.
func (st *LinkState) dynamicTags() (tags []dynTag) {
	add := func(tag elf.DynTag, val uint64) {
		tags = append(tags, dynTag{tag, val})
	}
	for _, f := range st.needed {
		add(elf.DT_NEEDED, uint64(st.dynstrOff(f.Soname)))
	}
	if st.isShared() && st.cfg.Soname != "" {
		add(elf.DT_SONAME, uint64(st.dynstrOff(st.cfg.Soname)))
	}
	for _, p := range st.cfg.Rpath {
		add(elf.DT_RUNPATH, uint64(st.dynstrOff(p)))
	}
	if g, ok := st.Lookup(st.initName()); ok && g.DefinedRegularly() {
		add(elf.DT_INIT, st.symValue(g))
	}
	if g, ok := st.Lookup(st.finiName()); ok && g.DefinedRegularly() {
		add(elf.DT_FINI, st.symValue(g))
	}
	arrays := []struct {
		name      string
		addr, siz elf.DynTag
	}{
		{".preinit_array", elf.DT_PREINIT_ARRAY, elf.DT_PREINIT_ARRAYSZ},
		{".init_array", elf.DT_INIT_ARRAY, elf.DT_INIT_ARRAYSZ},
		{".fini_array", elf.DT_FINI_ARRAY, elf.DT_FINI_ARRAYSZ},
	}
	for _, a := range arrays {
		if a.name == ".preinit_array" && st.isShared() {
			continue
		}
		if o := st.findOutput(a.name); o != nil {
			add(a.addr, o.Addr)
			add(a.siz, o.Size)
		}
	}
	add(elf.DT_HASH, sectionAddr(st.sec.hash))
	add(elf.DT_STRTAB, sectionAddr(st.sec.dynstr))
	add(elf.DT_SYMTAB, sectionAddr(st.sec.dynsym))
	add(elf.DT_STRSZ, st.dynstr.Len())
	add(elf.DT_SYMENT, uint64(obj.SymSize(st.Class)))
	if !st.isShared() {
		add(elf.DT_DEBUG, 0)
	}
	if len(st.gotSlots) > 0 || st.gotReferenced() {
		add(elf.DT_PLTGOT, sectionAddr(st.sec.got))
	}
	if st.relDynCount > 0 {
		relsize := uint64(obj.RelSize(st.Class, st.be.UseRela()))
		size := uint64(st.relDynCount) * relsize
		// RELATIVE entries lead the table; the count is only known once
		// sections are relocated, so the tag is always reserved.
		if st.be.UseRela() {
			add(elf.DT_RELA, sectionAddr(st.sec.relDyn))
			add(elf.DT_RELASZ, size)
			add(elf.DT_RELAENT, relsize)
			add(dtRelaCount, uint64(st.relativeCount()))
		} else {
			add(elf.DT_REL, sectionAddr(st.sec.relDyn))
			add(elf.DT_RELSZ, size)
			add(elf.DT_RELENT, relsize)
			add(dtRelCount, uint64(st.relativeCount()))
		}
	}
	if st.textrel {
		add(elf.DT_TEXTREL, 0)
	}
	if st.hasVersions() {
		add(elf.DT_VERSYM, sectionAddr(st.sec.versym))
	}
	if st.hasVerdefs() {
		add(elf.DT_VERDEF, sectionAddr(st.sec.verdef))
		add(elf.DT_VERDEFNUM, uint64(len(st.cfg.VersionScript.Named())+1))
	}
	if len(st.verneed) > 0 {
		add(elf.DT_VERNEED, sectionAddr(st.sec.verneed))
		add(elf.DT_VERNEEDNUM, uint64(len(st.verneed)))
	}
	if len(st.pltSyms) > 0 {
		// PLT slots are bound eagerly; there is no lazy resolver stub.
		add(elf.DT_FLAGS, uint64(elf.DF_BIND_NOW))
	}
	add(elf.DT_NULL, 0)
	return
}

// relativeCount is the number of leading RELATIVE entries in .rel(a).dyn.
func (st *LinkState) relativeCount() (n int) {
	relative := st.be.RelativeReloc()
	for _, r := range st.relDyn {
		if r.Type != relative {
			break
		}
		n++
	}
	return
}

func (st *LinkState) initName() string {
	if st.cfg.Init != "" {
		return st.cfg.Init
	}
	return "_init"
}

func (st *LinkState) finiName() string {
	if st.cfg.Fini != "" {
		return st.cfg.Fini
	}
	return "_fini"
}

// dynSymbol builds the .dynsym entry of a global symbol.
func (st *LinkState) dynSymbol(g *GlobalSym) obj.Symbol {
	esym := obj.Symbol{
		Name:       g.BaseName(),
		Size:       g.Size,
		Bind:       elf.STB_GLOBAL,
		Type:       g.Type,
		Visibility: g.Visibility(),
		Other:      g.Other,
		Shndx:      elf.SHN_UNDEF,
	}
	if g.Res == ResDefWeak || g.Res == ResUndefWeak {
		esym.Bind = elf.STB_WEAK
	}
	switch {
	case g.Res.IsUndefined():
		esym.Size = 0
	case g.DefinedRegularly():
		esym.Value = st.symValue(g)
		esym.Shndx = st.outputIndex(g)
	}
	return esym
}

// outputIndex returns the output section index a regular definition
// lands in.
func (st *LinkState) outputIndex(g *GlobalSym) elf.SectionIndex {
	switch {
	case g.Out != nil:
		return elf.SectionIndex(g.Out.Index)
	case g.Sec != nil && g.Sec.Out != nil:
		return elf.SectionIndex(g.Sec.Out.Index)
	case g.Sec != nil:
		return elf.SHN_UNDEF
	}
	return elf.SHN_ABS
}

// finishDynamicSections fills in the contents of the synthesized
// sections once addresses are final.
func (st *LinkState) finishDynamicSections() (err error) {
	finished := map[SymID]bool{}
	finish := func(id SymID, esym *obj.Symbol) error {
		if finished[id] {
			return nil
		}
		finished[id] = true
		return st.be.FinishDynamicSymbol(st, id, esym)
	}

	if st.sec.dynsym != nil {
		var buf bytes.Buffer
		obj.WriteSymbol(&buf, st.Class, st.ByteOrder, 0, &obj.Symbol{})
		hashes := make([]uint32, len(st.dynsyms)+1)
		versym := make([]uint16, len(st.dynsyms)+1)
		for i, id := range st.dynsyms {
			g := st.syms.Get(id)
			esym := st.dynSymbol(g)
			if err = finish(id, &esym); err != nil {
				return
			}
			obj.WriteSymbol(&buf, st.Class, st.ByteOrder, st.dynstrOff(esym.Name), &esym)
			hashes[i+1] = g.Hash
			versym[i+1] = st.versymOf(g)
		}
		st.sec.dynsym.data = buf.Bytes()
		st.sec.hash.data = buildHash(st.ByteOrder, st.nbucket, hashes)
		st.sec.dynstr.data = st.dynstr.Bytes()
		if st.sec.versym != nil {
			versym[0] = obj.VerNdxLocal
			st.sec.versym.data = obj.EncodeVersym(st.ByteOrder, versym)
		}
		if st.sec.verdef != nil {
			st.sec.verdef.data = obj.EncodeVerdef(st.ByteOrder, st.verdefs())
		}
		if st.sec.verneed != nil {
			st.sec.verneed.data = obj.EncodeVerneed(st.ByteOrder, st.verneedOut())
		}
	}

	word := int64(obj.WordSize(st.Class))
	for _, slot := range st.gotSlots {
		if slot.id != 0 {
			if err = finish(slot.id, nil); err != nil {
				return
			}
			continue
		}
		t := st.slotTarget(slot)
		off := st.localGOT[localGOTKey{slot.file, slot.sym}]
		obj.PutAddr(st.sec.got.data[off:off+word], st.Class, st.ByteOrder, t.Value)
		if st.needsRelative(&t) {
			st.addDynReloc(dynReloc{Offset: st.gotAddr(off), Type: st.be.RelativeReloc(), Addend: int64(t.Value)})
		}
	}

	if st.sec.relDyn != nil {
		if len(st.relDyn) > st.relDynCount {
			return fmt.Errorf("link/elf: %d dynamic relocations written, %d sized", len(st.relDyn), st.relDynCount)
		}
		// relocations neutralized after sizing leave unused entries
		for len(st.relDyn) < st.relDynCount {
			st.addDynReloc(dynReloc{Type: st.be.NoneReloc()})
		}
		relative := st.be.RelativeReloc()
		slices.SortStableFunc(st.relDyn, func(a, b dynReloc) bool {
			return a.Type == relative && b.Type != relative
		})
		// with REL the relocated fields already hold the addends
		var buf bytes.Buffer
		rela := st.be.UseRela()
		for _, r := range st.relDyn {
			er := obj.Reloc{Offset: r.Offset, Type: r.Type, Addend: r.Addend}
			if r.Sym != 0 {
				er.Sym = uint32(st.syms.Get(r.Sym).Dynindx)
			}
			obj.WriteReloc(&buf, st.Class, st.ByteOrder, rela, &er)
		}
		st.sec.relDyn.data = buf.Bytes()
	} else if len(st.relDyn) > 0 {
		return fmt.Errorf("link/elf: dynamic relocations without .rel.dyn")
	}

	if st.sec.dynamic != nil {
		var buf bytes.Buffer
		for _, t := range st.dynamicTags() {
			obj.WriteDyn(&buf, st.Class, st.ByteOrder, t.tag, t.val)
		}
		if uint64(buf.Len()) != st.sec.dynamic.Size {
			return fmt.Errorf("link/elf: .dynamic changed size after layout")
		}
		st.sec.dynamic.data = buf.Bytes()
	}
	return nil
}

// slotTarget resolves what a GOT slot points at.
func (st *LinkState) slotTarget(slot gotSlot) relocTarget {
	if slot.id != 0 {
		return st.globalTarget(slot.id)
	}
	return st.resolveReloc(slot.file, &obj.Reloc{Sym: slot.sym})
}

// versymOf is the .gnu.version entry of a dynamic symbol.
func (st *LinkState) versymOf(g *GlobalSym) uint16 {
	v := g.Version
	if v == 0 {
		v = obj.VerNdxGlobal
	}
	if g.Has(VersionHidden) {
		v |= obj.VersymHidden
	}
	return v
}
