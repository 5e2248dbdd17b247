package elf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
)

// outSym is one .symtab entry of the output.
type outSym struct {
	sym  obj.Symbol
	name uint32
}

// pendingReloc is an emitted relocation against a global whose .symtab
// index is assigned after the locals.
type pendingReloc struct {
	out *OutputSection
	idx int
	id  SymID
}

// image is the laid out output, ready to be written.
type image struct {
	shoff uint64
	size  uint64
}

// finalLink lays out the output, writes every input section into it and
// builds the symbol table. Input files are processed one at a time, so
// with NoKeepMemory only one file's contents are held at once.
func (st *LinkState) finalLink() (img *image, err error) {
	if err = st.buildOutputs(); err != nil {
		return
	}
	st.layoutAlloc()
	st.placeLinkerSymbols()
	st.entry = st.resolveEntry()
	st.checkUndefined()
	if err = st.rep.Checkpoint("after layout"); err != nil {
		return
	}

	st.strtab = newStrtab()
	st.symtab = st.symtab[:0]
	st.pending = st.pending[:0]
	emitSyms := st.sec.symtab != nil
	if emitSyms {
		st.addSym("", obj.Symbol{})
		for _, out := range st.outs {
			if out.synthetic && !out.IsAlloc() || out.Type == elf.SHT_REL || out.Type == elf.SHT_RELA {
				continue
			}
			out.symIndx = st.addSym("", obj.Symbol{
				Type:  elf.STT_SECTION,
				Bind:  elf.STB_LOCAL,
				Value: out.Addr,
				Shndx: elf.SectionIndex(out.Index),
			})
		}
	}

	for _, f := range st.files {
		if f.Dynamic {
			continue
		}
		if emitSyms {
			st.emitLocals(f)
		}
		if err = st.writeFile(f); err != nil {
			return
		}
		if st.cfg.NoKeepMemory {
			f.Obj.Release()
		}
	}
	if err = st.rep.Checkpoint("after relocation"); err != nil {
		return
	}

	if emitSyms {
		st.emitGlobals()
	}
	for _, p := range st.pending {
		p.out.rels[p.idx].Sym = uint32(st.syms.Get(p.id).Indx)
	}
	if err = st.finishDynamicSections(); err != nil {
		return
	}
	if err = st.finishRelocSections(); err != nil {
		return
	}
	st.finishSymtab()
	st.finishShstrtab()

	img = &image{}
	img.shoff = st.layoutTail()
	img.size = img.shoff + uint64((len(st.outs)+1)*obj.ShdrSize(st.Class))
	st.finishPhdrs()
	st.traceDynamic()
	return
}

func (st *LinkState) addSym(name string, sym obj.Symbol) int {
	st.symtab = append(st.symtab, outSym{sym: sym, name: st.strtab.Add(name)})
	return len(st.symtab) - 1
}

// resolveEntry computes e_entry from the entry symbol, a numeric -e
// argument or the start of .text.
func (st *LinkState) resolveEntry() uint64 {
	if st.isRelocatable() {
		return 0
	}
	name := st.entryName()
	if name == "" {
		return 0
	}
	if g, ok := st.Lookup(name); ok && g.Res.IsDefined() {
		return st.symValue(g)
	}
	if v, err := strconv.ParseUint(name, 0, 64); err == nil {
		return v
	}
	var fallback uint64
	if text := st.findOutput(".text"); text != nil {
		fallback = text.Addr
	}
	st.rep.Warnf(diag.UnresolvedSymbol, "", "cannot find entry symbol %s; defaulting to %#x", name, fallback)
	return fallback
}

// checkUndefined reports strong undefined references that nothing
// resolved. Weak and non-default visibility references read as zero.
func (st *LinkState) checkUndefined() {
	if st.isRelocatable() || (st.isShared() && !st.cfg.NoUndefined) {
		return
	}
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res != ResUndefined || !g.Has(RefRegularNonWeak) || g.Visibility() != elf.STV_DEFAULT {
			return
		}
		if st.reported[id] {
			return
		}
		st.reported[id] = true
		if g.Has(DefDiscarded) {
			st.rep.Errorf(diag.DiscardedSectionReference, g.File.String(), "`%s' referenced in section discarded by a section group", g.Name)
			return
		}
		st.rep.Errorf(diag.UnresolvedSymbol, g.File.String(), "undefined reference to `%s'", g.Name)
	})
}

// keepLocal decides whether a local symbol goes to .symtab.
func (st *LinkState) keepLocal(f *InputFile, sym *obj.Symbol) bool {
	switch {
	case sym.Type == elf.STT_SECTION:
		return false
	case st.cfg.DiscardAll:
		return false
	case st.cfg.DiscardLocals && strings.HasPrefix(sym.Name, ".L"):
		return false
	case st.cfg.RetainSymbols != nil && !st.cfg.RetainSymbols[sym.Name]:
		return false
	case sym.Type == elf.STT_FILE:
		return !st.cfg.StripDebug
	case sym.InSection():
		s := f.section(sym)
		return s != nil && !s.Discarded && s.Out != nil
	}
	return true
}

// emitLocals appends the kept local symbols of f to .symtab and records
// their indices for emitted relocations.
func (st *LinkState) emitLocals(f *InputFile) {
	f.LocalIndx = make([]int, len(f.Obj.Symbols))
	for i := range f.LocalIndx {
		f.LocalIndx[i] = -1
	}
	for i := 1; i < f.Obj.FirstGlobal && i < len(f.Obj.Symbols); i++ {
		sym := &f.Obj.Symbols[i]
		if !st.keepLocal(f, sym) {
			continue
		}
		esym := *sym
		esym.Bind = elf.STB_LOCAL
		if sym.InSection() {
			s := f.section(sym)
			esym.Value = s.Addr(sym.Value)
			esym.Shndx = elf.SectionIndex(s.Out.Index)
		}
		f.LocalIndx[i] = st.addSym(sym.Name, esym)
	}
}

// globalSymbol builds the .symtab entry of a global.
func (st *LinkState) globalSymbol(g *GlobalSym) obj.Symbol {
	esym := obj.Symbol{
		Size:       g.Size,
		Bind:       elf.STB_GLOBAL,
		Type:       g.Type,
		Visibility: g.Visibility(),
		Other:      g.Other,
	}
	if g.Res == ResDefWeak || g.Res == ResUndefWeak {
		esym.Bind = elf.STB_WEAK
	}
	switch {
	case g.Res == ResCommon && st.isRelocatable():
		esym.Shndx = elf.SHN_COMMON
		esym.Value = g.Align
	case g.DefinedRegularly():
		esym.Value = st.symValue(g)
		esym.Shndx = st.outputIndex(g)
		if esym.Shndx == elf.SHN_UNDEF {
			esym.Value = 0
		}
	default:
		esym.Size = 0
		esym.Shndx = elf.SHN_UNDEF
	}
	return esym
}

// emitGlobals writes the forced local globals, then the remaining ones in
// table order. Globals referenced by emitted relocations are always kept.
func (st *LinkState) emitGlobals() {
	keep := func(g *GlobalSym) bool {
		if g.Indx == -2 {
			return true
		}
		if st.cfg.RetainSymbols != nil && !st.cfg.RetainSymbols[g.Name] {
			return false
		}
		return !st.cfg.StripAll
	}
	if !st.isRelocatable() {
		st.syms.Each(func(id SymID, g *GlobalSym) {
			if g.Res == ResIndirect || !g.Has(ForcedLocal) || !g.DefinedRegularly() || g.Indx >= 0 || !keep(g) {
				return
			}
			esym := st.globalSymbol(g)
			esym.Bind = elf.STB_LOCAL
			g.Indx = st.addSym(g.Name, esym)
		})
	}
	st.nlocals = len(st.symtab)
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect || g.Res == ResNew || g.Indx >= 0 || !keep(g) {
			return
		}
		g.Indx = st.addSym(g.Name, st.globalSymbol(g))
	})
}

func (st *LinkState) finishSymtab() {
	if st.sec.symtab == nil {
		return
	}
	var buf bytes.Buffer
	for i := range st.symtab {
		obj.WriteSymbol(&buf, st.Class, st.ByteOrder, st.symtab[i].name, &st.symtab[i].sym)
	}
	st.sec.symtab.data = buf.Bytes()
	st.sec.symtab.Size = uint64(buf.Len())
	st.sec.symtab.Info = uint32(st.nlocals)
	st.sec.strtab.data = st.strtab.Bytes()
	st.sec.strtab.Size = st.strtab.Len()
}

func (st *LinkState) finishShstrtab() {
	t := newStrtab()
	for _, out := range st.outs {
		out.nameOff = t.Add(out.Name)
	}
	st.sec.shstrtab.data = t.Bytes()
	st.sec.shstrtab.Size = t.Len()
}

// buffer returns the output contents of o, allocating them on first use.
// Code sections start out filled with no-ops.
func (st *LinkState) buffer(o *OutputSection) []byte {
	if o.data == nil && o.HasContents() {
		if o.Flags&elf.SHF_EXECINSTR != 0 && !st.isRelocatable() {
			o.data = st.be.CodeFill(int(o.Size))
		} else {
			o.data = make([]byte, o.Size)
		}
	}
	return o.data
}

// writeFile copies and relocates the sections of one input file.
func (st *LinkState) writeFile(f *InputFile) (err error) {
	for _, s := range f.Sections {
		if s == nil || s.Discarded || s.Out == nil {
			continue
		}
		if err = st.writeSection(s); err != nil {
			return
		}
	}
	return nil
}

func (st *LinkState) writeSection(s *InputSection) (err error) {
	st.checkDiscardedTargets(s)
	out := s.Out
	if !out.HasContents() || s.Hdr.Type == elf.SHT_NOBITS {
		st.emitRelocsFor(s, nil)
		return nil
	}
	buf := st.buffer(out)
	if s.merged != nil {
		g := s.merged.group
		if !g.written {
			copy(buf[g.offset:], g.data)
			g.written = true
		}
		s.release()
		return nil
	}
	var data []byte
	if data, err = s.Data(); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	dst := buf[s.Offset : s.Offset+s.Size()]
	copy(dst, data)
	for _, z := range s.zero {
		if z.off+z.size <= uint64(len(dst)) {
			for i := z.off; i < z.off+z.size; i++ {
				dst[i] = 0
			}
		}
	}
	if !st.isRelocatable() && len(s.Relocs) > 0 {
		if err = st.be.RelocateSection(st, s, dst); err != nil {
			return
		}
	}
	st.emitRelocsFor(s, dst)
	s.release()
	return nil
}

// checkDiscardedTargets handles relocations whose target section was
// dropped by COMDAT folding or garbage collection. Debug information and
// .eh_frame are pointed at the kept copy when it has the same size,
// references to group local symbols are neutralized, and anything else is
// an error.
func (st *LinkState) checkDiscardedTargets(s *InputSection) {
	f := s.File
	for i := range s.Relocs {
		r := &s.Relocs[i]
		if r.Sym == 0 || int(r.Sym) >= len(f.Obj.Symbols) {
			continue
		}
		var target *InputSection
		var name string
		if id := f.Syms[r.Sym]; id != 0 {
			g := st.syms.Get(st.syms.Follow(id))
			if !st.discardedDef(g) {
				continue
			}
			target, name = g.Sec, g.Name
		} else {
			sym := &f.Obj.Symbols[r.Sym]
			target, name = f.section(sym), sym.Name
			if target == nil || !target.Discarded {
				continue
			}
		}
		switch {
		case st.special(s):
			if target.Kept != nil && target.Kept.Size() == target.Size() && f.Syms[r.Sym] == 0 {
				continue
			}
			st.neutralize(s, r)
		case target.IsLinkonce() && f.Syms[r.Sym] == 0:
			st.neutralize(s, r)
		default:
			if name == "" {
				name = target.Name
			}
			st.rep.Errorf(diag.DiscardedSectionReference, s.String(),
				"`%s' referenced in section `%s' of %s: defined in discarded section `%s'",
				name, s.Name, f, target)
		}
	}
}
