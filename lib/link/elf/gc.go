package elf

import (
	"debug/elf"
	"path"
	"strings"

	"github.com/ii64/elflink/lib/obj"
)

var keepPrefixes = []string{
	".init", ".fini", ".ctors", ".dtors", ".preinit_array", ".note", ".jcr",
}

// special sections are neither swept nor traversed.
func (st *LinkState) special(s *InputSection) bool {
	return !s.IsAlloc() || s.Name == ".eh_frame"
}

func (st *LinkState) isKeep(s *InputSection) bool {
	if s.Hdr.Flags&obj.ShfGnuRetain != 0 {
		return true
	}
	for _, p := range keepPrefixes {
		if s.Name == p || strings.HasPrefix(s.Name, p+".") || strings.HasPrefix(s.Name, p+"_") {
			return true
		}
	}
	switch s.Hdr.Type {
	case elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY:
		return true
	}
	for _, pat := range st.cfg.KeepSections {
		if ok, _ := path.Match(pat, s.Name); ok {
			return true
		}
	}
	return false
}

// gcSections marks every section reachable from the roots and discards
// the rest.
func (st *LinkState) gcSections() {
	if !st.cfg.GCSections || st.isRelocatable() {
		return
	}
	st.gcVtables()

	for _, f := range st.files {
		if f.Dynamic {
			continue
		}
		for _, s := range f.Sections {
			if s != nil && !s.Discarded && !st.special(s) && st.isKeep(s) {
				st.gcMark(s)
			}
		}
	}
	for _, name := range st.rootSymbols() {
		if g, ok := st.Lookup(name); ok && g.Sec != nil && g.DefinedRegularly() {
			st.gcMark(g.Sec)
		}
	}
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect || g.Sec == nil || !g.DefinedRegularly() {
			return
		}
		if g.Dynindx != -1 || g.Has(RefDynamic) {
			st.gcMark(g.Sec)
		}
	})

	for _, f := range st.files {
		if f.Dynamic {
			continue
		}
		for _, s := range f.Sections {
			if s == nil || s.Discarded || s.Mark || st.special(s) {
				continue
			}
			s.Discarded = true
			st.be.GCSweepHook(st, s)
		}
	}
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res.IsDefined() && g.Sec != nil && g.Sec.Discarded && !g.Sec.File.Dynamic {
			g.Dynindx = -1
		}
	})
}

func (st *LinkState) rootSymbols() []string {
	roots := []string{st.entryName()}
	if st.cfg.Init != "" {
		roots = append(roots, st.cfg.Init)
	}
	if st.cfg.Fini != "" {
		roots = append(roots, st.cfg.Fini)
	}
	return append(roots, "_init", "_fini")
}

func (st *LinkState) entryName() string {
	if st.cfg.Entry != "" {
		return st.cfg.Entry
	}
	if st.isShared() {
		return ""
	}
	return "_start"
}

// gcMark marks s, its group and everything its relocations reach.
func (st *LinkState) gcMark(s *InputSection) {
	if s.Mark || s.Discarded {
		return
	}
	s.Mark = true
	for _, m := range s.Group {
		st.gcMark(m)
	}
	for i := range s.Relocs {
		target, follow := st.be.GCMarkHook(st, s, &s.Relocs[i])
		if follow && target != nil && !target.File.Dynamic {
			st.gcMark(target)
		}
	}
}

// markTarget is the default reachability rule: the section defining the
// relocation's symbol.
func (st *LinkState) markTarget(s *InputSection, r *obj.Reloc) *InputSection {
	f := s.File
	if r.Sym == 0 || int(r.Sym) >= len(f.Syms) {
		return nil
	}
	if id := f.Syms[r.Sym]; id != 0 {
		g := st.syms.Get(st.syms.Follow(id))
		if g.DefinedRegularly() {
			return g.Sec
		}
		return nil
	}
	return f.section(&f.Obj.Symbols[r.Sym])
}

// neutralize turns a relocation into a no-op and clears its field.
func (st *LinkState) neutralize(s *InputSection, r *obj.Reloc) {
	if n := st.be.RelocFieldSize(r.Type); n > 0 {
		s.zero = append(s.zero, span{r.Offset, uint64(n)})
	}
	r.Type = st.be.NoneReloc()
	r.Sym = 0
	r.Addend = 0
}

type span struct {
	off, size uint64
}
