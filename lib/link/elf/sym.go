package elf

import (
	"debug/elf"

	"golang.org/x/exp/slices"
)

type linkerSymKind uint8

const (
	atStart linkerSymKind = iota
	atEnd
	atBase
)

type linkerSym struct {
	name    string
	section string
	kind    linkerSymKind
}

// symbols the linker provides when a regular object references them
var linkerSyms = []linkerSym{
	{"_GLOBAL_OFFSET_TABLE_", ".got", atStart},
	{"_DYNAMIC", ".dynamic", atStart},
	{"__init_array_start", ".init_array", atStart},
	{"__init_array_end", ".init_array", atEnd},
	{"__fini_array_start", ".fini_array", atStart},
	{"__fini_array_end", ".fini_array", atEnd},
	{"__preinit_array_start", ".preinit_array", atStart},
	{"__preinit_array_end", ".preinit_array", atEnd},
	{"_etext", ".text", atEnd},
	{"etext", ".text", atEnd},
	{"_edata", ".data", atEnd},
	{"edata", ".data", atEnd},
	{"__bss_start", ".bss", atStart},
	{"_end", ".bss", atEnd},
	{"end", ".bss", atEnd},
	{"__ehdr_start", "", atBase},
	{"__executable_start", "", atBase},
}

// defineLinkerSymbols defines the referenced, still undefined linker
// provided symbols. They are placed once the layout is known.
func (st *LinkState) defineLinkerSymbols() {
	if st.isRelocatable() {
		return
	}
	for _, ls := range linkerSyms {
		id, ok := st.syms.Lookup(ls.name)
		if !ok {
			continue
		}
		id = st.syms.Follow(id)
		g := st.syms.Get(id)
		if !g.Res.IsUndefined() || !g.Has(RefRegular) {
			continue
		}
		g.Res = ResDefined
		g.Flags |= LinkerDefined | DefRegular
		g.File = nil
		g.Sec = nil
		g.Other = g.Other&^3 | uint8(elf.STV_HIDDEN)
	}
}

// placeLinkerSymbols gives the linker provided symbols their addresses.
func (st *LinkState) placeLinkerSymbols() {
	for _, ls := range linkerSyms {
		g, ok := st.Lookup(ls.name)
		if !ok || !g.Has(LinkerDefined) {
			continue
		}
		g.Out = nil
		g.Value = 0
		switch ls.kind {
		case atBase:
			g.Value = st.baseAddr()
			continue
		}
		out := st.findOutput(ls.section)
		if out == nil && ls.section == ".data" {
			out = st.lastAlloc(true)
		}
		if out == nil && ls.section == ".bss" {
			out = st.lastAlloc(false)
			if out != nil {
				g.Out = out
				g.Value = out.Size
				continue
			}
		}
		if out == nil {
			continue
		}
		g.Out = out
		if ls.kind == atEnd {
			g.Value = out.Size
		}
	}
}

// recordDynamicSymbols selects the symbols .dynsym exports, in table
// order.
func (st *LinkState) recordDynamicSymbols() {
	if !st.isDynamic() {
		return
	}
	shared := st.isShared()
	next := 1
	export := func(g *GlobalSym) {
		if g.Dynindx == -1 && !g.Has(ForcedLocal) {
			g.Dynindx = next
			next++
		}
	}
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect || g.Res == ResNew {
			return
		}
		vis := g.Visibility()
		if g.DefinedRegularly() && (vis == elf.STV_HIDDEN || vis == elf.STV_INTERNAL) {
			g.Flags |= ForcedLocal
		}
		if g.Has(ForcedLocal) || g.Has(LinkerDefined) {
			g.Dynindx = -1
			return
		}
		switch {
		case g.DefinedRegularly():
			if shared || g.Has(RefDynamic) || st.cfg.ExportDynamic {
				export(g)
			}
		case g.DefinedDynamically():
			if g.Has(RefRegular) {
				export(g)
				g.File.Used = true
			}
		case g.Res.IsUndefined():
			if shared && g.Has(RefRegular) {
				export(g)
			}
		}
	})
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Weakdef == 0 {
			return
		}
		w := st.syms.Get(g.Weakdef)
		switch {
		case g.Dynindx != -1:
			export(w)
		case w.Dynindx != -1:
			export(g)
		}
	})
}

// finalizeDynsyms packs the dynamic indices. Indices do not change after
// this point.
func (st *LinkState) finalizeDynsyms() {
	st.dynsyms = st.dynsyms[:0]
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect {
			g.Dynindx = -1
			return
		}
		if g.Dynindx != -1 {
			st.dynsyms = append(st.dynsyms, id)
		}
	})
	slices.SortStableFunc(st.dynsyms, func(a, b SymID) bool {
		return st.syms.Get(a).Dynindx < st.syms.Get(b).Dynindx
	})
	for i, id := range st.dynsyms {
		st.syms.Get(id).Dynindx = i + 1
	}
}

// discardedDef reports a global whose defining section was dropped.
func (st *LinkState) discardedDef(g *GlobalSym) bool {
	return g.Res.IsDefined() && g.Sec != nil && g.Sec.Discarded && !g.Sec.File.Dynamic
}
