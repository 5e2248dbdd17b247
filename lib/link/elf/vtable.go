package elf

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ii64/elflink/lib/obj"
)

// vtable is the GC view of a C++ virtual table symbol: its parent and the
// slots some code calls through.
type vtable struct {
	inherit bool
	used    []bool
	done    bool
}

func (st *LinkState) vtableOf(id SymID) *vtable {
	vt := st.vtables[id]
	if vt == nil {
		vt = &vtable{}
		st.vtables[id] = vt
	}
	return vt
}

// recordVtInherit handles R_*_GNU_VTINHERIT: the child vtable is the
// global defined at the relocation's offset, the parent its symbol.
func (st *LinkState) recordVtInherit(sec *InputSection, r *obj.Reloc) error {
	f := sec.File
	var child SymID
	for i, id := range f.Syms {
		if id == 0 || f.section(&f.Obj.Symbols[i]) != sec {
			continue
		}
		id = st.syms.Follow(id)
		if g := st.syms.Get(id); g.Sec == sec && g.Value == r.Offset {
			child = id
			break
		}
	}
	if child == 0 {
		return fmt.Errorf("%s: VTINHERIT at %#x has no vtable symbol", sec, r.Offset)
	}
	vt := st.vtableOf(child)
	vt.inherit = true
	if r.Sym != 0 && int(r.Sym) < len(f.Syms) && f.Syms[r.Sym] != 0 {
		st.syms.Get(child).VtParent = st.syms.Follow(f.Syms[r.Sym])
	}
	return nil
}

// recordVtEntry handles R_*_GNU_VTENTRY: the addend is the byte offset of
// a used slot in the referenced vtable.
func (st *LinkState) recordVtEntry(sec *InputSection, r *obj.Reloc) error {
	f := sec.File
	if r.Sym == 0 || int(r.Sym) >= len(f.Syms) || f.Syms[r.Sym] == 0 {
		return fmt.Errorf("%s: VTENTRY at %#x does not reference a global vtable", sec, r.Offset)
	}
	if r.Addend < 0 {
		return fmt.Errorf("%s: VTENTRY at %#x has negative slot offset", sec, r.Offset)
	}
	vt := st.vtableOf(st.syms.Follow(f.Syms[r.Sym]))
	slot := int(r.Addend) / obj.WordSize(st.Class)
	for len(vt.used) <= slot {
		vt.used = append(vt.used, false)
	}
	vt.used[slot] = true
	return nil
}

// propagateVtable makes a child inherit the slots used through its parent.
func (st *LinkState) propagateVtable(id SymID, depth int) *vtable {
	vt := st.vtables[id]
	if vt == nil || vt.done {
		return vt
	}
	vt.done = true
	parent := st.syms.Get(id).VtParent
	if parent == 0 || depth > len(st.vtables) {
		return vt
	}
	pv := st.propagateVtable(parent, depth+1)
	if pv == nil {
		return vt
	}
	for len(vt.used) < len(pv.used) {
		vt.used = append(vt.used, false)
	}
	for i, u := range pv.used {
		vt.used[i] = vt.used[i] || u
	}
	return vt
}

// gcVtables propagates used slots down the hierarchy and turns the
// relocations of unused slots into no-ops before marking.
func (st *LinkState) gcVtables() {
	ids := maps.Keys(st.vtables)
	slices.Sort(ids)
	for _, id := range ids {
		st.propagateVtable(id, 0)
	}
	word := uint64(obj.WordSize(st.Class))
	for _, id := range ids {
		vt := st.vtables[id]
		g := st.syms.Get(id)
		if !vt.inherit || g.Sec == nil || !g.DefinedRegularly() {
			continue
		}
		sec := g.Sec
		for i := range sec.Relocs {
			r := &sec.Relocs[i]
			if r.Offset < g.Value || r.Offset >= g.Value+g.Size {
				continue
			}
			slot := int((r.Offset - g.Value) / word)
			if slot < len(vt.used) && vt.used[slot] {
				continue
			}
			st.neutralize(sec, r)
		}
	}
}
