package elf

import (
	"debug/elf"

	"golang.org/x/exp/slices"
)

type weakCand struct {
	value uint64
	shndx int
	id    SymID
}

func compareCand(a, b weakCand) int {
	switch {
	case a.value < b.value:
		return -1
	case a.value > b.value:
		return 1
	case a.shndx < b.shndx:
		return -1
	case a.shndx > b.shndx:
		return 1
	}
	return 0
}

// linkWeakDefs pairs every weak, non-function definition of a shared
// object with a strong definition at the same section and value.
func (st *LinkState) linkWeakDefs() {
	for _, f := range st.files {
		if !f.Dynamic {
			continue
		}
		var strong []weakCand
		var weak []weakCand
		for _, id := range f.Syms {
			if id == 0 {
				continue
			}
			id = st.syms.Follow(id)
			g := st.syms.Get(id)
			if g.File != f || g.Sec == nil {
				continue
			}
			c := weakCand{value: g.Value, shndx: g.Sec.Hdr.Index, id: id}
			switch {
			case g.Res == ResDefined:
				strong = append(strong, c)
			case g.Res == ResDefWeak && g.Type != elf.STT_FUNC && g.Weakdef == 0:
				weak = append(weak, c)
			}
		}
		if len(strong) == 0 || len(weak) == 0 {
			continue
		}
		slices.SortFunc(strong, func(a, b weakCand) bool {
			if c := compareCand(a, b); c != 0 {
				return c < 0
			}
			return a.id < b.id
		})
		for _, w := range weak {
			i, found := slices.BinarySearchFunc(strong, w, compareCand)
			if !found {
				continue
			}
			st.syms.Get(w.id).Weakdef = strong[i].id
		}
	}
}
