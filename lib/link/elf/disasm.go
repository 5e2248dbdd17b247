package elf

import (
	"debug/elf"
	"fmt"

	"github.com/ii64/elflink/lib/disasm"
	"github.com/ii64/elflink/lib/obj"
)

// traceDynamic prints the PLT stubs and dynamic relocations when tracing.
func (st *LinkState) traceDynamic() {
	if st.trace == nil {
		return
	}
	if st.sec.plt != nil {
		arch := disasm.ArchAMD64
		if st.Class == elf.ELFCLASS32 {
			arch = disasm.Arch386
		}
		word := uint64(obj.WordSize(st.Class))
		symname := func(addr uint64) (string, uint64) {
			got := st.sec.got
			if addr < got.Addr || addr >= got.Addr+got.Size {
				return "", 0
			}
			i := (addr - got.Addr) / word
			if slot := st.gotSlots[i]; slot.id != 0 {
				return st.syms.Get(slot.id).Name + "@got", got.Addr + i*word
			}
			return "", 0
		}
		for _, id := range st.pltSyms {
			g := st.syms.Get(id)
			code := st.sec.plt.data[g.PltOff : g.PltOff+int64(st.be.PLTEntrySize())]
			fmt.Fprintf(st.trace, "---- %s@plt (%x) ----\n", g.Name, st.pltAddr(g))
			insts, err := arch.DecodeBlock(code)
			if err != nil {
				fmt.Fprintf(st.trace, "\t// %v\n", err)
				for _, d := range disasm.EncodeRawBytes(st.ByteOrder, code) {
					fmt.Fprintf(st.trace, "\t%s\n", d)
				}
				continue
			}
			for _, t := range arch.GoSyntaxBlock(insts, code, st.pltAddr(g), symname) {
				fmt.Fprintf(st.trace, "%s\n", t)
			}
		}
	}
	if got := st.sec.got; got != nil && len(got.data) > 0 {
		fmt.Fprintf(st.trace, "---- .got (%x) ----\n", got.Addr)
		for _, d := range disasm.EncodeRawBytes(st.ByteOrder, got.data) {
			fmt.Fprintf(st.trace, "\t%s\n", d)
		}
	}
	for _, r := range st.relDyn {
		name := ""
		if r.Sym != 0 {
			name = st.syms.Get(r.Sym).Name
		}
		fmt.Fprintf(st.trace, "dyn %#x: %s %s%+d\n", r.Offset, st.relocName(r.Type), name, r.Addend)
	}
}
