package elf

import (
	"io"

	"github.com/davecgh/go-spew/spew"
)

type symDump struct {
	Name    string
	Res     string
	File    string
	Value   uint64
	Size    uint64
	Dynindx int
	Indx    int
	Version uint16
	Flags   SymFlag
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// DumpSymtab writes the global table, in table order, to w.
func (st *LinkState) DumpSymtab(w io.Writer) {
	var out []symDump
	st.syms.Each(func(id SymID, g *GlobalSym) {
		d := symDump{
			Name:    g.Name,
			Res:     g.Res.String(),
			File:    g.File.String(),
			Value:   st.symValue(g),
			Size:    g.Size,
			Dynindx: g.Dynindx,
			Indx:    g.Indx,
			Version: g.Version,
			Flags:   g.Flags,
		}
		out = append(out, d)
	})
	dumpConfig.Fdump(w, out)
}
