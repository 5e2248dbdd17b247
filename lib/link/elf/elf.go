package elf

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
)

// LinkState is one link session. It is owned by a single goroutine.
type LinkState struct {
	Class     elf.Class
	Data      elf.Data
	ByteOrder binary.ByteOrder

	cfg *conf.Config
	be  Backend
	rep *diag.Reporter

	syms     *symTable
	files    []*InputFile
	seen     map[*obj.Object]bool
	sonames  map[string]*InputFile
	comdat   map[string][]*InputSection
	linkonce map[string]*InputSection
	vtables  map[SymID]*vtable

	// dynamic symbols in final .dynsym order; dynsyms[i] has Dynindx i+1
	dynsyms []SymID
	needed  []*InputFile
	verneed []*verneedFile
	dynstr  *strtab
	nbucket uint32

	gotSlots    []gotSlot
	localGOT    map[localGOTKey]int64
	pltSyms     []SymID
	relDyn      []dynReloc
	relDynCount int
	textrel     bool

	outs     []*OutputSection
	sec      synthSections
	phdrs    []obj.ProgHeader
	entry    uint64
	allocEnd uint64

	symtab   []outSym
	strtab   *strtab
	nlocals  int
	pending  []pendingReloc
	reported map[SymID]bool

	trace io.Writer
}

// New creates a session linking with cfg for the backend's target.
// Diagnostics go to rep.
func New(cfg *conf.Config, be Backend, rep *diag.Reporter) *LinkState {
	if rep == nil {
		rep = &diag.Reporter{}
	}
	return &LinkState{
		Class:    be.Class(),
		cfg:      cfg,
		be:       be,
		rep:      rep,
		syms:     newSymTable(),
		seen:     map[*obj.Object]bool{},
		sonames:  map[string]*InputFile{},
		comdat:   map[string][]*InputSection{},
		linkonce: map[string]*InputSection{},
		vtables:  map[SymID]*vtable{},
		localGOT: map[localGOTKey]int64{},
		reported: map[SymID]bool{},
	}
}

// SetTrace makes the session log every applied relocation to w.
func (st *LinkState) SetTrace(w io.Writer) {
	st.trace = w
}

func (st *LinkState) Reporter() *diag.Reporter {
	return st.rep
}

// Lookup returns the global entry for name, following indirect symbols.
func (st *LinkState) Lookup(name string) (*GlobalSym, bool) {
	id, ok := st.syms.Lookup(name)
	if !ok {
		return nil, false
	}
	return st.syms.Get(st.syms.Follow(id)), true
}

// Symbols returns the number of entries in the global table.
func (st *LinkState) Symbols() int {
	return st.syms.Len()
}

func (st *LinkState) isRelocatable() bool {
	return st.cfg.Relocatable
}

func (st *LinkState) isShared() bool {
	return st.cfg.Shared
}

// isDynamic reports whether the output gets dynamic sections.
func (st *LinkState) isDynamic() bool {
	if st.cfg.Relocatable {
		return false
	}
	if st.cfg.Shared {
		return true
	}
	for _, f := range st.files {
		if f.Dynamic {
			return true
		}
	}
	return false
}

// emitRelocs reports whether relocation sections are written out.
func (st *LinkState) emitRelocs() bool {
	return st.cfg.Relocatable || st.cfg.EmitRelocs
}

// Resolve runs every pass up to the final output: weak aliases, versions,
// dynamic symbol selection, garbage collection and dynamic sizing.
func (st *LinkState) Resolve() (err error) {
	if err = st.rep.Checkpoint("after input"); err != nil {
		return
	}
	if len(st.files) == 0 {
		return fmt.Errorf("link/elf: no input files")
	}

	st.linkWeakDefs()
	st.defineLinkerSymbols()
	if err = st.rep.Checkpoint("after merge"); err != nil {
		return
	}

	st.assignVersions()
	st.recordDynamicSymbols()
	st.gcSections()
	if err = st.rep.Checkpoint("after versions"); err != nil {
		return
	}

	if err = st.sizeDynamicSections(); err != nil {
		return
	}
	return
}

// Link performs the whole link and writes the output file.
func (st *LinkState) Link() (err error) {
	if err = st.Resolve(); err != nil {
		return
	}
	var img *image
	if img, err = st.finalLink(); err != nil {
		return
	}
	return st.writeOutput(img)
}
