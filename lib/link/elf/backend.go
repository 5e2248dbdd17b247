package elf

import (
	"debug/elf"
	"fmt"

	"github.com/ii64/elflink/lib/obj"
)

const sttGNUIFunc = elf.STT_LOOS // STT_GNU_IFUNC

// Backend carries the target specific parts of a link. One instance is
// created per target and injected into the LinkState.
type Backend interface {
	Name() string
	Machine() elf.Machine
	Class() elf.Class

	// UseRela selects SHT_RELA for emitted and dynamic relocations.
	UseRela() bool
	BaseAddr() uint64
	PageSize() uint64
	DynamicLinker() string
	PLTEntrySize() uint64

	// TypeChangeOK lets a merge change a symbol's type without a warning.
	TypeChangeOK(old, new elf.SymType) bool

	// CheckRelocs scans the relocations of a freshly merged section and
	// records GOT, PLT and vtable references.
	CheckRelocs(st *LinkState, sec *InputSection) error
	// GCMarkHook returns the section a relocation keeps alive. follow is
	// false for relocations that must not mark anything.
	GCMarkHook(st *LinkState, sec *InputSection, r *obj.Reloc) (target *InputSection, follow bool)
	// GCSweepHook drops what CheckRelocs recorded for a discarded section.
	GCSweepHook(st *LinkState, sec *InputSection)
	// CountDynRelocs returns how many dynamic relocations the section's
	// relocations produce with the final symbol resolution. GOT slots for
	// local symbols are allocated here.
	CountDynRelocs(st *LinkState, sec *InputSection) (n int, err error)

	// RelocateSection applies the relocations of sec to data, which is
	// placed at sec.Addr(0).
	RelocateSection(st *LinkState, sec *InputSection, data []byte) error
	// FinishDynamicSymbol writes the PLT stub and GOT slot of a symbol and
	// adjusts its .dynsym entry. esym is nil for symbols that are not
	// exported.
	FinishDynamicSymbol(st *LinkState, id SymID, esym *obj.Symbol) error

	NoneReloc() uint32
	// RelativeReloc is the dynamic relocation rebasing an address in
	// shared output.
	RelativeReloc() uint32
	VtInherit() uint32
	VtEntry() uint32
	RelocName(typ uint32) string
	// CodeFill returns n bytes of padding for code sections.
	CodeFill(n int) []byte
	// RelocFieldSize is the number of bytes a relocation type patches.
	RelocFieldSize(typ uint32) int
}

// BackendFor picks the backend for an input's machine and class.
func BackendFor(machine elf.Machine, class elf.Class) (Backend, error) {
	switch {
	case machine == elf.EM_X86_64 && class == elf.ELFCLASS64:
		return newAMD64(), nil
	case machine == elf.EM_386 && class == elf.ELFCLASS32:
		return newI386(), nil
	}
	return nil, fmt.Errorf("link/elf: unsupported target %s/%s", machine, class)
}

// relocTarget is a relocation's symbol after resolution against the local
// symbols of its file and the global table.
type relocTarget struct {
	ID    SymID
	Local *obj.Symbol
	Name  string
	// Sec is the input section the symbol is defined in, if any.
	Sec *InputSection
	// Value is S, the final address of the symbol.
	Value uint64
	// Undefined symbols that survive resolution are weak or hidden and
	// read as zero.
	Undefined bool
	// Dynamic symbols are bound at run time.
	Dynamic bool
	// Abs values do not move with the load address.
	Abs  bool
	Type elf.SymType
	Size uint64
}

func (t *relocTarget) IsFunc() bool {
	return t.Type == elf.STT_FUNC || t.Type == sttGNUIFunc
}

// resolveReloc maps a relocation's symbol index to its target.
func (st *LinkState) resolveReloc(f *InputFile, r *obj.Reloc) (t relocTarget) {
	if r.Sym == 0 || int(r.Sym) >= len(f.Obj.Symbols) {
		t.Abs = true
		return
	}
	sym := &f.Obj.Symbols[r.Sym]
	if id := f.Syms[r.Sym]; id != 0 {
		return st.globalTarget(st.syms.Follow(id))
	}
	t.Local = sym
	t.Name = sym.Name
	t.Type = sym.Type
	t.Size = sym.Size
	switch {
	case sym.IsAbs():
		t.Value = sym.Value
		t.Abs = true
	case sym.InSection():
		t.Sec = f.section(sym)
		if t.Sec != nil {
			if t.Sec.Discarded && t.Sec.Kept != nil {
				t.Value = t.Sec.Kept.Addr(sym.Value)
			} else {
				t.Value = t.Sec.Addr(sym.Value)
			}
		}
	default:
		t.Abs = true
	}
	return
}

// globalTarget is the relocation target view of a global entry.
func (st *LinkState) globalTarget(id SymID) (t relocTarget) {
	g := st.syms.Get(id)
	t.ID = id
	t.Name = g.Name
	t.Type = g.Type
	t.Size = g.Size
	t.Sec = g.Sec
	t.Value = st.symValue(g)
	switch {
	case g.Res.IsUndefined():
		t.Undefined = true
		t.Dynamic = g.Dynindx != -1 && !g.Has(ForcedLocal) && st.isDynamic()
	case g.DefinedDynamically():
		t.Dynamic = true
	case g.Has(LinkerDefined):
		t.Abs = g.Out == nil && !st.isShared()
	case g.Res == ResCommon:
	case g.Sec == nil:
		t.Abs = true
	}
	return
}

// targetAddr is S + A. Section symbol references into merged sections are
// translated as a whole, since the addend selects the entity.
func (st *LinkState) targetAddr(t *relocTarget, addend int64) uint64 {
	if t.Local != nil && t.Local.Type == elf.STT_SECTION && t.Sec != nil && t.Sec.merged != nil {
		return t.Sec.Addr(uint64(int64(t.Local.Value) + addend))
	}
	return t.Value + uint64(addend)
}

// needsRelative reports an address that must be rebased at load time.
func (st *LinkState) needsRelative(t *relocTarget) bool {
	return st.isShared() && !t.Dynamic && !t.Abs && !t.Undefined
}

// symValue is the final address of a global symbol.
func (st *LinkState) symValue(g *GlobalSym) uint64 {
	switch {
	case g.Has(LinkerDefined):
		if g.Out != nil {
			return g.Out.Addr + g.Value
		}
		return g.Value
	case g.DefinedDynamically():
		return 0
	case g.Res == ResCommon:
		if g.Out != nil {
			return g.Out.Addr + g.Value
		}
		return g.Value
	case g.Res.IsDefined():
		if g.Sec == nil {
			return g.Value
		}
		return g.Sec.Addr(g.Value)
	}
	return 0
}

// pltAddr is the address of a symbol's PLT stub.
func (st *LinkState) pltAddr(g *GlobalSym) uint64 {
	return st.sec.plt.Addr + uint64(g.PltOff)
}

func (st *LinkState) gotAddr(off int64) uint64 {
	return st.sec.got.Addr + uint64(off)
}

// dynReloc is an entry of .rela.dyn / .rel.dyn.
type dynReloc struct {
	Offset uint64
	Type   uint32
	Sym    SymID
	Addend int64
}

func (st *LinkState) addDynReloc(r dynReloc) {
	st.relDyn = append(st.relDyn, r)
}

type localGOTKey struct {
	file *InputFile
	sym  uint32
}

// gotEntry allocates (once) a GOT slot for a global symbol.
func (st *LinkState) gotEntry(id SymID) int64 {
	g := st.syms.Get(id)
	if g.GotOff < 0 {
		g.GotOff = int64(len(st.gotSlots)) * int64(obj.WordSize(st.Class))
		g.Flags |= NeedsGOT
		st.gotSlots = append(st.gotSlots, gotSlot{id: id})
	}
	return g.GotOff
}

// localGOTEntry allocates a GOT slot for a local symbol.
func (st *LinkState) localGOTEntry(f *InputFile, sym uint32) int64 {
	key := localGOTKey{f, sym}
	if off, ok := st.localGOT[key]; ok {
		return off
	}
	off := int64(len(st.gotSlots)) * int64(obj.WordSize(st.Class))
	st.localGOT[key] = off
	st.gotSlots = append(st.gotSlots, gotSlot{file: f, sym: sym})
	return off
}

// pltEntry allocates a PLT stub jumping through a GOT slot of its own,
// bound with a JUMP_SLOT relocation.
func (st *LinkState) pltEntry(id SymID) int64 {
	g := st.syms.Get(id)
	if g.PltOff < 0 {
		g.PltOff = int64(len(st.pltSyms)) * int64(st.be.PLTEntrySize())
		g.PltGot = int64(len(st.gotSlots)) * int64(obj.WordSize(st.Class))
		g.Flags |= NeedsPLT
		st.pltSyms = append(st.pltSyms, id)
		st.gotSlots = append(st.gotSlots, gotSlot{id: id, plt: true})
	}
	return g.PltOff
}

type gotSlot struct {
	id   SymID
	plt  bool
	file *InputFile
	sym  uint32
}

// needsDynamicBinding reports whether references to a global symbol must
// go through the dynamic linker.
func (st *LinkState) needsDynamicBinding(g *GlobalSym) bool {
	if g.Has(ForcedLocal) || g.Has(LinkerDefined) {
		return false
	}
	if g.DefinedDynamically() {
		return true
	}
	return g.Res.IsUndefined() && st.isDynamic() && g.Dynindx != -1
}

func (st *LinkState) relocName(typ uint32) string {
	return st.be.RelocName(typ)
}
