package elf

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/vscript"
)

// SymID is a handle into the global symbol arena. The zero SymID never
// names a symbol.
type SymID int32

// Resolution is the merge state of a global symbol.
type Resolution uint8

const (
	ResNew Resolution = iota
	ResUndefined
	ResUndefWeak
	ResDefined
	ResDefWeak
	ResCommon
	ResIndirect
)

var resolutionNames = [...]string{"new", "undefined", "undefweak", "defined", "defweak", "common", "indirect"}

func (r Resolution) String() string {
	if int(r) < len(resolutionNames) {
		return resolutionNames[r]
	}
	return fmt.Sprintf("Resolution(%d)", r)
}

// IsDefined reports a definition in a section or an absolute value.
func (r Resolution) IsDefined() bool {
	return r == ResDefined || r == ResDefWeak
}

func (r Resolution) IsUndefined() bool {
	return r == ResNew || r == ResUndefined || r == ResUndefWeak
}

type SymFlag uint16

const (
	RefRegular SymFlag = 1 << iota
	RefRegularNonWeak
	DefRegular
	RefDynamic
	DefDynamic
	// ForcedLocal symbols are written as STB_LOCAL and never exported.
	ForcedLocal
	// VersionHidden marks a non-default foo@V version.
	VersionHidden
	// DefDiscarded: a definition was dropped with a discarded section.
	DefDiscarded
	// LinkerDefined symbols are provided by the linker relative to an
	// output section.
	LinkerDefined
	NeedsPLT
	NeedsGOT
)

type GlobalSym struct {
	Name string
	Res  Resolution

	// File is the defining object, or the first referencing one while
	// undefined.
	File *InputFile
	// Sec is nil for absolute and common definitions.
	Sec *InputSection
	// Out places linker defined symbols.
	Out   *OutputSection
	Value uint64
	Size  uint64
	// Align is the alignment of a common symbol, in bytes.
	Align uint64
	Type  elf.SymType
	Other uint8
	Flags SymFlag

	Link     SymID
	Weakdef  SymID
	VtParent SymID

	// Dynindx is the .dynsym index, -1 when not exported.
	Dynindx int
	// Indx is the .symtab index: -1 none, -2 used by an emitted
	// relocation and still pending.
	Indx int

	Hash uint32

	// Version is the .gnu.version value written for the symbol.
	Version uint16
	VerNode *vscript.Node
	// DynVer is the version name a shared object bound the symbol to.
	DynVer string

	GotRefs int
	PltRefs int
	// GotOff and PltOff are offsets in .got and .plt, -1 when absent.
	// PltGot is the GOT slot the PLT stub jumps through.
	GotOff int64
	PltOff int64
	PltGot int64
}

func (g *GlobalSym) Has(f SymFlag) bool {
	return g.Flags&f != 0
}

func (g *GlobalSym) Visibility() elf.SymVis {
	return elf.ST_VISIBILITY(g.Other)
}

// DefinedDynamically reports a definition owned by a shared object.
func (g *GlobalSym) DefinedDynamically() bool {
	return g.Res.IsDefined() && g.File != nil && g.File.Dynamic
}

// DefinedRegularly reports a definition from a relocatable object or the
// linker itself.
func (g *GlobalSym) DefinedRegularly() bool {
	switch g.Res {
	case ResDefined, ResDefWeak, ResCommon:
		return g.Has(LinkerDefined) || (g.File != nil && !g.File.Dynamic)
	}
	return false
}

// BaseName strips an @VER or @@VER suffix.
func (g *GlobalSym) BaseName() string {
	if i := strings.IndexByte(g.Name, '@'); i >= 0 {
		return g.Name[:i]
	}
	return g.Name
}

// symTable is the global symbol hash table: an arena of entries addressed
// by SymID plus a name index. Pointers returned by Get are invalidated by
// the next Intern.
type symTable struct {
	arena  []GlobalSym
	byName map[string]SymID
}

func newSymTable() *symTable {
	return &symTable{
		arena:  make([]GlobalSym, 1, 256),
		byName: map[string]SymID{},
	}
}

func (t *symTable) Lookup(name string) (SymID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

func (t *symTable) Intern(name string) SymID {
	if id, ok := t.byName[name]; ok {
		return id
	}
	id := SymID(len(t.arena))
	t.arena = append(t.arena, GlobalSym{
		Name:    name,
		Dynindx: -1,
		Indx:    -1,
		GotOff:  -1,
		PltOff:  -1,
		PltGot:  -1,
		Hash:    obj.Hash(name),
	})
	t.byName[name] = id
	return id
}

func (t *symTable) Get(id SymID) *GlobalSym {
	return &t.arena[id]
}

// Follow resolves a chain of indirect symbols.
func (t *symTable) Follow(id SymID) SymID {
	for n := 0; id != 0 && t.arena[id].Res == ResIndirect; n++ {
		if n > len(t.arena) {
			panic(fmt.Sprintf("link/elf: indirect symbol loop at %q", t.arena[id].Name))
		}
		id = t.arena[id].Link
	}
	return id
}

func (t *symTable) Len() int {
	return len(t.arena) - 1
}

// Each visits every entry in creation order.
func (t *symTable) Each(fn func(id SymID, g *GlobalSym)) {
	for i := 1; i < len(t.arena); i++ {
		fn(SymID(i), &t.arena[i])
	}
}
