package elf

import (
	"debug/elf"
	"fmt"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
)

// relocKind is the computation a relocation type performs.
type relocKind uint8

const (
	kNone relocKind = iota
	kAbs            // S + A
	kPC             // S + A - P
	kPLT            // L + A - P
	kGOTPCRel       // G + GOT + A - P
	kGOTRelax       // kGOTPCRel, relaxable to S + A - P
	kGOTBase        // G + A, relative to the GOT base
	kGOTOff         // S + A - GOT
	kGOTPC          // GOT + A - P
	kSize           // Z + A
	kVtInherit
	kVtEntry
	kTLS
)

type howto struct {
	kind   relocKind
	size   int
	signed bool
	// strict unsigned fields reject sign extended values
	strict bool
}

func (h howto) usesGOT() bool {
	switch h.kind {
	case kGOTPCRel, kGOTRelax, kGOTBase:
		return true
	}
	return false
}

// usesPLT reports relocations that may be routed through a PLT stub when
// the target is bound at run time.
func (h howto) usesPLT(word int) bool {
	switch h.kind {
	case kPLT, kPC:
		return true
	case kAbs:
		return h.size < word
	}
	return false
}

// x86Backend implements Backend for the x86 family. The amd64 and i386
// targets differ in their relocation tables, addend storage, PLT stubs
// and GOT relaxation.
type x86Backend struct {
	name    string
	machine elf.Machine
	class   elf.Class
	rela    bool
	base    uint64
	interp  string

	table    map[uint32]howto
	names    func(typ uint32) string
	none     uint32
	vtinh    uint32
	vtent    uint32
	abs      uint32 // word sized absolute, also the dynamic one
	relative uint32
	globDat  uint32
	jumpSlot uint32

	pltStub func(st *LinkState, plt, gotSlot uint64) ([]byte, error)
	relax   func(st *LinkState, data []byte, r *obj.Reloc) bool
	fill    func(n int) []byte
}

func (b *x86Backend) Name() string          { return b.name }
func (b *x86Backend) Machine() elf.Machine  { return b.machine }
func (b *x86Backend) Class() elf.Class      { return b.class }
func (b *x86Backend) UseRela() bool         { return b.rela }
func (b *x86Backend) BaseAddr() uint64      { return b.base }
func (b *x86Backend) PageSize() uint64      { return 0x1000 }
func (b *x86Backend) DynamicLinker() string { return b.interp }
func (b *x86Backend) PLTEntrySize() uint64  { return 16 }
func (b *x86Backend) NoneReloc() uint32     { return b.none }
func (b *x86Backend) RelativeReloc() uint32 { return b.relative }
func (b *x86Backend) VtInherit() uint32     { return b.vtinh }
func (b *x86Backend) VtEntry() uint32       { return b.vtent }
func (b *x86Backend) CodeFill(n int) []byte { return b.fill(n) }

func (b *x86Backend) RelocName(typ uint32) string {
	switch typ {
	case b.vtinh:
		return "GNU_VTINHERIT"
	case b.vtent:
		return "GNU_VTENTRY"
	}
	return b.names(typ)
}

func (b *x86Backend) RelocFieldSize(typ uint32) int {
	return b.table[typ].size
}

// TypeChangeOK allows a typeless symbol to take any type and functions to
// become indirect functions.
func (b *x86Backend) TypeChangeOK(old, new elf.SymType) bool {
	switch {
	case old == elf.STT_NOTYPE || new == elf.STT_NOTYPE:
		return true
	case old == elf.STT_FUNC && new == sttGNUIFunc,
		old == sttGNUIFunc && new == elf.STT_FUNC:
		return true
	}
	return false
}

func (b *x86Backend) lookup(st *LinkState, sec *InputSection, r *obj.Reloc) (h howto, ok bool) {
	if h, ok = b.table[r.Type]; !ok {
		st.rep.Errorf(diag.MalformedInput, sec.String(), "unsupported relocation type %d at %#x", r.Type, r.Offset)
	}
	return
}

// refGlobal returns the global a relocation references, if any.
func refGlobal(st *LinkState, f *InputFile, r *obj.Reloc) *GlobalSym {
	if r.Sym == 0 || int(r.Sym) >= len(f.Syms) || f.Syms[r.Sym] == 0 {
		return nil
	}
	return st.syms.Get(st.syms.Follow(f.Syms[r.Sym]))
}

func (b *x86Backend) CheckRelocs(st *LinkState, sec *InputSection) (err error) {
	word := obj.WordSize(b.class)
	for i := range sec.Relocs {
		r := &sec.Relocs[i]
		h, ok := b.lookup(st, sec, r)
		if !ok {
			continue
		}
		switch h.kind {
		case kVtInherit:
			if err = st.recordVtInherit(sec, r); err != nil {
				st.rep.Errorf(diag.MalformedInput, sec.String(), "%v", err)
			}
			continue
		case kVtEntry:
			if err = st.recordVtEntry(sec, r); err != nil {
				st.rep.Errorf(diag.MalformedInput, sec.String(), "%v", err)
			}
			continue
		case kTLS:
			st.rep.Errorf(diag.MalformedInput, sec.String(), "TLS relocation %s is not supported", b.RelocName(r.Type))
			continue
		}
		g := refGlobal(st, sec.File, r)
		if g == nil {
			continue
		}
		if h.usesGOT() {
			g.GotRefs++
		}
		if h.usesPLT(word) {
			g.PltRefs++
		}
	}
	return nil
}

func (b *x86Backend) GCSweepHook(st *LinkState, sec *InputSection) {
	word := obj.WordSize(b.class)
	for i := range sec.Relocs {
		r := &sec.Relocs[i]
		h := b.table[r.Type]
		g := refGlobal(st, sec.File, r)
		if g == nil {
			continue
		}
		if h.usesGOT() && g.GotRefs > 0 {
			g.GotRefs--
		}
		if h.usesPLT(word) && g.PltRefs > 0 {
			g.PltRefs--
		}
	}
}

func (b *x86Backend) GCMarkHook(st *LinkState, sec *InputSection, r *obj.Reloc) (*InputSection, bool) {
	switch b.table[r.Type].kind {
	case kVtInherit, kVtEntry, kNone:
		return nil, false
	}
	return st.markTarget(sec, r), true
}

func (b *x86Backend) CountDynRelocs(st *LinkState, sec *InputSection) (n int, err error) {
	word := obj.WordSize(b.class)
	f := sec.File
	for i := range sec.Relocs {
		r := &sec.Relocs[i]
		h := b.table[r.Type]
		if h.usesGOT() && refGlobal(st, f, r) == nil {
			st.localGOTEntry(f, r.Sym)
			continue
		}
		if h.kind != kAbs || h.size != word {
			continue
		}
		t := st.resolveReloc(f, r)
		if t.Dynamic || st.needsRelative(&t) {
			n++
		}
	}
	return
}

// gotSlotOf returns the GOT offset a GOT relocation uses.
func (b *x86Backend) gotSlotOf(st *LinkState, f *InputFile, r *obj.Reloc, t *relocTarget) (int64, error) {
	if t.ID != 0 {
		if off := st.syms.Get(t.ID).GotOff; off >= 0 {
			return off, nil
		}
		return 0, fmt.Errorf("no GOT entry for `%s'", t.Name)
	}
	if off, ok := st.localGOT[localGOTKey{f, r.Sym}]; ok {
		return off, nil
	}
	return 0, fmt.Errorf("no GOT entry for local `%s'", t.Name)
}

func (b *x86Backend) RelocateSection(st *LinkState, sec *InputSection, data []byte) (err error) {
	f := sec.File
	base := sec.Addr(0)
	for i := range sec.Relocs {
		r := &sec.Relocs[i]
		h, ok := b.table[r.Type]
		if !ok {
			return fmt.Errorf("%s: unsupported relocation type %d", sec, r.Type)
		}
		switch h.kind {
		case kNone, kVtInherit, kVtEntry, kTLS:
			continue
		}
		t := st.resolveReloc(f, r)
		P := base + r.Offset
		A := r.Addend
		if !b.rela {
			var raw uint64
			if raw, err = st.field(data, r.Offset, h.size); err != nil {
				return fmt.Errorf("%s: %w", sec, err)
			}
			A = signExtend(raw, h.size)
		}
		var v uint64
		switch h.kind {
		case kAbs:
			v, ok = b.absolute(st, sec, r, &t, h, A, P, data)
			if !ok {
				continue
			}
		case kPC, kPLT:
			S, ok := b.branchTarget(st, sec, r, &t)
			if !ok {
				continue
			}
			if t.Dynamic {
				v = S + uint64(A) - P
			} else {
				v = st.targetAddr(&t, A) - P
			}
		case kGOTPCRel, kGOTRelax:
			if h.kind == kGOTRelax && !t.Dynamic && !t.Abs && !t.Undefined && b.relax != nil && b.relax(st, data, r) {
				v = st.targetAddr(&t, A) - P
				break
			}
			var off int64
			if off, err = b.gotSlotOf(st, f, r, &t); err != nil {
				return fmt.Errorf("%s: %w", sec, err)
			}
			v = st.gotAddr(off) + uint64(A) - P
		case kGOTBase:
			var off int64
			if off, err = b.gotSlotOf(st, f, r, &t); err != nil {
				return fmt.Errorf("%s: %w", sec, err)
			}
			v = uint64(off) + uint64(A)
			if b.absoluteGOT(data, r) {
				v = st.gotAddr(off) + uint64(A)
			}
		case kGOTOff:
			if st.sec.got == nil {
				return fmt.Errorf("%s: %s without a GOT", sec, b.RelocName(r.Type))
			}
			v = st.targetAddr(&t, A) - st.sec.got.Addr
		case kGOTPC:
			if st.sec.got == nil {
				return fmt.Errorf("%s: %s without a GOT", sec, b.RelocName(r.Type))
			}
			v = st.sec.got.Addr + uint64(A) - P
		case kSize:
			v = t.Size + uint64(A)
		}
		if !fits(v, h) {
			st.overflow(sec, r, &t)
			continue
		}
		if err = st.setField(data, r.Offset, h.size, v); err != nil {
			return fmt.Errorf("%s: %w", sec, err)
		}
		st.traceReloc(sec, r, &t, v)
	}
	return nil
}

// absolute computes S + A. Word sized fields against symbols bound at run
// time or in shared output get a dynamic relocation; narrower fields
// cannot be fixed up at load time.
func (b *x86Backend) absolute(st *LinkState, sec *InputSection, r *obj.Reloc, t *relocTarget, h howto, A int64, P uint64, data []byte) (uint64, bool) {
	if !sec.IsAlloc() {
		return st.targetAddr(t, A), true
	}
	word := obj.WordSize(b.class)
	if t.Dynamic {
		if h.size == word {
			st.addDynReloc(dynReloc{Offset: P, Type: b.abs, Sym: t.ID, Addend: A})
			if b.rela {
				return 0, true
			}
			return uint64(A), true
		}
		g := st.syms.Get(t.ID)
		if t.IsFunc() && g.Has(NeedsPLT) {
			return st.pltAddr(g) + uint64(A), true
		}
		b.needPIC(st, sec, r, t)
		return 0, false
	}
	v := st.targetAddr(t, A)
	if st.needsRelative(t) {
		if h.size != word {
			b.needPIC(st, sec, r, t)
			return 0, false
		}
		st.addDynReloc(dynReloc{Offset: P, Type: b.relative, Addend: int64(v)})
	}
	return v, true
}

// branchTarget returns the address a PC relative reference resolves to,
// the PLT stub for symbols bound at run time.
func (b *x86Backend) branchTarget(st *LinkState, sec *InputSection, r *obj.Reloc, t *relocTarget) (uint64, bool) {
	if !t.Dynamic {
		return t.Value, true
	}
	g := st.syms.Get(t.ID)
	if g.Has(NeedsPLT) {
		return st.pltAddr(g), true
	}
	b.needPIC(st, sec, r, t)
	return 0, false
}

func (b *x86Backend) needPIC(st *LinkState, sec *InputSection, r *obj.Reloc, t *relocTarget) {
	what := "a shared object"
	if !st.isShared() {
		what = "an executable referencing shared data"
	}
	st.rep.Errorf(diag.MalformedInput, sec.String(),
		"relocation %s against `%s' can not be used when making %s; recompile with -fPIC",
		b.RelocName(r.Type), t.Name, what)
}

// absoluteGOT reports an i386 GOT32X access without a base register,
// which addresses the GOT slot absolutely.
func (b *x86Backend) absoluteGOT(data []byte, r *obj.Reloc) bool {
	if b.class != elf.ELFCLASS32 || r.Type != uint32(elf.R_386_GOT32X) || r.Offset < 1 {
		return false
	}
	modrm := data[r.Offset-1]
	return modrm>>6 == 0 && modrm&7 == 5
}

func (b *x86Backend) FinishDynamicSymbol(st *LinkState, id SymID, esym *obj.Symbol) (err error) {
	g := st.syms.Get(id)
	word := int64(obj.WordSize(b.class))
	if g.Has(NeedsPLT) {
		slot := st.gotAddr(g.PltGot)
		var stub []byte
		if stub, err = b.pltStub(st, st.pltAddr(g), slot); err != nil {
			return
		}
		copy(st.sec.plt.data[g.PltOff:g.PltOff+int64(b.PLTEntrySize())], stub)
		st.addDynReloc(dynReloc{Offset: slot, Type: b.jumpSlot, Sym: id})
	}
	if g.Has(NeedsGOT) {
		t := st.globalTarget(id)
		field := st.sec.got.data[g.GotOff : g.GotOff+word]
		switch {
		case t.Dynamic:
			obj.PutAddr(field, b.class, st.ByteOrder, 0)
			st.addDynReloc(dynReloc{Offset: st.gotAddr(g.GotOff), Type: b.globDat, Sym: id})
		default:
			obj.PutAddr(field, b.class, st.ByteOrder, t.Value)
			if st.needsRelative(&t) {
				st.addDynReloc(dynReloc{Offset: st.gotAddr(g.GotOff), Type: b.relative, Addend: int64(t.Value)})
			}
		}
	}
	return nil
}

func signExtend(v uint64, size int) int64 {
	shift := 64 - uint(size)*8
	return int64(v<<shift) >> shift
}

// fits checks a computed value against the field width.
func fits(v uint64, h howto) bool {
	bits := uint(h.size) * 8
	if bits >= 64 {
		return true
	}
	switch {
	case h.signed:
		return fitsSigned(int64(v), bits)
	case h.strict:
		return fitsUnsigned(v, bits)
	}
	// unsigned fields also accept sign extended negative values
	return fitsUnsigned(v, bits) || fitsSigned(int64(v), bits)
}
