package elf

import (
	"debug/elf"
	"errors"
	"strings"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/util"
)

// symKind classifies an incoming symbol for the merge.
type symKind uint8

const (
	kindUndef symKind = iota
	kindUndefWeak
	kindDef
	kindDefWeak
	kindCommon
)

func (k symKind) isDef() bool {
	return k == kindDef || k == kindDefWeak || k == kindCommon
}

func classify(sym *obj.Symbol, discarded, dynamic bool) symKind {
	weak := sym.Bind == elf.STB_WEAK
	switch {
	case sym.IsUndef() || discarded:
		if weak {
			return kindUndefWeak
		}
		return kindUndef
	case sym.IsCommon() && !dynamic:
		return kindCommon
	case weak:
		return kindDefWeak
	}
	return kindDef
}

// AddObject merges one object's external symbols into the global table.
// Objects must be added in link command order.
func (st *LinkState) AddObject(o *obj.Object) (err error) {
	if st.seen[o] {
		return nil
	}
	if err = st.checkCompat(o); err != nil {
		st.rep.Errorf(diag.MalformedInput, o.String(), "%s", err)
		return
	}
	if o.IsDynamic() {
		if _, dup := st.sonames[neededName(o)]; dup {
			st.seen[o] = true
			return nil
		}
	}
	st.seen[o] = true

	f := st.newInputFile(o)
	st.files = append(st.files, f)
	if f.Dynamic {
		st.sonames[f.Soname] = f
	}

	var nondefault []int
	for i := 1; i < len(o.Symbols); i++ {
		sym := &o.Symbols[i]
		if sym.Bind == elf.STB_LOCAL || sym.Name == "" || sym.Type == elf.STT_SECTION || sym.Type == elf.STT_FILE {
			continue
		}
		name := sym.Name
		if f.Dynamic {
			name = decorate(o, sym)
		}
		sec := f.section(sym)
		discarded := sec != nil && sec.Discarded
		id := st.syms.Intern(name)
		f.Syms[i] = id
		st.mergeSymbol(f, id, sym, sec, discarded)

		if !discarded && sym.IsDefined() {
			if at := strings.Index(name, "@@"); at > 0 {
				st.addDefaultVersion(f, id, name[:at])
			} else if at := strings.IndexByte(name, '@'); at > 0 && !f.Dynamic {
				nondefault = append(nondefault, i)
			}
		}
	}
	for _, i := range nondefault {
		st.aliasNondefault(f, i)
	}

	if !f.Dynamic {
		for _, s := range f.Sections {
			if s == nil || s.Discarded || !s.IsAlloc() || len(s.Relocs) == 0 {
				continue
			}
			if err = st.be.CheckRelocs(st, s); err != nil {
				st.rep.Errorf(diag.MalformedInput, o.String(), "%s", err)
				err = nil
			}
		}
	}
	return nil
}

// checkCompat makes sure all inputs target the same machine and layout.
func (st *LinkState) checkCompat(o *obj.Object) error {
	if o.Machine != st.be.Machine() || o.Class != st.be.Class() {
		return errors.New("incompatible object: " + o.Machine.String() + "/" + o.Class.String() + ", linking for " + st.be.Name())
	}
	if st.Data == elf.ELFDATANONE {
		st.Data = o.Data
		st.ByteOrder = obj.ByteOrderOf(o.Data)
	} else if o.Data != st.Data {
		return errors.New("incompatible byte order " + o.Data.String())
	}
	switch o.Type {
	case elf.ET_REL, elf.ET_DYN:
		return nil
	}
	return errors.New("cannot link object of type " + o.Type.String())
}

// decorate names a shared object's versioned symbol foo@V or foo@@V.
func decorate(o *obj.Object, sym *obj.Symbol) string {
	v, ok := o.VersionName(sym)
	if !ok {
		return sym.Name
	}
	if sym.Hidden || sym.IsUndef() {
		return sym.Name + "@" + v
	}
	if sym.IsAbs() {
		return sym.Name
	}
	return sym.Name + "@@" + v
}

// mergeSymbol folds an incoming symbol into the entry id.
func (st *LinkState) mergeSymbol(f *InputFile, id SymID, sym *obj.Symbol, sec *InputSection, discarded bool) {
	id = st.syms.Follow(id)
	g := st.syms.Get(id)
	k := classify(sym, discarded, f.Dynamic)
	if discarded {
		g.Flags |= DefDiscarded
	}

	if k.isDef() {
		switch {
		case f.Dynamic && (g.Res.IsDefined() || g.Res == ResCommon):
			// the first definition, regular or dynamic, stays
			k = kindUndef
			if sym.Bind == elf.STB_WEAK {
				k = kindUndefWeak
			}
		case !f.Dynamic && g.DefinedDynamically():
			g.Res = ResUndefined
			g.Sec = nil
			g.File = nil
			g.Size = 0
			g.Weakdef = 0
		}
	}

	won := false
	switch g.Res {
	case ResNew, ResUndefined, ResUndefWeak:
		switch k {
		case kindUndef:
			g.Res = ResUndefined
		case kindUndefWeak:
			if g.Res == ResNew {
				g.Res = ResUndefWeak
			}
		case kindDef:
			st.define(g, f, sym, sec, ResDefined)
			won = true
		case kindDefWeak:
			st.define(g, f, sym, sec, ResDefWeak)
			won = true
		case kindCommon:
			st.makeCommon(g, f, sym)
			won = true
		}
		if g.File == nil {
			g.File = f
		}
	case ResDefined:
		switch k {
		case kindDef:
			if g.Sec == sec && g.Value == sym.Value && g.File == f {
				break
			}
			st.rep.Errorf(diag.SymbolConflict, f.String(), "multiple definition of `%s'; first defined in %s", g.Name, g.File)
		case kindCommon:
			if g.Sec != nil && sym.Value > g.Sec.Align() {
				st.rep.Warnf(diag.SymbolConflict, f.String(), "alignment %d of symbol `%s' is smaller than %d in %s", g.Sec.Align(), g.Name, sym.Value, f)
			}
		case kindUndef, kindUndefWeak, kindDefWeak:
		}
	case ResDefWeak:
		switch k {
		case kindDef:
			st.define(g, f, sym, sec, ResDefined)
			won = true
		case kindCommon:
			st.makeCommon(g, f, sym)
			won = true
		case kindUndef, kindUndefWeak, kindDefWeak:
		}
	case ResCommon:
		switch k {
		case kindDef:
			if sec != nil && g.Align > sec.Align() {
				st.rep.Warnf(diag.SymbolConflict, f.String(), "alignment %d of symbol `%s' in %s is smaller than %d in %s", sec.Align(), g.Name, f, g.Align, g.File)
			}
			st.define(g, f, sym, sec, ResDefined)
			won = true
		case kindCommon:
			if sym.Size > g.Size {
				g.File = f
			}
			g.Size = util.Max(g.Size, sym.Size)
			g.Align = util.Max(g.Align, commonAlign(sym))
		case kindUndef, kindUndefWeak, kindDefWeak:
		}
	case ResIndirect:
		panic("link/elf: merge into indirect symbol " + g.Name)
	}

	st.mergeAttrs(g, f, sym, k, won)
	st.mergeFlags(g, f, sym, k)
}

func commonAlign(sym *obj.Symbol) uint64 {
	if sym.Value == 0 {
		return 1
	}
	return sym.Value
}

func (st *LinkState) define(g *GlobalSym, f *InputFile, sym *obj.Symbol, sec *InputSection, res Resolution) {
	g.Res = res
	g.File = f
	g.Sec = sec
	g.Value = sym.Value
	g.Align = 0
	g.DynVer = ""
	if f.Dynamic {
		g.DynVer = dynVersion(g.Name)
	} else {
		g.Other = g.Other&^3 | sym.Other&^3
	}
}

func (st *LinkState) makeCommon(g *GlobalSym, f *InputFile, sym *obj.Symbol) {
	if g.Res == ResDefWeak {
		g.Size = 0
	}
	g.Res = ResCommon
	g.File = f
	g.Sec = nil
	g.Value = 0
	g.Align = util.Max(g.Align, commonAlign(sym))
}

// mergeAttrs updates size, type and visibility and reports mismatches.
func (st *LinkState) mergeAttrs(g *GlobalSym, f *InputFile, sym *obj.Symbol, k symKind, won bool) {
	if k.isDef() && sym.Size != 0 {
		bothCommon := k == kindCommon && g.Res == ResCommon
		if g.Size != 0 && g.Size != sym.Size && !bothCommon {
			st.rep.Warnf(diag.SymbolConflict, f.String(), "size of symbol `%s' changed from %d in %s to %d in %s",
				g.Name, g.Size, g.File, sym.Size, f)
		}
		if won && g.Res != ResCommon {
			g.Size = sym.Size
		} else if g.Res == ResCommon && k == kindCommon {
			g.Size = util.Max(g.Size, sym.Size)
		}
	}

	typ := sym.Type
	if typ == elf.STT_COMMON {
		typ = elf.STT_OBJECT
	}
	if typ != elf.STT_NOTYPE && (k.isDef() || g.Type == elf.STT_NOTYPE) {
		if k.isDef() && g.Type != elf.STT_NOTYPE && g.Type != typ && !st.be.TypeChangeOK(g.Type, typ) {
			st.rep.Warnf(diag.SymbolConflict, f.String(), "type of symbol `%s' changed from %s to %s in %s",
				g.Name, g.Type, typ, f)
		}
		if won || g.Type == elf.STT_NOTYPE {
			g.Type = typ
		}
	}

	if !f.Dynamic {
		g.Other = mergeVisibility(g.Other, sym.Other)
	}
}

// mergeVisibility keeps the most constraining visibility: INTERNAL, then
// HIDDEN, then PROTECTED, then DEFAULT.
func mergeVisibility(old, new uint8) uint8 {
	ov, nv := old&3, new&3
	switch {
	case nv == 0:
		return old
	case ov == 0 || nv < ov:
		return old&^3 | nv
	}
	return old
}

func (st *LinkState) mergeFlags(g *GlobalSym, f *InputFile, sym *obj.Symbol, k symKind) {
	def := k.isDef()
	switch {
	case !f.Dynamic && def:
		g.Flags |= DefRegular
	case !f.Dynamic:
		g.Flags |= RefRegular
		if sym.Bind != elf.STB_WEAK {
			g.Flags |= RefRegularNonWeak
		}
	case def:
		g.Flags |= DefDynamic
	default:
		g.Flags |= RefDynamic
	}
}

// addDefaultVersion makes the bare name an indirect reference to a
// foo@@V definition.
func (st *LinkState) addDefaultVersion(f *InputFile, id SymID, short string) {
	id = st.syms.Follow(id)
	sid := st.syms.Intern(short)
	if st.syms.Follow(sid) == id {
		return
	}
	s := st.syms.Get(sid)
	target := st.syms.Get(id)
	switch s.Res {
	case ResNew, ResUndefined, ResUndefWeak:
	case ResIndirect:
		other := st.syms.Get(st.syms.Follow(sid))
		if !f.Dynamic && other.DefinedRegularly() && target.DefinedRegularly() {
			st.rep.Errorf(diag.SymbolConflict, f.String(), "duplicate default version for `%s': %s and %s", short, other.Name, target.Name)
		}
		return
	case ResDefined, ResDefWeak, ResCommon:
		regular := s.DefinedRegularly()
		switch {
		case regular && f.Dynamic:
			return
		case regular && (s.Sec != target.Sec || s.Value != target.Value):
			st.rep.Errorf(diag.SymbolConflict, f.String(), "multiple definition of `%s'; first defined in %s", short, s.File)
			return
		case !regular && f.Dynamic:
			return
		}
	}
	st.makeIndirect(sid, id)
}

// aliasNondefault handles a regular foo@V defined at the same place as
// foo: foo becomes an indirect reference to foo@V, which is hidden.
func (st *LinkState) aliasNondefault(f *InputFile, i int) {
	id := st.syms.Follow(f.Syms[i])
	g := st.syms.Get(id)
	short := g.BaseName()
	sid, ok := st.syms.Lookup(short)
	if !ok {
		return
	}
	s := st.syms.Get(sid)
	if s.Res != g.Res || s.Sec != g.Sec || s.Value != g.Value || s.File != f {
		return
	}
	st.makeIndirect(sid, id)
	g = st.syms.Get(id)
	g.Flags |= VersionHidden
}

// makeIndirect turns from into an alias of to, carrying its reference
// flags and dynamic index over.
func (st *LinkState) makeIndirect(from, to SymID) {
	s := st.syms.Get(from)
	t := st.syms.Get(to)
	t.Flags |= s.Flags & (RefRegular | RefRegularNonWeak | RefDynamic | DefDynamic)
	if s.Dynindx != -1 && t.Dynindx == -1 {
		t.Dynindx = s.Dynindx
	}
	t.Other = mergeVisibility(t.Other, s.Other)
	t.GotRefs += s.GotRefs
	t.PltRefs += s.PltRefs
	*s = GlobalSym{
		Name:    s.Name,
		Res:     ResIndirect,
		Link:    to,
		Hash:    s.Hash,
		Dynindx: -1,
		Indx:    -1,
		GotOff:  -1,
		PltOff:  -1,
		PltGot:  -1,
	}
}
