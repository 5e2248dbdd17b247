package elf

import (
	"bytes"
	"fmt"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
)

// field reads the little endian value of size bytes at off.
func (st *LinkState) field(data []byte, off uint64, size int) (v uint64, err error) {
	if off+uint64(size) > uint64(len(data)) {
		return 0, fmt.Errorf("relocation at %#x runs past the section end (%#x)", off, len(data))
	}
	switch size {
	case 1:
		v = uint64(data[off])
	case 2:
		v = uint64(st.ByteOrder.Uint16(data[off:]))
	case 4:
		v = uint64(st.ByteOrder.Uint32(data[off:]))
	case 8:
		v = st.ByteOrder.Uint64(data[off:])
	default:
		return 0, fmt.Errorf("bad relocation field size %d", size)
	}
	return
}

func (st *LinkState) setField(data []byte, off uint64, size int, v uint64) error {
	if off+uint64(size) > uint64(len(data)) {
		return fmt.Errorf("relocation at %#x runs past the section end (%#x)", off, len(data))
	}
	switch size {
	case 1:
		data[off] = byte(v)
	case 2:
		st.ByteOrder.PutUint16(data[off:], uint16(v))
	case 4:
		st.ByteOrder.PutUint32(data[off:], uint32(v))
	case 8:
		st.ByteOrder.PutUint64(data[off:], v)
	default:
		return fmt.Errorf("bad relocation field size %d", size)
	}
	return nil
}

func fitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

func fitsUnsigned(v uint64, bits uint) bool {
	return v>>bits == 0
}

// overflow reports a relocation value that does not fit its field.
func (st *LinkState) overflow(s *InputSection, r *obj.Reloc, t *relocTarget) {
	st.rep.Errorf(diag.MalformedInput, s.String(), "relocation truncated to fit: %s against `%s' at %#x",
		st.relocName(r.Type), t.Name, r.Offset)
}

// traceReloc logs an applied relocation when tracing is on.
func (st *LinkState) traceReloc(s *InputSection, r *obj.Reloc, t *relocTarget, v uint64) {
	if st.trace == nil {
		return
	}
	fmt.Fprintf(st.trace, "%s+%#x: %s %s%+d = %#x\n",
		s, r.Offset, st.relocName(r.Type), t.Name, r.Addend, v)
}

// emitRelocsFor appends the relocations of s to its output relocation
// section. Relocations against section symbols and stripped locals are
// rewritten against the output section symbol; dst receives the adjusted
// implicit addends of relocatable REL output.
func (st *LinkState) emitRelocsFor(s *InputSection, dst []byte) {
	out := s.Out
	if !st.emitRelocs() || out.relSec == nil {
		return
	}
	f := s.File
	rela := st.be.UseRela()
	for i := range s.Relocs {
		r := &s.Relocs[i]
		er := obj.Reloc{Type: r.Type, Addend: r.Addend}
		if st.isRelocatable() {
			er.Offset = s.Offset + r.Offset
		} else {
			er.Offset = s.Addr(r.Offset)
		}
		var pending SymID
		switch {
		case r.Sym == 0 || int(r.Sym) >= len(f.Obj.Symbols):
		case f.Syms[r.Sym] != 0:
			id := st.syms.Follow(f.Syms[r.Sym])
			g := st.syms.Get(id)
			if g.Indx >= 0 {
				er.Sym = uint32(g.Indx)
			} else {
				g.Indx = -2
				pending = id
			}
		case f.LocalIndx != nil && f.LocalIndx[r.Sym] >= 0:
			er.Sym = uint32(f.LocalIndx[r.Sym])
		default:
			sym := &f.Obj.Symbols[r.Sym]
			ts := f.section(sym)
			var delta uint64
			switch {
			case ts != nil && !ts.Discarded && ts.Out != nil:
				er.Sym = uint32(ts.Out.symIndx)
				delta = ts.Addr(sym.Value) - ts.Out.Addr
			case sym.IsAbs():
				delta = sym.Value
			}
			if rela {
				er.Addend += int64(delta)
			} else if st.isRelocatable() && dst != nil && delta != 0 {
				if n := st.be.RelocFieldSize(r.Type); n > 0 {
					if v, err := st.field(dst, r.Offset, n); err == nil {
						st.setField(dst, r.Offset, n, v+delta)
					}
				}
			}
		}
		out.rels = append(out.rels, er)
		if pending != 0 {
			st.pending = append(st.pending, pendingReloc{out: out, idx: len(out.rels) - 1, id: pending})
		}
	}
}

// finishRelocSections encodes the emitted relocation sections.
func (st *LinkState) finishRelocSections() error {
	rela := st.be.UseRela()
	for _, out := range st.outs {
		rs := out.relSec
		if rs == nil {
			continue
		}
		var buf bytes.Buffer
		for i := range out.rels {
			obj.WriteReloc(&buf, st.Class, st.ByteOrder, rela, &out.rels[i])
		}
		if uint64(buf.Len()) != rs.Size {
			return fmt.Errorf("link/elf: %s: %d bytes of relocations, %d sized", rs.Name, buf.Len(), rs.Size)
		}
		rs.data = buf.Bytes()
		rs.Link = st.sec.symtab
		rs.Info = uint32(out.Index)
	}
	return nil
}
