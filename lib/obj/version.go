package obj

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	VersymHidden  = 0x8000
	VersymVersion = 0x7fff

	VerNdxLocal  = 0
	VerNdxGlobal = 1

	VerFlgBase = 0x1
	VerFlgWeak = 0x2

	verdefSize  = 20
	verdauxSize = 8
	verneedSize = 16
	vernauxSize = 16
)

type verdefRec struct {
	Version uint16
	Flags   uint16
	Ndx     uint16
	Cnt     uint16
	Hash    uint32
	Aux     uint32
	Next    uint32
}

type verdauxRec struct {
	Name uint32
	Next uint32
}

type verneedRec struct {
	Version uint16
	Cnt     uint16
	File    uint32
	Aux     uint32
	Next    uint32
}

type vernauxRec struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
	Next  uint32
}

// Hash is the SysV ELF hash used by .hash buckets and version records.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h<<4 + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= 0xf0000000
	}
	return h
}

func readAt(raw []byte, off uint32, order binary.ByteOrder, size int, v any) error {
	if uint64(off)+uint64(size) > uint64(len(raw)) {
		return fmt.Errorf("%w: version record at %#x out of range", ErrMalformed, off)
	}
	return binary.Read(bytes.NewReader(raw[off:int(off)+size]), order, v)
}

func decodeVersym(raw []byte, order binary.ByteOrder) []uint16 {
	vs := make([]uint16, len(raw)/2)
	for i := range vs {
		vs[i] = order.Uint16(raw[i*2:])
	}
	return vs
}

func decodeVerdef(raw []byte, count uint32, order binary.ByteOrder, strtab []byte) (defs []Verdef, err error) {
	var off uint32
	for i := uint32(0); i < count; i++ {
		var vd verdefRec
		if err = readAt(raw, off, order, verdefSize, &vd); err != nil {
			return
		}
		d := Verdef{Index: vd.Ndx, Flags: vd.Flags, Hash: vd.Hash}
		aoff := off + vd.Aux
		for j := uint16(0); j < vd.Cnt; j++ {
			var va verdauxRec
			if err = readAt(raw, aoff, order, verdauxSize, &va); err != nil {
				return
			}
			if j == 0 {
				d.Name = cstring(strtab, va.Name)
			} else {
				d.Parents = append(d.Parents, cstring(strtab, va.Name))
			}
			aoff += va.Next
		}
		defs = append(defs, d)
		if vd.Next == 0 {
			break
		}
		off += vd.Next
	}
	return
}

func decodeVerneed(raw []byte, count uint32, order binary.ByteOrder, strtab []byte) (needs []Verneed, err error) {
	var off uint32
	for i := uint32(0); i < count; i++ {
		var vn verneedRec
		if err = readAt(raw, off, order, verneedSize, &vn); err != nil {
			return
		}
		n := Verneed{File: cstring(strtab, vn.File)}
		aoff := off + vn.Aux
		for j := uint16(0); j < vn.Cnt; j++ {
			var va vernauxRec
			if err = readAt(raw, aoff, order, vernauxSize, &va); err != nil {
				return
			}
			n.Aux = append(n.Aux, Vernaux{
				Name:  cstring(strtab, va.Name),
				Hash:  va.Hash,
				Flags: va.Flags,
				Other: va.Other,
			})
			aoff += va.Next
		}
		needs = append(needs, n)
		if vn.Next == 0 {
			break
		}
		off += vn.Next
	}
	return
}

// VerdefOut describes one .gnu.version_d record to encode. Names holds
// string table offsets: the version itself first, then its parents.
type VerdefOut struct {
	Flags uint16
	Index uint16
	Hash  uint32
	Names []uint32
}

type VerneedOut struct {
	File uint32
	Aux  []VernauxOut
}

type VernauxOut struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
}

func VerdefSize(defs []VerdefOut) (n uint64) {
	for _, d := range defs {
		n += verdefSize + uint64(len(d.Names))*verdauxSize
	}
	return
}

func VerneedSize(needs []VerneedOut) (n uint64) {
	for _, vn := range needs {
		n += verneedSize + uint64(len(vn.Aux))*vernauxSize
	}
	return
}

func EncodeVerdef(order binary.ByteOrder, defs []VerdefOut) []byte {
	var buf bytes.Buffer
	for i, d := range defs {
		rec := verdefRec{
			Version: 1,
			Flags:   d.Flags,
			Ndx:     d.Index,
			Cnt:     uint16(len(d.Names)),
			Hash:    d.Hash,
			Aux:     verdefSize,
		}
		if i+1 < len(defs) {
			rec.Next = verdefSize + uint32(len(d.Names))*verdauxSize
		}
		binary.Write(&buf, order, rec)
		for j, name := range d.Names {
			aux := verdauxRec{Name: name}
			if j+1 < len(d.Names) {
				aux.Next = verdauxSize
			}
			binary.Write(&buf, order, aux)
		}
	}
	return buf.Bytes()
}

func EncodeVerneed(order binary.ByteOrder, needs []VerneedOut) []byte {
	var buf bytes.Buffer
	for i, vn := range needs {
		rec := verneedRec{
			Version: 1,
			Cnt:     uint16(len(vn.Aux)),
			File:    vn.File,
			Aux:     verneedSize,
		}
		if i+1 < len(needs) {
			rec.Next = verneedSize + uint32(len(vn.Aux))*vernauxSize
		}
		binary.Write(&buf, order, rec)
		for j, a := range vn.Aux {
			aux := vernauxRec{Hash: a.Hash, Flags: a.Flags, Other: a.Other, Name: a.Name}
			if j+1 < len(vn.Aux) {
				aux.Next = vernauxSize
			}
			binary.Write(&buf, order, aux)
		}
	}
	return buf.Bytes()
}

func EncodeVersym(order binary.ByteOrder, vs []uint16) []byte {
	b := make([]byte, len(vs)*2)
	for i, v := range vs {
		order.PutUint16(b[i*2:], v)
	}
	return b
}
