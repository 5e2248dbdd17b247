package elf

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj/objtest"
)

// inlObject carries a COMDAT group "inl" with an inline function of size
// inlSize and a .debug_info word pointing at it.
func inlObject(withStart bool, inlSize int) (b *objtest.Builder, grp int) {
	b = newObj()
	if withStart {
		text := b.Text(".text", []byte{0xc3})
		b.Global("_start", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	}
	grp = b.Text(".text.inl", make([]byte, inlSize))
	inl := b.Global("inl", grp, 0, uint64(inlSize), elf.STB_WEAK, elf.STT_FUNC)
	b.Group(inl, grp)
	dbg := b.Debug(".debug_info", make([]byte, 8))
	b.Reloc(dbg, 0, b.SectionSym(grp), uint32(elf.R_X86_64_64), 0)
	return
}

func TestComdatFolding(t *testing.T) {
	b1, grp := inlObject(true, 8)
	b2, _ := inlObject(false, 8)
	st := newTestState(testConfig(t))
	require.NoError(t, st.AddObject(mustObject(t, b1, "a.o")))
	require.NoError(t, st.AddObject(mustObject(t, b2, "b.o")))

	kept := st.files[0].Sections[grp]
	dup := st.files[1].Sections[grp]
	assert.False(t, kept.Discarded)
	assert.True(t, dup.Discarded)
	assert.Same(t, kept, dup.Kept)

	g, _ := st.Lookup("inl")
	assert.Same(t, kept, g.Sec)
	assert.Equal(t, 0, st.rep.Count(diag.SymbolConflict))
}

func TestLinkonceFolding(t *testing.T) {
	build := func() (*objtest.Builder, int) {
		b := newObj()
		lo := b.Text(".gnu.linkonce.t.thunk", []byte{0xc3})
		b.Global("thunk", lo, 0, 1, elf.STB_WEAK, elf.STT_FUNC)
		return b, lo
	}
	b1, lo := build()
	b2, _ := build()
	st := newTestState(testConfig(t))
	require.NoError(t, st.AddObject(mustObject(t, b1, "a.o")))
	require.NoError(t, st.AddObject(mustObject(t, b2, "b.o")))

	first := st.files[0].Sections[lo]
	assert.True(t, first.IsLinkonce())
	assert.False(t, first.Discarded)
	assert.True(t, st.files[1].Sections[lo].Discarded)
	assert.Same(t, first, st.files[1].Sections[lo].Kept)
}

func TestDebugRefToFoldedCopy(t *testing.T) {
	for _, tc := range []struct {
		name    string
		dupSize int
		same    bool
	}{
		{"same size", 8, true},
		{"size mismatch", 16, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			b1, _ := inlObject(true, 8)
			b2, _ := inlObject(false, tc.dupSize)
			_, err := link(t, cfg, mustObject(t, b1, "a.o"), mustObject(t, b2, "b.o"))
			require.NoError(t, err)

			f := openOutput(t, cfg)
			syms, err := f.Symbols()
			require.NoError(t, err)
			inl := findSym(t, syms, "inl")
			_, data := sectionData(t, f, ".debug_info")
			require.Len(t, data, 16)
			assert.Equal(t, inl.Value, binary.LittleEndian.Uint64(data[0:]))
			if tc.same {
				assert.Equal(t, inl.Value, binary.LittleEndian.Uint64(data[8:]))
			} else {
				assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[8:]))
			}
		})
	}
}

func TestDebugRefToSweptSection(t *testing.T) {
	b := newObj()
	text := b.Text(".text._start", []byte{0xc3})
	dead := b.Text(".text.dead", []byte{0xc3})
	b.Global("_start", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	dbg := b.Debug(".debug_info", make([]byte, 16))
	b.Reloc(dbg, 0, b.SectionSym(text), uint32(elf.R_X86_64_64), 0)
	b.Reloc(dbg, 8, b.SectionSym(dead), uint32(elf.R_X86_64_64), 0)

	cfg := testConfig(t)
	cfg.GCSections = true
	st, err := link(t, cfg, mustObject(t, b, "a.o"))
	require.NoError(t, err)
	assert.True(t, st.files[0].Sections[dead].Discarded)

	f := openOutput(t, cfg)
	syms, err := f.Symbols()
	require.NoError(t, err)
	_, data := sectionData(t, f, ".debug_info")
	require.Len(t, data, 16)
	assert.Equal(t, findSym(t, syms, "_start").Value, binary.LittleEndian.Uint64(data[0:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[8:]))
}

func TestDiscardedSectionReference(t *testing.T) {
	cfg := testConfig(t)
	b1, _ := inlObject(true, 8)
	b2, grp := inlObject(false, 8)
	data := b2.DataSection(".data", make([]byte, 8))
	b2.Reloc(data, 0, b2.SectionSym(grp), uint32(elf.R_X86_64_64), 0)

	st, err := link(t, cfg, mustObject(t, b1, "a.o"), mustObject(t, b2, "b.o"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, diag.DiscardedSectionReference))
	assert.Equal(t, 1, st.rep.Count(diag.DiscardedSectionReference))
	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLinkonceLocalReferenceZeroed(t *testing.T) {
	build := func(withStart bool) *objtest.Builder {
		b := newObj()
		if withStart {
			text := b.Text(".text", []byte{0xc3})
			b.Global("_start", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
		}
		lo := b.Text(".gnu.linkonce.t.thunk", []byte{0xc3})
		data := b.DataSection(".data", make([]byte, 8))
		b.Reloc(data, 0, b.SectionSym(lo), uint32(elf.R_X86_64_64), 0)
		return b
	}
	cfg := testConfig(t)
	_, err := link(t, cfg, mustObject(t, build(true), "a.o"), mustObject(t, build(false), "b.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	_, data := sectionData(t, f, ".data")
	require.Len(t, data, 16)
	assert.NotEqual(t, uint64(0), binary.LittleEndian.Uint64(data[0:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[8:]))
}

func TestGCKeepsGroupMembers(t *testing.T) {
	b := newObj()
	start := b.Text(".text._start", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	g1 := b.Text(".text.g1", []byte{0xc3})
	g2 := b.Text(".text.g2", []byte{0xc3})
	lone := b.Text(".text.lone", []byte{0xc3})
	b.Global("_start", start, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	sig := b.Global("g1", g1, 0, 1, elf.STB_WEAK, elf.STT_FUNC)
	b.Group(sig, g1, g2)
	b.Reloc(start, 1, sig, uint32(elf.R_X86_64_PLT32), -4)

	cfg := testConfig(t)
	cfg.GCSections = true
	st := newTestState(cfg)
	require.NoError(t, st.AddObject(mustObject(t, b, "a.o")))
	require.NoError(t, st.Resolve())

	secs := st.files[0].Sections
	assert.True(t, secs[g1].Mark)
	assert.True(t, secs[g2].Mark)
	assert.False(t, secs[g2].Discarded)
	assert.True(t, secs[lone].Discarded)
}

// vtableObject has a base vtable and a child inheriting it, two slots
// each, with only slot 0 called through the child. baseSlot1 adds a call
// through slot 1 of the base.
func vtableObject(t *testing.T, baseSlot1 bool) (st *LinkState, fnA, fnB, child int) {
	b := newObj()
	start := b.Text(".text._start", []byte{0x8b, 0x05, 0, 0, 0, 0, 0xc3})
	fnA = b.Text(".text.a", []byte{0xc3})
	fnB = b.Text(".text.b", []byte{0xc3})
	base := b.DataSection(".data.rel.ro.base", make([]byte, 16))
	child = b.DataSection(".data.rel.ro.child", make([]byte, 16))

	b.Global("_start", start, 0, 7, elf.STB_GLOBAL, elf.STT_FUNC)
	a := b.Global("fn_a", fnA, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	bb := b.Global("fn_b", fnB, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	vbase := b.Global("vt_base", base, 0, 16, elf.STB_GLOBAL, elf.STT_OBJECT)
	vchild := b.Global("vt_child", child, 0, 16, elf.STB_GLOBAL, elf.STT_OBJECT)

	abs := uint32(elf.R_X86_64_64)
	for _, sec := range []int{base, child} {
		b.Reloc(sec, 0, a, abs, 0)
		b.Reloc(sec, 8, bb, abs, 0)
	}
	b.Reloc(child, 0, vbase, rX86_64GnuVtinherit, 0)
	b.Reloc(start, 2, vchild, uint32(elf.R_X86_64_PC32), -4)
	b.Reloc(start, 0, vchild, rX86_64GnuVtentry, 0)
	if baseSlot1 {
		b.Reloc(start, 0, vbase, rX86_64GnuVtentry, 8)
	}

	cfg := testConfig(t)
	cfg.GCSections = true
	st = newTestState(cfg)
	require.NoError(t, st.AddObject(mustObject(t, b, "a.o")))
	require.NoError(t, st.Resolve())
	return
}

func relocAt(s *InputSection, off uint64, typ uint32) bool {
	for _, r := range s.Relocs {
		if r.Offset == off && r.Type == typ {
			return true
		}
	}
	return false
}

func TestGCVtableUnusedSlot(t *testing.T) {
	st, fnA, fnB, child := vtableObject(t, false)
	secs := st.files[0].Sections
	assert.False(t, secs[fnA].Discarded)
	assert.True(t, secs[fnB].Discarded)
	assert.True(t, relocAt(secs[child], 8, uint32(elf.R_X86_64_NONE)))
	assert.True(t, relocAt(secs[child], 0, uint32(elf.R_X86_64_64)))
}

func TestGCVtableSlotInherited(t *testing.T) {
	st, fnA, fnB, child := vtableObject(t, true)
	secs := st.files[0].Sections
	assert.False(t, secs[fnA].Discarded)
	assert.False(t, secs[fnB].Discarded)
	assert.True(t, relocAt(secs[child], 8, uint32(elf.R_X86_64_64)))
}
