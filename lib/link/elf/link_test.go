package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/obj/objtest"
)

var le = binary.LittleEndian

func findSym(t *testing.T, syms []elf.Symbol, name string) elf.Symbol {
	t.Helper()
	for _, s := range syms {
		if s.Name == name {
			return s
		}
	}
	require.Failf(t, "symbol not found", "%s", name)
	return elf.Symbol{}
}

func sectionData(t *testing.T, f *elf.File, name string) (*elf.Section, []byte) {
	t.Helper()
	s := f.Section(name)
	require.NotNil(t, s, name)
	data, err := s.Data()
	require.NoError(t, err)
	return s, data
}

// callerObject calls callee from _start and stores its address in .data.
func callerObject(t *testing.T, callee string, bind elf.SymBind) *objtest.Builder {
	b := newObj()
	text := b.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	data := b.DataSection(".data", make([]byte, 8))
	b.Local("helper", text, 5, 1, elf.STT_FUNC)
	b.Global("_start", text, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	fn := b.Undef(callee, bind)
	b.Reloc(text, 1, fn, uint32(elf.R_X86_64_PLT32), -4)
	b.Reloc(data, 0, fn, uint32(elf.R_X86_64_64), 0)
	return b
}

func link(t *testing.T, cfg *conf.Config, objs ...*obj.Object) (*LinkState, error) {
	st := newTestState(cfg)
	for _, o := range objs {
		require.NoError(t, st.AddObject(o))
	}
	return st, st.Link()
}

// dynTags reads the .dynamic entries of a 64-bit little endian output.
func dynTags(t *testing.T, f *elf.File) map[elf.DynTag]uint64 {
	t.Helper()
	_, raw := sectionData(t, f, ".dynamic")
	tags := map[elf.DynTag]uint64{}
	for i := 0; i+16 <= len(raw); i += 16 {
		tag := elf.DynTag(binary.LittleEndian.Uint64(raw[i:]))
		if tag == elf.DT_NULL {
			break
		}
		tags[tag] = binary.LittleEndian.Uint64(raw[i+8:])
	}
	return tags
}

func openOutput(t *testing.T, cfg *conf.Config) *elf.File {
	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestLinkStaticExecutable(t *testing.T) {
	cfg := testConfig(t)
	a := mustObject(t, callerObject(t, "foo", elf.STB_GLOBAL), "a.o")
	b := mustObject(t, func() *objtest.Builder {
		b := newObj()
		text := b.Text(".text", []byte{0xc3})
		b.Global("foo", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
		return b
	}(), "b.o")
	_, err := link(t, cfg, a, b)
	require.NoError(t, err)

	f := openOutput(t, cfg)
	assert.Equal(t, elf.ET_EXEC, f.Type)
	assert.Equal(t, elf.EM_X86_64, f.Machine)

	syms, err := f.Symbols()
	require.NoError(t, err)
	start := findSym(t, syms, "_start")
	foo := findSym(t, syms, "foo")
	assert.Equal(t, start.Value, f.Entry)
	assert.GreaterOrEqual(t, start.Value, uint64(0x400000))

	text, code := sectionData(t, f, ".text")
	assert.Equal(t, elf.SHF_ALLOC|elf.SHF_EXECINSTR, text.Flags)
	off := start.Value - text.Addr
	disp := int32(le.Uint32(code[off+1:]))
	assert.Equal(t, int64(foo.Value)-int64(start.Value+5), int64(disp))

	_, data := sectionData(t, f, ".data")
	assert.Equal(t, foo.Value, le.Uint64(data))

	loads := 0
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads++
			assert.Equal(t, p.Off%0x1000, p.Vaddr%0x1000)
		}
	}
	assert.Equal(t, 2, loads)
	assert.Nil(t, f.Section(".interp"))
	assert.Nil(t, f.Section(".dynamic"))

	st, err := os.Stat(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())
}

func TestLinkLocalsFirst(t *testing.T) {
	cfg := testConfig(t)
	a := mustObject(t, callerObject(t, "foo", elf.STB_GLOBAL), "a.o")
	b := newObj()
	text := b.Text(".text", []byte{0xc3, 0xc3})
	b.Global("foo", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Local("lb", text, 1, 1, elf.STT_FUNC)
	_, err := link(t, cfg, a, mustObject(t, b, "b.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	syms, err := f.Symbols()
	require.NoError(t, err)
	symtab := f.Section(".symtab")
	require.NotNil(t, symtab)
	first := int(symtab.Info)
	require.Greater(t, first, 1)
	for i, s := range syms {
		// syms omits the null symbol
		local := elf.ST_BIND(s.Info) == elf.STB_LOCAL
		assert.Equal(t, i+1 < first, local, "symbol %d %q", i+1, s.Name)
	}
	findSym(t, syms, "helper")
	findSym(t, syms, "lb")
}

func TestLinkUndefined(t *testing.T) {
	cfg := testConfig(t)
	_, err := link(t, cfg, mustObject(t, callerObject(t, "missing", elf.STB_GLOBAL), "a.o"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, diag.UnresolvedSymbol))
	_, statErr := os.Stat(cfg.Output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestLinkUndefinedWeakIsZero(t *testing.T) {
	cfg := testConfig(t)
	_, err := link(t, cfg, mustObject(t, callerObject(t, "maybe", elf.STB_WEAK), "a.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	_, data := sectionData(t, f, ".data")
	assert.Zero(t, le.Uint64(data))
}

func TestLinkCommonsInBss(t *testing.T) {
	cfg := testConfig(t)
	b := newObj()
	text := b.Text(".text", []byte{0xc3})
	data := b.DataSection(".data", make([]byte, 8))
	b.Global("_start", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	buf := b.Common("buf", 64, 32)
	b.Reloc(data, 0, buf, uint32(elf.R_X86_64_64), 8)
	_, err := link(t, cfg, mustObject(t, b, "a.o"), commonObj(t, "c.o", "buf", 16, 8))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	syms, err := f.Symbols()
	require.NoError(t, err)
	sym := findSym(t, syms, "buf")
	bss := f.Section(".bss")
	require.NotNil(t, bss)
	assert.Equal(t, elf.SHT_NOBITS, bss.Type)
	assert.Equal(t, uint64(64), sym.Size)
	assert.Zero(t, sym.Value%32)
	assert.GreaterOrEqual(t, sym.Value, bss.Addr)
	assert.LessOrEqual(t, sym.Value+sym.Size, bss.Addr+bss.Size)

	_, d := sectionData(t, f, ".data")
	assert.Equal(t, sym.Value+8, le.Uint64(d))
}

func stringsObject(t *testing.T, path string) *obj.Object {
	b := newObj()
	str := b.Section(".rodata.str1.1", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_MERGE|elf.SHF_STRINGS, []byte("hello\x00world\x00"))
	b.SetEntsize(str, 1)
	b.SetAlign(str, 1)
	data := b.DataSection(".data", make([]byte, 16))
	sym := b.SectionSym(str)
	b.Reloc(data, 0, sym, uint32(elf.R_X86_64_64), 0)
	b.Reloc(data, 8, sym, uint32(elf.R_X86_64_64), 6)
	return mustObject(t, b, path)
}

func TestLinkMergedStrings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Entry = "0x1000"
	_, err := link(t, cfg, stringsObject(t, "a.o"), stringsObject(t, "b.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	ro, str := sectionData(t, f, ".rodata")
	assert.Equal(t, []byte("hello\x00world\x00"), str)
	assert.Equal(t, uint64(0x1000), f.Entry)

	_, data := sectionData(t, f, ".data")
	require.Len(t, data, 32)
	for i := 0; i < 2; i++ {
		assert.Equal(t, ro.Addr, le.Uint64(data[16*i:]))
		assert.Equal(t, ro.Addr+6, le.Uint64(data[16*i+8:]))
	}
}

func TestLinkRelocatable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relocatable = true

	a := newObj()
	atext := a.Text(".text", []byte{0xc3, 0xc3, 0xc3, 0xc3})
	a.Local("la", atext, 1, 1, elf.STT_FUNC)
	a.Global("ga", atext, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)

	b := newObj()
	btext := b.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	b.Local("lb", btext, 5, 1, elf.STT_FUNC)
	ga := b.Undef("ga", elf.STB_GLOBAL)
	b.Global("gb", btext, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Reloc(btext, 1, ga, uint32(elf.R_X86_64_PLT32), -4)

	_, err := link(t, cfg, mustObject(t, a, "a.o"), mustObject(t, b, "b.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	assert.Equal(t, elf.ET_REL, f.Type)
	assert.Empty(t, f.Progs)
	syms, err := f.Symbols()
	require.NoError(t, err)
	symtab := f.Section(".symtab")
	for i, s := range syms {
		assert.Equal(t, i+1 < int(symtab.Info), elf.ST_BIND(s.Info) == elf.STB_LOCAL, s.Name)
	}

	text, code := sectionData(t, f, ".text")
	lb := findSym(t, syms, "lb")
	assert.Equal(t, uint64(16+5), lb.Value)
	assert.Equal(t, byte(0xe8), code[16])

	rel, raw := sectionData(t, f, ".rela.text")
	assert.Equal(t, elf.SHT_RELA, rel.Type)
	assert.Equal(t, text, f.Sections[rel.Info])
	assert.Equal(t, symtab, f.Sections[rel.Link])
	rels, err := obj.DecodeRelocs(raw, elf.ELFCLASS64, le, true)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, uint64(17), rels[0].Offset)
	assert.Equal(t, uint32(elf.R_X86_64_PLT32), rels[0].Type)
	assert.Equal(t, int64(-4), rels[0].Addend)
	assert.Equal(t, "ga", syms[rels[0].Sym-1].Name)

	st, err := os.Stat(cfg.Output)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())
}

func TestLinkSharedPLT(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shared = true
	cfg.Soname = "libhello.so"

	b := newObj()
	text := b.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	b.Global("hello", text, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	puts := b.Undef("puts", elf.STB_GLOBAL)
	b.Reloc(text, 1, puts, uint32(elf.R_X86_64_PLT32), -4)

	_, err := link(t, cfg, mustObject(t, b, "a.o"), sharedLib(t, "libc.so.6", "puts"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	assert.Equal(t, elf.ET_DYN, f.Type)
	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6"}, libs)
	soname, err := f.DynString(elf.DT_SONAME)
	require.NoError(t, err)
	assert.Equal(t, []string{"libhello.so"}, soname)

	dsyms, err := f.DynamicSymbols()
	require.NoError(t, err)
	dputs := findSym(t, dsyms, "puts")
	assert.Equal(t, elf.SHN_UNDEF, dputs.Section)
	hello := findSym(t, dsyms, "hello")
	assert.NotEqual(t, elf.SHN_UNDEF, hello.Section)

	plt, stub := sectionData(t, f, ".plt")
	require.Len(t, stub, 16)
	got := f.Section(".got")
	require.NotNil(t, got)

	_, code := sectionData(t, f, ".text")
	off := hello.Value - f.Section(".text").Addr
	disp := int32(le.Uint32(code[off+1:]))
	assert.Equal(t, int64(plt.Addr)-int64(hello.Value+5), int64(disp))

	_, raw := sectionData(t, f, ".rela.dyn")
	rels, err := obj.DecodeRelocs(raw, elf.ELFCLASS64, le, true)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	r := rels[0]
	assert.Equal(t, uint32(elf.R_X86_64_JMP_SLOT), r.Type)
	assert.Equal(t, "puts", dsyms[r.Sym-1].Name)
	assert.GreaterOrEqual(t, r.Offset, got.Addr)
	assert.Less(t, r.Offset, got.Addr+got.Size)

	assert.Equal(t, []byte{0xff, 0x25}, stub[:2])
	assert.Equal(t, int64(r.Offset)-int64(plt.Addr+6), int64(int32(le.Uint32(stub[2:]))))
}

func TestLinkSharedWithoutSonameNeededOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shared = true

	b := newObj()
	text := b.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	b.Global("start", text, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	ext := b.Undef("ext", elf.STB_GLOBAL)
	b.Reloc(text, 1, ext, uint32(elf.R_X86_64_PLT32), -4)

	lib := func() *obj.Object {
		lb := objtest.NewShared(elf.ELFCLASS64, elf.EM_X86_64, "")
		ltext := lb.Text(".text", make([]byte, 16))
		lb.Global("ext", ltext, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
		return mustObject(t, lb, "/usr/lib/libns.so")
	}
	st, err := link(t, cfg, mustObject(t, b, "a.o"), lib(), lib())
	require.NoError(t, err)
	assert.Len(t, st.files, 2)

	f := openOutput(t, cfg)
	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"libns.so"}, libs)
}

func TestLinkSharedRelative(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shared = true

	b := newObj()
	text := b.Text(".text", []byte{0xc3})
	data := b.DataSection(".data", make([]byte, 8))
	fn := b.Global("fn", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Reloc(data, 0, fn, uint32(elf.R_X86_64_64), 0)
	_, err := link(t, cfg, mustObject(t, b, "a.o"))
	require.NoError(t, err)

	f := openOutput(t, cfg)
	dsyms, err := f.DynamicSymbols()
	require.NoError(t, err)
	dfn := findSym(t, dsyms, "fn")
	dataSec, _ := sectionData(t, f, ".data")

	_, raw := sectionData(t, f, ".rela.dyn")
	rels, err := obj.DecodeRelocs(raw, elf.ELFCLASS64, le, true)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, uint32(elf.R_X86_64_RELATIVE), rels[0].Type)
	assert.Equal(t, dataSec.Addr, rels[0].Offset)
	assert.Equal(t, int64(dfn.Value), rels[0].Addend)
	assert.Equal(t, uint64(1), dynTags(t, f)[dtRelaCount])
}

func TestLinkInitFiniTags(t *testing.T) {
	build := func(withInit bool) *objtest.Builder {
		b := newObj()
		text := b.Text(".text", []byte{0xc3, 0xc3})
		b.Global("api", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
		if withInit {
			b.Global("_init", text, 1, 1, elf.STB_GLOBAL, elf.STT_FUNC)
		}
		return b
	}

	cfg := testConfig(t)
	cfg.Shared = true
	_, err := link(t, cfg, mustObject(t, build(true), "a.o"))
	require.NoError(t, err)
	f := openOutput(t, cfg)
	syms, err := f.Symbols()
	require.NoError(t, err)
	tags := dynTags(t, f)
	assert.Equal(t, findSym(t, syms, "_init").Value, tags[elf.DT_INIT])
	assert.NotContains(t, tags, elf.DT_FINI)

	// an _init provided by a shared object does not apply to this one
	cfg = testConfig(t)
	cfg.Shared = true
	_, err = link(t, cfg, mustObject(t, build(false), "a.o"), sharedLib(t, "libinit.so", "_init"))
	require.NoError(t, err)
	tags = dynTags(t, openOutput(t, cfg))
	assert.NotContains(t, tags, elf.DT_INIT)
}

func TestLinkTraceAndDump(t *testing.T) {
	cfg := testConfig(t)
	a := mustObject(t, callerObject(t, "foo", elf.STB_GLOBAL), "a.o")
	b := newObj()
	text := b.Text(".text", []byte{0xc3})
	b.Global("foo", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)

	st := newTestState(cfg)
	var trace bytes.Buffer
	st.SetTrace(&trace)
	require.NoError(t, st.AddObject(a))
	require.NoError(t, st.AddObject(mustObject(t, b, "b.o")))
	require.NoError(t, st.Link())
	assert.Contains(t, trace.String(), "R_X86_64_PLT32 foo-4")
	assert.Contains(t, trace.String(), "R_X86_64_64 foo+0")

	var dump bytes.Buffer
	st.DumpSymtab(&dump)
	assert.Contains(t, dump.String(), `"_start"`)
	assert.Contains(t, dump.String(), `"defined"`)
}

func TestLinkNoKeepMemory(t *testing.T) {
	dir := t.TempDir()
	write := func(b *objtest.Builder, name string) *obj.Object {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
		o, err := obj.ReadFile(path)
		require.NoError(t, err)
		return o
	}
	a := write(callerObject(t, "foo", elf.STB_GLOBAL), "a.o")
	b := newObj()
	text := b.Text(".text", []byte{0xc3})
	b.Global("foo", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	bo := write(b, "b.o")

	cfg := testConfig(t)
	cfg.NoKeepMemory = true
	_, err := link(t, cfg, a, bo)
	require.NoError(t, err)
	assert.True(t, a.Released())
	assert.True(t, bo.Released())

	f := openOutput(t, cfg)
	syms, err := f.Symbols()
	require.NoError(t, err)
	_, data := sectionData(t, f, ".data")
	assert.Equal(t, findSym(t, syms, "foo").Value, le.Uint64(data))
}
