package elf

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gcFixture struct {
	st                                   *LinkState
	start, used, deep, unused, ctor, arr int
}

func (fx *gcFixture) sec(i int) *InputSection {
	return fx.st.files[0].Sections[i]
}

func newGCFixture(t *testing.T, keep ...string) *gcFixture {
	call := []byte{0xe8, 0, 0, 0, 0, 0xc3}
	b := newObj()
	fx := &gcFixture{}
	fx.start = b.Text(".text._start", call)
	fx.used = b.Text(".text.used", call)
	fx.deep = b.Text(".text.deep", []byte{0xc3})
	fx.unused = b.Text(".text.unused", call)
	fx.ctor = b.Text(".text.ctor", []byte{0xc3})
	fx.arr = b.Section(".init_array", elf.SHT_INIT_ARRAY, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 8))

	b.Global("_start", fx.start, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	used := b.Global("used", fx.used, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	deep := b.Global("deep", fx.deep, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Global("unused", fx.unused, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	ctor := b.Local("ctor", fx.ctor, 0, 1, elf.STT_FUNC)

	plt32 := uint32(elf.R_X86_64_PLT32)
	b.Reloc(fx.start, 1, used, plt32, -4)
	b.Reloc(fx.used, 1, deep, plt32, -4)
	b.Reloc(fx.unused, 1, deep, plt32, -4)
	b.Reloc(fx.arr, 0, ctor, uint32(elf.R_X86_64_64), 0)

	cfg := testConfig(t)
	cfg.GCSections = true
	cfg.KeepSections = keep
	fx.st = newTestState(cfg)
	require.NoError(t, fx.st.AddObject(mustObject(t, b, "a.o")))
	return fx
}

func TestGCSections(t *testing.T) {
	fx := newGCFixture(t)
	deep, _ := fx.st.Lookup("deep")
	assert.Equal(t, 2, deep.PltRefs)

	require.NoError(t, fx.st.Resolve())
	deep, _ = fx.st.Lookup("deep")
	for _, i := range []int{fx.start, fx.used, fx.deep, fx.ctor, fx.arr} {
		s := fx.sec(i)
		assert.True(t, s.Mark, s.Name)
		assert.False(t, s.Discarded, s.Name)
	}
	unused := fx.sec(fx.unused)
	assert.False(t, unused.Mark)
	assert.True(t, unused.Discarded)
	assert.Equal(t, 1, deep.PltRefs, "sweep drops the references of discarded sections")
}

func TestGCKeepPattern(t *testing.T) {
	fx := newGCFixture(t, ".text.un*")
	require.NoError(t, fx.st.Resolve())
	assert.True(t, fx.sec(fx.unused).Mark)
	assert.False(t, fx.sec(fx.unused).Discarded)
}

func TestGCDisabled(t *testing.T) {
	fx := newGCFixture(t)
	fx.st.cfg.GCSections = false
	require.NoError(t, fx.st.Resolve())
	for _, s := range fx.st.files[0].Sections {
		if s != nil {
			assert.False(t, s.Discarded, s.Name)
		}
	}
}

func TestGCOutputOmitsSweptSections(t *testing.T) {
	fx := newGCFixture(t)
	require.NoError(t, fx.st.Link())
	text := fx.st.findOutput(".text")
	require.NotNil(t, text)
	for _, s := range text.Members {
		assert.NotEqual(t, ".text.unused", s.Name)
	}
	assert.Len(t, text.Members, 4)
}
