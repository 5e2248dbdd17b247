package elf

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/lib/obj/objtest"
)

func TestLinkWeakDefs(t *testing.T) {
	b := objtest.NewShared(elf.ELFCLASS64, elf.EM_X86_64, "libc.so.6")
	data := b.DataSection(".data", make([]byte, 32))
	text := b.Text(".text", make([]byte, 16))
	b.Global("environ", data, 8, 8, elf.STB_GLOBAL, elf.STT_OBJECT)
	b.Global("_environ", data, 8, 8, elf.STB_WEAK, elf.STT_OBJECT)
	b.Global("__environ", data, 8, 8, elf.STB_WEAK, elf.STT_OBJECT)
	b.Global("lonely", data, 16, 8, elf.STB_WEAK, elf.STT_OBJECT)
	b.Global("fn", text, 0, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Global("fn_alias", text, 0, 1, elf.STB_WEAK, elf.STT_FUNC)

	st := newTestState(testConfig(t))
	require.NoError(t, st.AddObject(mustObject(t, b, "libc.so.6")))
	st.linkWeakDefs()

	strong, ok := st.syms.Lookup("environ")
	require.True(t, ok)
	for _, name := range []string{"_environ", "__environ"} {
		g, ok := st.Lookup(name)
		require.True(t, ok)
		assert.Equal(t, strong, g.Weakdef, name)
	}
	lonely, _ := st.Lookup("lonely")
	assert.Equal(t, SymID(0), lonely.Weakdef)
	alias, _ := st.Lookup("fn_alias")
	assert.Equal(t, SymID(0), alias.Weakdef, "functions are not paired")
}

func TestWeakDefExportedWithStrong(t *testing.T) {
	lib := objtest.NewShared(elf.ELFCLASS64, elf.EM_X86_64, "libc.so.6")
	data := lib.DataSection(".data", make([]byte, 16))
	lib.Global("environ", data, 8, 8, elf.STB_GLOBAL, elf.STT_OBJECT)
	lib.Global("_environ", data, 8, 8, elf.STB_WEAK, elf.STT_OBJECT)

	b := newObj()
	text := b.Text(".text", make([]byte, 8))
	b.Global("_start", text, 0, 8, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Undef("_environ", elf.STB_GLOBAL)

	st := newTestState(testConfig(t))
	require.NoError(t, st.AddObject(mustObject(t, b, "a.o")))
	require.NoError(t, st.AddObject(mustObject(t, lib, "libc.so.6")))
	require.NoError(t, st.Resolve())

	weak, _ := st.Lookup("_environ")
	strong, _ := st.Lookup("environ")
	assert.NotEqual(t, -1, weak.Dynindx)
	assert.NotEqual(t, -1, strong.Dynindx)
}
