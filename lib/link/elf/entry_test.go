package elf

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/disasm"
	"github.com/ii64/elflink/lib/obj"
)

func stubState(t *testing.T, shared bool, be Backend) *LinkState {
	cfg := conf.Default()
	cfg.Shared = shared
	st := New(cfg, be, nil)
	st.sec.got = &OutputSection{Name: ".got", Addr: 0x601000}
	return st
}

func TestPLTStubAMD64Exec(t *testing.T) {
	st := stubState(t, false, newAMD64())
	code, err := pltStubAMD64(st, 0x401000, 0x601018)
	require.NoError(t, err)
	require.Len(t, code, pltEntrySize)

	insts, err := disasm.ArchAMD64.DecodeBlock(code)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(insts), 2)

	assert.Equal(t, x86asm.MOV, insts[0].Op)
	// a zero extended 32 bit move is as good as the 64 bit one
	assert.Contains(t, []x86asm.Arg{x86asm.R11, x86asm.R11L}, insts[0].Args[0])
	assert.Equal(t, x86asm.Imm(0x601018), insts[0].Args[1])

	assert.Equal(t, x86asm.JMP, insts[1].Op)
	mem, ok := insts[1].Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.R11, mem.Base)
	for _, inst := range insts[2:] {
		assert.Equal(t, x86asm.INT, inst.Op)
	}
}

func TestPLTStubAMD64Shared(t *testing.T) {
	st := stubState(t, true, newAMD64())
	code, err := pltStubAMD64(st, 0x1000, 0x3018)
	require.NoError(t, err)
	require.Len(t, code, pltEntrySize)

	inst, err := disasm.ArchAMD64.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JMP, inst.Op)
	mem, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.RIP, mem.Base)
	assert.Equal(t, int64(0x3018-(0x1000+6)), mem.Disp)
}

func TestPLTStubI386(t *testing.T) {
	st := stubState(t, false, newI386())
	code, err := pltStubI386(st, 0x8049000, 0x804a010)
	require.NoError(t, err)
	inst, err := disasm.Arch386.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JMP, inst.Op)
	mem, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.Reg(0), mem.Base)
	assert.Equal(t, int64(0x804a010), mem.Disp)

	st = stubState(t, true, newI386())
	st.sec.got.Addr = 0x2000
	code, err = pltStubI386(st, 0x1000, 0x2010)
	require.NoError(t, err)
	inst, err = disasm.Arch386.Decode(code)
	require.NoError(t, err)
	mem, ok = inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.EBX, mem.Base)
	assert.Equal(t, int64(0x10), mem.Disp)
}

func TestRelaxGOTPCRELX(t *testing.T) {
	// mov 0x0(%rip), %rax
	code := []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0}
	st := stubState(t, false, newAMD64())
	r := obj.Reloc{Type: uint32(elf.R_X86_64_REX_GOTPCRELX), Offset: 3}
	require.True(t, relaxGOTPCRELX(st, code, &r))
	assert.Equal(t, byte(0x8d), code[1])

	inst, err := disasm.ArchAMD64.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, x86asm.LEA, inst.Op)

	// call *0x0(%rip) is left alone
	call := []byte{0xff, 0x15, 0, 0, 0, 0}
	r = obj.Reloc{Type: uint32(elf.R_X86_64_GOTPCRELX), Offset: 2}
	assert.False(t, relaxGOTPCRELX(st, call, &r))
}
