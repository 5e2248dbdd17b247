package elf

import (
	"debug/elf"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ii64/elflink/lib/disasm"
	"github.com/ii64/elflink/lib/obj"
)

const (
	rX86_64GnuVtinherit = 250
	rX86_64GnuVtentry   = 251
)

func amd64Table() map[uint32]howto {
	t := map[uint32]howto{
		uint32(elf.R_X86_64_NONE):          {kind: kNone},
		uint32(elf.R_X86_64_64):            {kind: kAbs, size: 8},
		uint32(elf.R_X86_64_PC32):          {kind: kPC, size: 4, signed: true},
		uint32(elf.R_X86_64_GOT32):         {kind: kGOTBase, size: 4, signed: true},
		uint32(elf.R_X86_64_PLT32):         {kind: kPLT, size: 4, signed: true},
		uint32(elf.R_X86_64_GOTPCREL):      {kind: kGOTPCRel, size: 4, signed: true},
		uint32(elf.R_X86_64_32):            {kind: kAbs, size: 4, strict: true},
		uint32(elf.R_X86_64_32S):           {kind: kAbs, size: 4, signed: true},
		uint32(elf.R_X86_64_16):            {kind: kAbs, size: 2},
		uint32(elf.R_X86_64_PC16):          {kind: kPC, size: 2, signed: true},
		uint32(elf.R_X86_64_8):             {kind: kAbs, size: 1},
		uint32(elf.R_X86_64_PC8):           {kind: kPC, size: 1, signed: true},
		uint32(elf.R_X86_64_PC64):          {kind: kPC, size: 8, signed: true},
		uint32(elf.R_X86_64_GOTOFF64):      {kind: kGOTOff, size: 8},
		uint32(elf.R_X86_64_GOTPC32):       {kind: kGOTPC, size: 4, signed: true},
		uint32(elf.R_X86_64_SIZE32):        {kind: kSize, size: 4},
		uint32(elf.R_X86_64_SIZE64):        {kind: kSize, size: 8},
		uint32(elf.R_X86_64_GOTPCRELX):     {kind: kGOTRelax, size: 4, signed: true},
		uint32(elf.R_X86_64_REX_GOTPCRELX): {kind: kGOTRelax, size: 4, signed: true},
		rX86_64GnuVtinherit:                {kind: kVtInherit},
		rX86_64GnuVtentry:                  {kind: kVtEntry},
	}
	for _, r := range []elf.R_X86_64{
		elf.R_X86_64_DTPMOD64, elf.R_X86_64_DTPOFF64, elf.R_X86_64_TPOFF64,
	} {
		t[uint32(r)] = howto{kind: kTLS, size: 8}
	}
	for _, r := range []elf.R_X86_64{
		elf.R_X86_64_TLSGD, elf.R_X86_64_TLSLD, elf.R_X86_64_DTPOFF32,
		elf.R_X86_64_GOTTPOFF, elf.R_X86_64_TPOFF32, elf.R_X86_64_GOTPC32_TLSDESC,
		elf.R_X86_64_TLSDESC_CALL,
	} {
		t[uint32(r)] = howto{kind: kTLS, size: 4}
	}
	return t
}

func newAMD64() *x86Backend {
	return &x86Backend{
		name:     "elf64-x86-64",
		machine:  elf.EM_X86_64,
		class:    elf.ELFCLASS64,
		rela:     true,
		base:     0x400000,
		interp:   "/lib64/ld-linux-x86-64.so.2",
		table:    amd64Table(),
		names:    func(typ uint32) string { return elf.R_X86_64(typ).String() },
		none:     uint32(elf.R_X86_64_NONE),
		vtinh:    rX86_64GnuVtinherit,
		vtent:    rX86_64GnuVtentry,
		abs:      uint32(elf.R_X86_64_64),
		relative: uint32(elf.R_X86_64_RELATIVE),
		globDat:  uint32(elf.R_X86_64_GLOB_DAT),
		jumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		pltStub:  pltStubAMD64,
		relax:    relaxGOTPCRELX,
		fill:     disasm.ArchAMD64.Nop,
	}
}

// relaxGOTPCRELX turns `mov foo@GOTPCREL(%rip), %reg` into
// `lea foo(%rip), %reg` for symbols resolved at link time. It reports
// whether the instruction was rewritten.
func relaxGOTPCRELX(st *LinkState, data []byte, r *obj.Reloc) bool {
	start := r.Offset - 2
	if r.Type == uint32(elf.R_X86_64_REX_GOTPCRELX) {
		start = r.Offset - 3
	}
	if r.Offset < 3 || r.Offset+4 > uint64(len(data)) || data[r.Offset-2] != 0x8b {
		return false
	}
	inst, err := disasm.ArchAMD64.Decode(data[start:])
	if err != nil || inst.Op != x86asm.MOV || uint64(inst.Len) != r.Offset+4-start {
		return false
	}
	mem, ok := inst.Args[1].(x86asm.Mem)
	if !ok || mem.Base != x86asm.RIP {
		return false
	}
	data[r.Offset-2] = 0x8d
	return true
}
