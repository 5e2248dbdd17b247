package elf

import (
	"debug/elf"

	"github.com/ii64/elflink/lib/disasm"
)

const (
	r386GnuVtinherit = 250
	r386GnuVtentry   = 251
)

func i386Table() map[uint32]howto {
	t := map[uint32]howto{
		uint32(elf.R_386_NONE):   {kind: kNone},
		uint32(elf.R_386_32):     {kind: kAbs, size: 4},
		uint32(elf.R_386_PC32):   {kind: kPC, size: 4, signed: true},
		uint32(elf.R_386_GOT32):  {kind: kGOTBase, size: 4},
		uint32(elf.R_386_PLT32):  {kind: kPLT, size: 4, signed: true},
		uint32(elf.R_386_GOTOFF): {kind: kGOTOff, size: 4},
		uint32(elf.R_386_GOTPC):  {kind: kGOTPC, size: 4},
		uint32(elf.R_386_GOT32X): {kind: kGOTBase, size: 4},
		uint32(elf.R_386_16):     {kind: kAbs, size: 2},
		uint32(elf.R_386_PC16):   {kind: kPC, size: 2, signed: true},
		uint32(elf.R_386_8):      {kind: kAbs, size: 1},
		uint32(elf.R_386_PC8):    {kind: kPC, size: 1, signed: true},
		uint32(elf.R_386_SIZE32): {kind: kSize, size: 4},
		r386GnuVtinherit:         {kind: kVtInherit},
		r386GnuVtentry:           {kind: kVtEntry},
	}
	for _, r := range []elf.R_386{
		elf.R_386_TLS_TPOFF, elf.R_386_TLS_IE, elf.R_386_TLS_GOTIE, elf.R_386_TLS_LE,
		elf.R_386_TLS_GD, elf.R_386_TLS_LDM, elf.R_386_TLS_LDO_32, elf.R_386_TLS_IE_32,
		elf.R_386_TLS_LE_32, elf.R_386_TLS_DTPMOD32, elf.R_386_TLS_DTPOFF32,
		elf.R_386_TLS_TPOFF32, elf.R_386_TLS_GOTDESC, elf.R_386_TLS_DESC_CALL,
	} {
		t[uint32(r)] = howto{kind: kTLS, size: 4}
	}
	return t
}

func newI386() *x86Backend {
	return &x86Backend{
		name:     "elf32-i386",
		machine:  elf.EM_386,
		class:    elf.ELFCLASS32,
		base:     0x08048000,
		interp:   "/lib/ld-linux.so.2",
		table:    i386Table(),
		names:    func(typ uint32) string { return elf.R_386(typ).String() },
		none:     uint32(elf.R_386_NONE),
		vtinh:    r386GnuVtinherit,
		vtent:    r386GnuVtentry,
		abs:      uint32(elf.R_386_32),
		relative: uint32(elf.R_386_RELATIVE),
		globDat:  uint32(elf.R_386_GLOB_DAT),
		jumpSlot: uint32(elf.R_386_JMP_SLOT),
		pltStub:  pltStubI386,
		fill:     disasm.Arch386.Nop,
	}
}
