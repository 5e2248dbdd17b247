package elf

import (
	"encoding/binary"
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	asmobj "github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

const pltEntrySize = 16

// padStub pads a PLT stub to the entry size with int3.
func padStub(code []byte) ([]byte, error) {
	if len(code) > pltEntrySize {
		return nil, fmt.Errorf("PLT stub is %d bytes", len(code))
	}
	for len(code) < pltEntrySize {
		code = append(code, 0xcc)
	}
	return code, nil
}

// pltStubAMD64 returns the stub jumping through gotSlot. Executables load
// the slot address into R11, position independent output addresses it
// relative to RIP.
func pltStubAMD64(st *LinkState, plt, gotSlot uint64) ([]byte, error) {
	if st.isShared() {
		code := []byte{0xff, 0x25, 0, 0, 0, 0} // jmp *disp32(%rip)
		binary.LittleEndian.PutUint32(code[2:], uint32(gotSlot-(plt+6)))
		return padStub(code)
	}
	b, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, err
	}
	p := b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = asmobj.TYPE_CONST
	p.From.Offset = int64(gotSlot)
	p.To.Type = asmobj.TYPE_REG
	p.To.Reg = x86.REG_R11
	b.AddInstruction(p)

	p = b.NewProg()
	p.As = asmobj.AJMP
	p.To.Type = asmobj.TYPE_MEM
	p.To.Reg = x86.REG_R11
	b.AddInstruction(p)
	return padStub(b.Assemble())
}

// pltStubI386 returns `jmp *slot` for executables and `jmp *off(%ebx)`
// with %ebx holding the GOT base for position independent output.
func pltStubI386(st *LinkState, plt, gotSlot uint64) ([]byte, error) {
	code := []byte{0xff, 0x25, 0, 0, 0, 0}
	v := gotSlot
	if st.isShared() {
		code[1] = 0xa3
		v = gotSlot - st.sec.got.Addr
	}
	binary.LittleEndian.PutUint32(code[2:], uint32(v))
	return padStub(code)
}
