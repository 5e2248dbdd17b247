package disasm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var Arch386 = archX86{mode: 32}
var ArchAMD64 = archX86{mode: 64}

type archX86 struct {
	mode int
}

func (x86 archX86) Mode() int {
	return x86.mode
}

func (x86 archX86) Decode(code []byte) (inst x86asm.Inst, err error) {
	return x86asm.Decode(code, x86.mode)
}

func (x86 archX86) DecodeBlock(code []byte) (insts []x86asm.Inst, err error) {
	var i int
	for i < len(code) {
		var inst x86asm.Inst
		inst, err = x86.Decode(code[i:])
		if err != nil {
			err = fmt.Errorf("decode at +%#x: %w", i, err)
			return
		}
		insts = append(insts, inst)
		i = i + inst.Len
	}
	return
}

func (x86 archX86) GoSyntax(inst x86asm.Inst, pc uint64, symname SymLookup) string {
	var lookup x86asm.SymLookup
	if symname != nil {
		lookup = x86asm.SymLookup(symname)
	}
	return x86asm.GoSyntax(inst, pc, lookup)
}

// GoSyntaxBlock formats insts decoded from code placed at pc. Each entry
// carries the raw encoding as a comment.
func (x86 archX86) GoSyntaxBlock(insts []x86asm.Inst, code []byte, pc uint64, symname SymLookup) (fs []Text) {
	var off int
	for _, inst := range insts {
		t := Text{Asm: fmt.Sprintf("%x: %s", pc, x86.GoSyntax(inst, pc, symname))}
		if off+inst.Len <= len(code) {
			t.Comments = EncodeRawBytes(binary.LittleEndian, code[off:off+inst.Len])
		}
		fs = append(fs, t)
		pc += uint64(inst.Len)
		off += inst.Len
	}
	return
}

// Nop returns sz bytes of multi-byte NOP instructions.
func (x86 archX86) Nop(sz int) []byte {
	b := make([]byte, 0, sz)
	i := sz
	for i > 0 {
		switch {
		case i >= 9:
			b = append(b, 0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00)
			i -= 9
		case i >= 8:
			b = append(b, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00)
			i -= 8
		case i >= 7:
			b = append(b, 0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00)
			i -= 7
		case i >= 6:
			b = append(b, 0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00)
			i -= 6
		case i >= 5:
			b = append(b, 0x0F, 0x1F, 0x44, 0x00, 0x00)
			i -= 5
		case i >= 4:
			b = append(b, 0x0F, 0x1F, 0x40, 0x00)
			i -= 4
		case i >= 3:
			b = append(b, 0x0F, 0x1F, 0x00)
			i -= 3
		case i >= 2:
			b = append(b, 0x66, 0x90)
			i -= 2
		default:
			b = append(b, 0x90)
			i--
		}
	}
	return b
}
