package disasm

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// SymLookup names the symbol containing addr, returning its start.
type SymLookup func(addr uint64) (name string, base uint64)

// Text is one formatted instruction plus trailing comments.
type Text struct {
	Asm      string
	Comments []string
}

func (t Text) Next() Text {
	t.Comments = append(t.Comments, t.Asm)
	t.Asm = ""
	return t
}

func (t Text) String() string {
	if t.Comments == nil {
		return t.Asm
	}
	return t.Asm + "\t// " + strings.Join(t.Comments, "\t// ")
}

// EncodeRawBytes renders b as Go assembler data directives.
func EncodeRawBytes(bo binary.ByteOrder, b []byte) (insts []string) {
	var nb int
	for len(b) > 0 {
		switch {
		case len(b) >= 8:
			insts = append(insts, "QUAD $0x"+strconv.FormatUint(bo.Uint64(b), 16))
			nb = 8
		case len(b) >= 4:
			insts = append(insts, "LONG $0x"+strconv.FormatUint(uint64(bo.Uint32(b)), 16))
			nb = 4
		case len(b) >= 2:
			insts = append(insts, "WORD $0x"+strconv.FormatUint(uint64(bo.Uint16(b)), 16))
			nb = 2
		default:
			insts = append(insts, "BYTE $0x"+strconv.FormatUint(uint64(b[0]), 16))
			nb = 1
		}
		b = b[nb:]
	}
	return
}
