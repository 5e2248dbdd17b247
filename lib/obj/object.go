package obj

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed marks an input that cannot be decoded at all, e.g. a symbol
// table whose size is not a multiple of the record size.
var ErrMalformed = errors.New("malformed object")

// Flags debug/elf does not define.
const (
	GrpComdat = 0x1

	ShfGnuRetain elf.SectionFlag = 0x200000
	ShfExclude   elf.SectionFlag = 0x80000000
)

// TruncatedError is returned together with a usable Object when declared
// counts or offsets run past the end of the file. The Object holds the
// records that were fully present.
type TruncatedError struct {
	Path string
	What string
	Want uint64
	Have uint64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("%s: truncated %s: want %d bytes, have %d", e.Path, e.What, e.Want, e.Have)
}

type Object struct {
	Path string

	Class     elf.Class
	Data      elf.Data
	ByteOrder binary.ByteOrder
	OSABI     elf.OSABI
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Flags     uint32

	// Sections is indexed by section header index; Sections[0] is the
	// null section.
	Sections []*Section
	// Symbols holds .symtab for relocatable objects and .dynsym for shared
	// objects. Symbols[0] is the null symbol.
	Symbols     []Symbol
	FirstGlobal int
	SymtabIndex int

	// shared objects only
	Soname   string
	Needed   []string
	Verdefs  []Verdef
	Verneeds []Verneed

	Truncated bool

	raw      []byte
	released bool
}

type Section struct {
	Index     int
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64

	// Relocs applied to this section and the index of the SHT_REL or
	// SHT_RELA section that carried them.
	Relocs []Reloc
	RelSec int

	// SHT_GROUP
	GroupFlags uint32
	Members    []int
	Signature  string

	data []byte
}

type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	Other      uint8
	Shndx      elf.SectionIndex

	// Version is the .gnu.version index of a dynamic symbol, with the
	// hidden bit split out into Hidden.
	Version uint16
	Hidden  bool
}

type Reloc struct {
	Offset uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

type Verdef struct {
	Index uint16
	Flags uint16
	Name  string
	Hash  uint32
	// Parents lists the names of the verdaux entries after the first.
	Parents []string
}

type Verneed struct {
	File string
	Aux  []Vernaux
}

type Vernaux struct {
	Name  string
	Hash  uint32
	Flags uint16
	Other uint16
}

func (o *Object) IsDynamic() bool {
	return o.Type == elf.ET_DYN
}

func (o *Object) String() string {
	if o.Path == "" {
		return "<memory>"
	}
	return o.Path
}

// VersionName returns the version a dynamic symbol is bound to. Defined
// symbols look in the verdef table, undefined ones in verneed.
func (o *Object) VersionName(sym *Symbol) (string, bool) {
	if sym.Version <= 1 {
		return "", false
	}
	if sym.Shndx != elf.SHN_UNDEF {
		for _, vd := range o.Verdefs {
			if vd.Index == sym.Version {
				return vd.Name, true
			}
		}
		return "", false
	}
	for _, vn := range o.Verneeds {
		for _, a := range vn.Aux {
			if a.Other == sym.Version {
				return a.Name, true
			}
		}
	}
	return "", false
}

func (s *Symbol) IsUndef() bool  { return s.Shndx == elf.SHN_UNDEF }
func (s *Symbol) IsCommon() bool { return s.Shndx == elf.SHN_COMMON }
func (s *Symbol) IsAbs() bool    { return s.Shndx == elf.SHN_ABS }

func (s *Symbol) IsDefined() bool {
	return !s.IsUndef()
}

// InSection reports whether the symbol is defined relative to a real
// section header.
func (s *Symbol) InSection() bool {
	return s.Shndx != elf.SHN_UNDEF && s.Shndx < elf.SHN_LORESERVE
}

func (s *Section) IsAlloc() bool { return s.Flags&elf.SHF_ALLOC != 0 }

func (s *Section) HasContents() bool {
	return s.Type != elf.SHT_NOBITS && s.Type != elf.SHT_NULL
}
