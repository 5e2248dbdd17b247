package elf

import (
	"debug/elf"
	"path/filepath"
	"strings"

	"github.com/ii64/elflink/lib/obj"
)

// InputFile is one object taking part in the link.
type InputFile struct {
	Obj     *obj.Object
	Index   int
	Dynamic bool

	// Syms maps a symbol table index to its global entry; locals are 0.
	Syms []SymID
	// Sections is indexed by section header index; nil entries carry no
	// linkable contents (symbol tables, relocation sections, groups).
	Sections []*InputSection
	// LocalIndx holds the output .symtab index of each local symbol, -1
	// when stripped.
	LocalIndx []int

	// Soname is the DT_NEEDED name of a shared object.
	Soname string
	// Used is set once a shared object satisfies a regular reference.
	Used bool
}

func (f *InputFile) String() string {
	if f == nil {
		return "<linker>"
	}
	return f.Obj.String()
}

// section returns the input section a symbol is defined in, or nil.
func (f *InputFile) section(sym *obj.Symbol) *InputSection {
	if !sym.InSection() || int(sym.Shndx) >= len(f.Sections) {
		return nil
	}
	return f.Sections[sym.Shndx]
}

type InputSection struct {
	File *InputFile
	Hdr  *obj.Section
	Name string

	Mark      bool
	Discarded bool
	// Kept is the surviving copy of a discarded COMDAT/linkonce section.
	Kept *InputSection
	// Group lists the members of the section group this section belongs
	// to, itself included.
	Group []*InputSection

	Out    *OutputSection
	Offset uint64

	// Relocs is a private copy; neutralization rewrites entries in place.
	Relocs []obj.Reloc

	// zero lists fields of neutralized relocations.
	zero []span

	data   []byte
	merged *mergeInput
}

func (s *InputSection) String() string {
	return s.File.String() + "(" + s.Name + ")"
}

func (s *InputSection) Size() uint64 {
	return s.Hdr.Size
}

func (s *InputSection) Align() uint64 {
	if s.Hdr.Addralign == 0 {
		return 1
	}
	return s.Hdr.Addralign
}

func (s *InputSection) IsAlloc() bool {
	return s.Hdr.IsAlloc()
}

// IsDebug reports sections holding debugging information.
func (s *InputSection) IsDebug() bool {
	if s.Hdr.IsAlloc() {
		return false
	}
	return strings.HasPrefix(s.Name, ".debug") ||
		strings.HasPrefix(s.Name, ".zdebug") ||
		strings.HasPrefix(s.Name, ".stab") ||
		strings.HasPrefix(s.Name, ".line")
}

// IsLinkonce reports COMDAT style sections folded by name or group.
func (s *InputSection) IsLinkonce() bool {
	return strings.HasPrefix(s.Name, ".gnu.linkonce.") || len(s.Group) > 0
}

// Addr returns the output address of offset off within the section.
func (s *InputSection) Addr(off uint64) uint64 {
	if s.merged != nil {
		off = s.merged.translate(off)
	}
	if s.Out == nil {
		return off
	}
	return s.Out.Addr + s.Offset + off
}

// Data loads the section contents, reading the file again when the
// object was released.
func (s *InputSection) Data() (data []byte, err error) {
	if s.data != nil || s.Hdr.Type == elf.SHT_NOBITS {
		return s.data, nil
	}
	var raw []byte
	if raw, err = s.File.Obj.SectionData(s.Hdr); err != nil {
		return
	}
	s.data = append([]byte(nil), raw...)
	return s.data, nil
}

// release drops the cached contents once they were written out.
func (s *InputSection) release() {
	s.data = nil
}

// newInputFile builds the per-link view of an object and folds COMDAT
// groups and linkonce sections already seen.
func (st *LinkState) newInputFile(o *obj.Object) *InputFile {
	f := &InputFile{
		Obj:      o,
		Index:    len(st.files),
		Dynamic:  o.IsDynamic(),
		Syms:     make([]SymID, len(o.Symbols)),
		Sections: make([]*InputSection, len(o.Sections)),
	}
	if f.Dynamic {
		f.Soname = neededName(o)
	}
	for i, hdr := range o.Sections {
		if i == 0 || !linkable(hdr) {
			continue
		}
		s := &InputSection{
			File: f,
			Hdr:  hdr,
			Name: hdr.Name,
		}
		if !f.Dynamic {
			s.Relocs = append([]obj.Reloc(nil), hdr.Relocs...)
		}
		f.Sections[i] = s
	}
	if !f.Dynamic {
		st.foldGroups(f)
	}
	return f
}

// neededName is the DT_NEEDED name of a shared object and the key its
// repeated mentions are folded by: DT_SONAME, else the file name.
func neededName(o *obj.Object) string {
	if o.Soname != "" {
		return o.Soname
	}
	return filepath.Base(o.Path)
}

func linkable(hdr *obj.Section) bool {
	switch hdr.Type {
	case elf.SHT_NULL, elf.SHT_SYMTAB, elf.SHT_DYNSYM, elf.SHT_STRTAB,
		elf.SHT_REL, elf.SHT_RELA, elf.SHT_GROUP, elf.SHT_HASH,
		elf.SHT_DYNAMIC, elf.SHT_GNU_VERSYM, elf.SHT_GNU_VERDEF, elf.SHT_GNU_VERNEED,
		elf.SHT_SYMTAB_SHNDX:
		return false
	}
	return hdr.Flags&obj.ShfExclude == 0
}

// foldGroups discards COMDAT groups and .gnu.linkonce sections whose key
// was already provided by an earlier object.
func (st *LinkState) foldGroups(f *InputFile) {
	for _, hdr := range f.Obj.Sections {
		if hdr == nil || hdr.Type != elf.SHT_GROUP {
			continue
		}
		var members []*InputSection
		for _, m := range hdr.Members {
			if m > 0 && m < len(f.Sections) && f.Sections[m] != nil {
				members = append(members, f.Sections[m])
			}
		}
		for _, s := range members {
			s.Group = members
		}
		if hdr.GroupFlags&obj.GrpComdat == 0 || hdr.Signature == "" {
			continue
		}
		kept, seen := st.comdat[hdr.Signature]
		if !seen {
			st.comdat[hdr.Signature] = members
			continue
		}
		for _, s := range members {
			s.Discarded = true
			for _, k := range kept {
				if k.Name == s.Name {
					s.Kept = k
					break
				}
			}
		}
	}
	for _, s := range f.Sections {
		if s == nil || s.Discarded || !strings.HasPrefix(s.Name, ".gnu.linkonce.") {
			continue
		}
		if k, seen := st.linkonce[s.Name]; seen {
			s.Discarded = true
			s.Kept = k
			continue
		}
		st.linkonce[s.Name] = s
	}
}
