package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

type FileHeader struct {
	Class    elf.Class
	Data     elf.Data
	OSABI    elf.OSABI
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	Phoff    uint64
	Shoff    uint64
	Flags    uint32
	Phnum    int
	Shnum    int
	Shstrndx int
}

type SectionHeader struct {
	Name      uint32
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type ProgHeader struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Off    uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func HeaderSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 64
	}
	return 52
}

func ShdrSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 64
	}
	return 40
}

func PhdrSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 56
	}
	return 32
}

func DynSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 16
	}
	return 8
}

// WordSize is the size of an address for class.
func WordSize(class elf.Class) int {
	if class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func ByteOrderOf(data elf.Data) binary.ByteOrder {
	if data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func ident(h *FileHeader) (id [elf.EI_NIDENT]byte) {
	copy(id[:], elf.ELFMAG)
	id[elf.EI_CLASS] = byte(h.Class)
	id[elf.EI_DATA] = byte(h.Data)
	id[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	id[elf.EI_OSABI] = byte(h.OSABI)
	return
}

func WriteHeader(buf *bytes.Buffer, h *FileHeader) {
	order := ByteOrderOf(h.Data)
	switch h.Class {
	case elf.ELFCLASS64:
		binary.Write(buf, order, elf.Header64{
			Ident:     ident(h),
			Type:      uint16(h.Type),
			Machine:   uint16(h.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     h.Entry,
			Phoff:     h.Phoff,
			Shoff:     h.Shoff,
			Flags:     h.Flags,
			Ehsize:    uint16(HeaderSize(h.Class)),
			Phentsize: uint16(PhdrSize(h.Class)),
			Phnum:     uint16(h.Phnum),
			Shentsize: uint16(ShdrSize(h.Class)),
			Shnum:     uint16(h.Shnum),
			Shstrndx:  uint16(h.Shstrndx),
		})
	default:
		binary.Write(buf, order, elf.Header32{
			Ident:     ident(h),
			Type:      uint16(h.Type),
			Machine:   uint16(h.Machine),
			Version:   uint32(elf.EV_CURRENT),
			Entry:     uint32(h.Entry),
			Phoff:     uint32(h.Phoff),
			Shoff:     uint32(h.Shoff),
			Flags:     h.Flags,
			Ehsize:    uint16(HeaderSize(h.Class)),
			Phentsize: uint16(PhdrSize(h.Class)),
			Phnum:     uint16(h.Phnum),
			Shentsize: uint16(ShdrSize(h.Class)),
			Shnum:     uint16(h.Shnum),
			Shstrndx:  uint16(h.Shstrndx),
		})
	}
}

func WriteSectionHeader(buf *bytes.Buffer, class elf.Class, order binary.ByteOrder, sh *SectionHeader) {
	switch class {
	case elf.ELFCLASS64:
		binary.Write(buf, order, elf.Section64{
			Name:      sh.Name,
			Type:      uint32(sh.Type),
			Flags:     uint64(sh.Flags),
			Addr:      sh.Addr,
			Off:       sh.Offset,
			Size:      sh.Size,
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: sh.Addralign,
			Entsize:   sh.Entsize,
		})
	default:
		binary.Write(buf, order, elf.Section32{
			Name:      sh.Name,
			Type:      uint32(sh.Type),
			Flags:     uint32(sh.Flags),
			Addr:      uint32(sh.Addr),
			Off:       uint32(sh.Offset),
			Size:      uint32(sh.Size),
			Link:      sh.Link,
			Info:      sh.Info,
			Addralign: uint32(sh.Addralign),
			Entsize:   uint32(sh.Entsize),
		})
	}
}

func WriteProgHeader(buf *bytes.Buffer, class elf.Class, order binary.ByteOrder, ph *ProgHeader) {
	switch class {
	case elf.ELFCLASS64:
		binary.Write(buf, order, elf.Prog64{
			Type:   uint32(ph.Type),
			Flags:  uint32(ph.Flags),
			Off:    ph.Off,
			Vaddr:  ph.Vaddr,
			Paddr:  ph.Vaddr,
			Filesz: ph.Filesz,
			Memsz:  ph.Memsz,
			Align:  ph.Align,
		})
	default:
		binary.Write(buf, order, elf.Prog32{
			Type:   uint32(ph.Type),
			Off:    uint32(ph.Off),
			Vaddr:  uint32(ph.Vaddr),
			Paddr:  uint32(ph.Vaddr),
			Filesz: uint32(ph.Filesz),
			Memsz:  uint32(ph.Memsz),
			Flags:  uint32(ph.Flags),
			Align:  uint32(ph.Align),
		})
	}
}

func WriteDyn(buf *bytes.Buffer, class elf.Class, order binary.ByteOrder, tag elf.DynTag, val uint64) {
	switch class {
	case elf.ELFCLASS64:
		binary.Write(buf, order, elf.Dyn64{Tag: int64(tag), Val: val})
	default:
		binary.Write(buf, order, elf.Dyn32{Tag: int32(tag), Val: uint32(val)})
	}
}

// PutAddr stores an address-sized value for class at b.
func PutAddr(b []byte, class elf.Class, order binary.ByteOrder, v uint64) {
	if class == elf.ELFCLASS64 {
		order.PutUint64(b, v)
		return
	}
	order.PutUint32(b, uint32(v))
}
