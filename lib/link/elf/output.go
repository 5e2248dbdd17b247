package elf

import (
	"bufio"
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/slices"

	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/util"
)

const writeChunk = 64 << 10

func (st *LinkState) outputType() elf.Type {
	switch {
	case st.isRelocatable():
		return elf.ET_REL
	case st.isShared():
		return elf.ET_DYN
	}
	return elf.ET_EXEC
}

// fileHeader describes the output's ELF header.
func (st *LinkState) fileHeader(img *image) *obj.FileHeader {
	h := &obj.FileHeader{
		Class:    st.Class,
		Data:     st.Data,
		Type:     st.outputType(),
		Machine:  st.be.Machine(),
		Entry:    st.entry,
		Shoff:    img.shoff,
		Phnum:    len(st.phdrs),
		Shnum:    len(st.outs) + 1,
		Shstrndx: st.sec.shstrtab.Index,
	}
	if len(st.phdrs) > 0 {
		h.Phoff = uint64(obj.HeaderSize(st.Class))
	}
	return h
}

func (st *LinkState) sectionHeader(o *OutputSection) *obj.SectionHeader {
	sh := &obj.SectionHeader{
		Name:      o.nameOff,
		Type:      o.Type,
		Flags:     o.Flags,
		Addr:      o.Addr,
		Offset:    o.Offset,
		Size:      o.Size,
		Info:      o.Info,
		Addralign: o.Align,
		Entsize:   o.Entsize,
	}
	if o.Link != nil {
		sh.Link = uint32(o.Link.Index)
	}
	if o.InfoOut != nil {
		sh.Info = uint32(o.InfoOut.Index)
	}
	return sh
}

// writeOutput writes the image to a temporary file next to the output and
// renames it into place.
func (st *LinkState) writeOutput(img *image) (err error) {
	path := st.cfg.Output
	var f *os.File
	if f, err = os.CreateTemp(filepath.Dir(path), ".elflink-*"); err != nil {
		return
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	if err = st.writeImage(f, img); err != nil {
		return
	}
	mode := os.FileMode(0o755)
	if st.isRelocatable() {
		mode = 0o644
	}
	if err = f.Chmod(mode); err != nil {
		return
	}
	if err = f.Close(); err != nil {
		return
	}
	return os.Rename(tmp, path)
}

// writeImage streams the header, program headers, section contents in
// file order and the section header table to w.
func (st *LinkState) writeImage(w io.Writer, img *image) (err error) {
	bw := bufio.NewWriterSize(w, writeChunk)
	var off uint64
	emit := func(b []byte) error {
		for _, c := range util.Chunk(b, writeChunk) {
			if _, err := bw.Write(c); err != nil {
				return err
			}
		}
		off += uint64(len(b))
		return nil
	}
	pad := func(to uint64) error {
		if to < off {
			return fmt.Errorf("link/elf: output overlaps at %#x (at %#x)", to, off)
		}
		return emit(make([]byte, to-off))
	}

	var buf bytes.Buffer
	obj.WriteHeader(&buf, st.fileHeader(img))
	for i := range st.phdrs {
		obj.WriteProgHeader(&buf, st.Class, st.ByteOrder, &st.phdrs[i])
	}
	if err = emit(buf.Bytes()); err != nil {
		return
	}

	ordered := append([]*OutputSection(nil), st.outs...)
	slices.SortStableFunc(ordered, func(a, b *OutputSection) bool {
		return a.Offset < b.Offset
	})
	for _, o := range ordered {
		if !o.HasContents() || o.Size == 0 {
			continue
		}
		if err = pad(o.Offset); err != nil {
			return
		}
		data := o.data
		if uint64(len(data)) > o.Size {
			data = data[:o.Size]
		}
		if err = emit(data); err != nil {
			return
		}
		if err = pad(o.Offset + o.Size); err != nil {
			return
		}
	}

	if err = pad(img.shoff); err != nil {
		return
	}
	buf.Reset()
	obj.WriteSectionHeader(&buf, st.Class, st.ByteOrder, &obj.SectionHeader{})
	for _, o := range st.outs {
		obj.WriteSectionHeader(&buf, st.Class, st.ByteOrder, st.sectionHeader(o))
	}
	if err = emit(buf.Bytes()); err != nil {
		return
	}
	return bw.Flush()
}
