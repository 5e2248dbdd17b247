package elf

import (
	"bytes"
	"debug/elf"
	"sort"

	"github.com/ii64/elflink/lib/util"
)

// mergeGroup deduplicates the SHF_MERGE members of one output section that
// share entity size and kind. The pooled data is placed once, where the
// first member would have gone.
type mergeGroup struct {
	strings bool
	entsize uint64
	align   uint64
	index   map[string]uint64
	data    []byte
	placed  bool
	written bool
	offset  uint64
}

// mergeInput maps the pieces of one input section into its group.
type mergeInput struct {
	group *mergeGroup
	in    []uint64
	size  []uint64
	out   []uint64
}

type mergeKey struct {
	strings bool
	entsize uint64
}

func mergeable(s *InputSection) bool {
	h := s.Hdr
	return h.Flags&elf.SHF_MERGE != 0 && h.Entsize != 0 && h.Type == elf.SHT_PROGBITS &&
		len(s.Relocs) == 0 && h.Size%h.Entsize == 0
}

// addMerged splits s into entities and interns them in group g.
func (g *mergeGroup) add(s *InputSection, data []byte) {
	m := &mergeInput{group: g}
	g.align = util.Max(g.align, s.Align())
	n := uint64(len(data))
	for off := uint64(0); off < n; {
		size := g.entsize
		if g.strings {
			size = stringPiece(data[off:], g.entsize)
		}
		if off+size > n {
			size = n - off
		}
		piece := string(data[off : off+size])
		at, ok := g.index[piece]
		if !ok {
			if !g.strings {
				g.data = append(g.data, make([]byte, util.AlignTo(uint64(len(g.data)), g.entsize)-uint64(len(g.data)))...)
			}
			at = uint64(len(g.data))
			g.data = append(g.data, piece...)
			g.index[piece] = at
		}
		m.in = append(m.in, off)
		m.size = append(m.size, size)
		m.out = append(m.out, at)
		off += size
	}
	s.merged = m
}

// stringPiece returns the length of the NUL terminated string at the
// start of b, terminator included, for characters of width entsize.
func stringPiece(b []byte, entsize uint64) uint64 {
	zero := make([]byte, entsize)
	for off := uint64(0); off+entsize <= uint64(len(b)); off += entsize {
		if bytes.Equal(b[off:off+entsize], zero) {
			return off + entsize
		}
	}
	return uint64(len(b))
}

// translate maps an input offset to the pooled offset.
func (m *mergeInput) translate(off uint64) uint64 {
	i := sort.Search(len(m.in), func(i int) bool {
		return m.in[i] > off
	}) - 1
	if i < 0 {
		return m.group.offset + off
	}
	if off >= m.in[i]+m.size[i] {
		return m.group.offset + uint64(len(m.group.data))
	}
	return m.group.offset + m.out[i] + (off - m.in[i])
}

// buildMerged creates the merge groups of an output section.
func (st *LinkState) buildMerged(out *OutputSection) (err error) {
	if st.isRelocatable() {
		return nil
	}
	groups := map[mergeKey]*mergeGroup{}
	for _, s := range out.Members {
		if !mergeable(s) {
			continue
		}
		key := mergeKey{s.Hdr.Flags&elf.SHF_STRINGS != 0, s.Hdr.Entsize}
		g := groups[key]
		if g == nil {
			g = &mergeGroup{strings: key.strings, entsize: key.entsize, index: map[string]uint64{}}
			groups[key] = g
		}
		var data []byte
		if data, err = s.Data(); err != nil {
			return
		}
		g.add(s, data)
	}
	return nil
}
