package elf

// strtab is a deduplicated string pool. Offset 0 holds the empty string.
type strtab struct {
	buf []byte
	idx map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{
		buf: []byte{0},
		idx: map[string]uint32{"": 0},
	}
}

func (t *strtab) Add(s string) uint32 {
	if off, ok := t.idx[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.idx[s] = off
	return off
}

func (t *strtab) Lookup(s string) (uint32, bool) {
	off, ok := t.idx[s]
	return off, ok
}

func (t *strtab) Bytes() []byte {
	return t.buf
}

func (t *strtab) Len() uint64 {
	return uint64(len(t.buf))
}
