package util

import "golang.org/x/exp/constraints"

// Chunk splits collection into consecutive pieces of at most size
// elements. The pieces alias the input.
func Chunk[T any](collection []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	ret := make([][]T, 0, len(collection)/size+1)
	for i := 0; i < len(collection); i = i + size {
		var bound int
		if i+size < len(collection) {
			bound = i + size
		} else {
			bound = len(collection)
		}
		ret = append(ret, collection[i:bound])
	}
	return ret
}

// AlignTo rounds val up to a multiple of align. align of 0 or 1 is a no-op.
func AlignTo(val, align uint64) uint64 {
	if align <= 1 {
		return val
	}
	return (val + align - 1) / align * align
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// RemoveIf drops the elements for which pred holds, in place.
func RemoveIf[T any](elems []T, pred func(T) bool) []T {
	i := 0
	for _, e := range elems {
		if !pred(e) {
			elems[i] = e
			i++
		}
	}
	return elems[:i]
}
