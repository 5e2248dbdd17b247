package elf

import (
	"encoding/binary"
)

// Bucket counts for .hash, indexed by dynamic symbol count thresholds.
var elfBuckets = []uint32{
	1, 3, 17, 37, 67, 97, 131, 197, 263, 521, 1031, 2053, 4099, 8209, 16411, 32771,
}

const (
	hashEntrySize = 4
	hashPageSize  = 4096
)

// bucketCount picks the .hash bucket count for the given symbol hashes:
// the smallest table entry above the symbol count, or with optimize the
// size minimizing the squared chain lengths weighted by table pages.
func bucketCount(hashes []uint32, optimize bool) uint32 {
	n := uint32(len(hashes))
	if optimize && n > 0 {
		return optimizeBuckets(hashes)
	}
	for _, b := range elfBuckets {
		if b > n {
			return b
		}
	}
	return elfBuckets[len(elfBuckets)-1]
}

func optimizeBuckets(hashes []uint32) uint32 {
	n := uint64(len(hashes))
	minsize := n / 4
	if minsize == 0 {
		minsize = 1
	}
	maxsize := n * 2
	best := maxsize
	bestCost := ^uint64(0)
	counts := make([]uint64, maxsize)
	stale := 0
	for i := minsize; i < maxsize; i++ {
		for j := range counts[:i] {
			counts[j] = 0
		}
		for _, h := range hashes {
			counts[uint64(h)%i]++
		}
		cost := (2 + n) * hashEntrySize
		for _, c := range counts[:i] {
			cost += c * c
		}
		fact := i/(hashPageSize/hashEntrySize) + 1
		cost *= fact * fact
		if cost < bestCost {
			bestCost = cost
			best = i
			stale = 0
		} else if stale++; stale == 100 {
			break
		}
	}
	return uint32(best)
}

// buildHash lays out a SysV .hash section. hashes[i] is the hash of the
// symbol with dynamic index i; hashes[0] belongs to the null symbol.
// Symbols are prepended to their bucket chain.
func buildHash(order binary.ByteOrder, nbucket uint32, hashes []uint32) []byte {
	nchain := uint32(len(hashes))
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)
	for i := uint32(1); i < nchain; i++ {
		b := hashes[i] % nbucket
		chains[i] = buckets[b]
		buckets[b] = i
	}
	out := make([]byte, 0, (2+nbucket+nchain)*hashEntrySize)
	var w [4]byte
	put := func(v uint32) {
		order.PutUint32(w[:], v)
		out = append(out, w[:]...)
	}
	put(nbucket)
	put(nchain)
	for _, v := range buckets {
		put(v)
	}
	for _, v := range chains {
		put(v)
	}
	return out
}
