package elf

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/lib/obj"
)

// hashLookup walks a .hash section the way the dynamic loader does.
func hashLookup(data []byte, names []string, name string) uint32 {
	order := binary.LittleEndian
	nbucket := order.Uint32(data)
	bucket := func(i uint32) uint32 { return order.Uint32(data[8+4*i:]) }
	chain := func(i uint32) uint32 { return order.Uint32(data[8+4*nbucket+4*i:]) }
	for i := bucket(obj.Hash(name) % nbucket); i != 0; i = chain(i) {
		if names[i] == name {
			return i
		}
	}
	return 0
}

func TestHashRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17, 100} {
		names := []string{""}
		hashes := []uint32{0}
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("sym_%d", i)
			names = append(names, name)
			hashes = append(hashes, obj.Hash(name))
		}
		for _, optimize := range []bool{false, true} {
			nbucket := bucketCount(hashes[1:], optimize)
			require.NotZero(t, nbucket)
			data := buildHash(binary.LittleEndian, nbucket, hashes)
			require.Len(t, data, int(2+nbucket+uint32(len(hashes)))*4)
			assert.Equal(t, uint32(len(hashes)), binary.LittleEndian.Uint32(data[4:]))
			for want, name := range names[1:] {
				assert.Equal(t, uint32(want+1), hashLookup(data, names, name), name)
			}
			assert.Zero(t, hashLookup(data, names, "absent"))
		}
	}
}

func TestBucketCount(t *testing.T) {
	for _, tc := range []struct {
		n    int
		want uint32
	}{
		{0, 1}, {1, 3}, {2, 3}, {3, 17}, {16, 17}, {17, 37}, {40000, 32771},
	} {
		assert.Equal(t, tc.want, bucketCount(make([]uint32, tc.n), false), "n=%d", tc.n)
	}
}

func TestOptimizeBucketsRange(t *testing.T) {
	var hashes []uint32
	for i := 0; i < 64; i++ {
		hashes = append(hashes, obj.Hash(fmt.Sprintf("f%d", i)))
	}
	n := bucketCount(hashes, true)
	assert.GreaterOrEqual(t, n, uint32(16))
	assert.Less(t, n, uint32(128))
}

func TestSysVHash(t *testing.T) {
	assert.Equal(t, uint32(0), obj.Hash(""))
	assert.Equal(t, uint32(0x077905a6), obj.Hash("printf"))
	assert.Equal(t, uint32(0x0006cf04), obj.Hash("exit"))
}
