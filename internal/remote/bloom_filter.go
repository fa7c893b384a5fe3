package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilter tests membership of document resource names. Hashes are the
// two little endian halves of the MD5 digest, combined by double hashing.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// NewBloomFilter validates and wraps a bitmap.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("invalid hash count: %d", hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("invalid hash count: %d", hashCount)
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("invalid padding when bitmap length is 0: %d", padding)
	}
	return &BloomFilter{
		bitmap:    bitmap,
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
		hashCount: hashCount,
	}, nil
}

// NewBloomFilterFromSpec builds a filter from its wire form.
func NewBloomFilterFromSpec(spec *BloomFilterSpec) (*BloomFilter, error) {
	return NewBloomFilter(spec.Bitmap, spec.Padding, spec.HashCount)
}

func (f *BloomFilter) BitCount() uint64 { return f.bitCount }

// MightContain reports false only for values that were never added.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1, h2 := bloomHashes(value)
	for i := 0; i < f.hashCount; i++ {
		if !f.isBitSet(f.bitIndex(h1, h2, uint64(i))) {
			return false
		}
	}
	return true
}

// Insert sets the bits for value. Servers and tests use it to build filters.
func (f *BloomFilter) Insert(value string) {
	if f.bitCount == 0 {
		return
	}
	h1, h2 := bloomHashes(value)
	for i := 0; i < f.hashCount; i++ {
		idx := f.bitIndex(h1, h2, uint64(i))
		f.bitmap[idx/8] |= 1 << (idx % 8)
	}
}

// Spec returns the wire form.
func (f *BloomFilter) Spec() *BloomFilterSpec {
	return &BloomFilterSpec{
		Bitmap:    f.bitmap,
		Padding:   int(uint64(len(f.bitmap))*8 - f.bitCount),
		HashCount: f.hashCount,
	}
}

func (f *BloomFilter) bitIndex(h1, h2, i uint64) uint64 {
	return (h1 + i*h2) % f.bitCount
}

func (f *BloomFilter) isBitSet(idx uint64) bool {
	return f.bitmap[idx/8]&(1<<(idx%8)) != 0
}

func bloomHashes(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value))
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}
