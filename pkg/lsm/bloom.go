package lsm

import (
	"hash/fnv"
	"math"
)

// BloomFilter is a classical k-hash Bloom filter: answers "might this key be
// present?" with no false negatives. Grounded on the teacher's
// pkg/lsm/bloom.go, but corrected per spec §4.4: H1 and H2 must be two
// independent base hashes, not one hash reused with a byte appended, so
// here they come from FNV-1a and FNV-1 respectively (two distinct
// algorithms over the same key) rather than the same algorithm twice.
type BloomFilter struct {
	bits      []uint64 // bitset, 64 bits per word
	numBits   int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems entries at the given
// target false-positive rate: m = ceil(-n*ln(p) / ln(2)^2), k = ceil((m/n)*ln(2)).
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	m := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	k := int(math.Ceil((float64(m) / float64(expectedItems)) * math.Ln2))

	const maxBits = 1 << 30
	if m > maxBits {
		m = maxBits
	}
	if m < 64 {
		m = 64
	}
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	return &BloomFilter{
		bits:      make([]uint64, (m+63)/64),
		numBits:   m,
		hashCount: k,
	}
}

// Insert sets all k positions derived from key.
func (bf *BloomFilter) Insert(key []byte) {
	h1, h2 := bf.baseHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := bf.position(h1, h2, i)
		bf.bits[pos/64] |= 1 << uint(pos%64)
	}
}

// Contains returns true iff every position derived from key is set. False
// positives are possible; false negatives are not.
func (bf *BloomFilter) Contains(key []byte) bool {
	h1, h2 := bf.baseHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		pos := bf.position(h1, h2, i)
		if bf.bits[pos/64]&(1<<uint(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) position(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % uint64(bf.numBits)
}

// baseHashes computes H1 and H2 from two distinct hash algorithms (FNV-1a,
// FNV-1) over the same key, satisfying pairwise independence without
// needing a family of k distinct hash functions.
func (bf *BloomFilter) baseHashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	sum2 := h2.Sum64()
	if sum2%2 == 0 {
		sum2++ // keep it coprime-ish with numBits to reduce clustering
	}

	return sum1, sum2
}

// MarshalBinary serializes the bit count m and hash count k followed by the
// bitset, so an equivalent filter can be reconstructed by
// UnmarshalBloomFilter.
func (bf *BloomFilter) MarshalBinary() []byte {
	out := make([]byte, 16+len(bf.bits)*8)
	putUint64(out[0:8], uint64(bf.numBits))
	putUint64(out[8:16], uint64(bf.hashCount))
	for i, w := range bf.bits {
		putUint64(out[16+i*8:16+i*8+8], w)
	}
	return out
}

// UnmarshalBloomFilter reconstructs a filter previously produced by
// MarshalBinary.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 16 {
		return nil, errShortBloom
	}
	numBits := int(getUint64(data[0:8]))
	hashCount := int(getUint64(data[8:16]))
	words := data[16:]
	if len(words)%8 != 0 {
		return nil, errShortBloom
	}
	bits := make([]uint64, len(words)/8)
	for i := range bits {
		bits[i] = getUint64(words[i*8 : i*8+8])
	}
	return &BloomFilter{bits: bits, numBits: numBits, hashCount: hashCount}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

type bloomError string

func (e bloomError) Error() string { return string(e) }

const errShortBloom = bloomError("bloom filter payload too short")
