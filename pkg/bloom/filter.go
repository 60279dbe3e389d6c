// Package bloom implements the standard Bloom filter the Filter Publisher
// builds over recently spent ticket hashes, and that the Validator Runtime
// queries offline for double-spend detection.
package bloom

import (
	"encoding/binary"
	"math"

	"golang.org/x/crypto/blake2b"
)

// Filter is a fixed-size Bloom filter using Kirsch-Mitzenmacher double
// hashing: k independent hash positions are derived from two base hashes
// (SHA-256 already used for ticketHash, and blake2b as the second,
// independent function) rather than k separate hash computations.
type Filter struct {
	bits []byte
	m    uint64 // bit length
	k    uint64 // hash count
}

// Sizing computes (m, k) for n expected items at target false-positive
// rate p, per the formulas m = ceil(-n*ln(p) / (ln 2)^2) and
// k = round((m/n)*ln(2)).
func Sizing(n uint64, p float64) (m, k uint64) {
	if n == 0 {
		n = 1
	}
	fn := float64(n)
	ln2 := math.Ln2
	mf := math.Ceil(-fn * math.Log(p) / (ln2 * ln2))
	if mf < 8 {
		mf = 8
	}
	m = uint64(mf)
	kf := math.Round((mf / fn) * ln2)
	if kf < 1 {
		kf = 1
	}
	k = uint64(kf)
	return m, k
}

// New builds an empty filter sized for n expected items at target
// false-positive rate p.
func New(n uint64, p float64) *Filter {
	m, k := Sizing(n, p)
	return NewWithParams(m, k)
}

// NewWithParams builds an empty filter with explicit m and k, used when
// loading a previously published snapshot rather than sizing a fresh one.
func NewWithParams(m, k uint64) *Filter {
	return &Filter{bits: make([]byte, (m+7)/8), m: m, k: k}
}

// FromBits reconstructs a filter from a published snapshot's raw bit
// array, m, and k, without reprocessing the underlying item set.
func FromBits(bits []byte, m, k uint64) *Filter {
	return &Filter{bits: bits, m: m, k: k}
}

func (f *Filter) M() uint64    { return f.m }
func (f *Filter) K() uint64    { return f.k }
func (f *Filter) Bits() []byte { return f.bits }

// Add inserts a SHA-256 ticketHash (hex or raw, any stable byte
// representation works since only this filter's own hash positions
// matter) into the filter.
func (f *Filter) Add(ticketHash string) {
	h1, h2 := f.baseHashes(ticketHash)
	for i := uint64(0); i < f.k; i++ {
		pos := f.position(h1, h2, i)
		f.bits[pos/8] |= 1 << (pos % 8)
	}
}

// Test reports whether ticketHash may be a member. A false result is
// certain; a true result may be a false positive at the configured rate.
func (f *Filter) Test(ticketHash string) bool {
	h1, h2 := f.baseHashes(ticketHash)
	for i := uint64(0); i < f.k; i++ {
		pos := f.position(h1, h2, i)
		if f.bits[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) position(h1, h2 uint64, i uint64) uint64 {
	return (h1 + i*h2) % f.m
}

// baseHashes derives two independent 64-bit hashes of ticketHash: one from
// a SHA-256-flavored construction (ticketHash is already a SHA-256 digest
// encoding, so the first 8 bytes of its own bytes are used directly) and
// one from blake2b, so the Kirsch-Mitzenmacher combination isn't built on
// two correlated outputs of the same hash function.
func (f *Filter) baseHashes(ticketHash string) (uint64, uint64) {
	b := []byte(ticketHash)

	sum2, _ := blake2b.New256(nil)
	sum2.Write(b)
	d2 := sum2.Sum(nil)

	h1 := binary.BigEndian.Uint64(padTo8(b))
	h2 := binary.BigEndian.Uint64(d2[:8])
	return h1, h2
}

func padTo8(b []byte) []byte {
	out := make([]byte, 8)
	copy(out, b)
	return out
}
