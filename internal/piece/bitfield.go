// Package piece tracks piece ownership for one torrent, assembles blocks into
// pieces, verifies them and maps verified pieces onto the output files.
package piece

import "fmt"

// Bitfield is a fixed-length set of flags, one per piece, stored most
// significant bit first as on the wire.
type Bitfield struct {
	b []byte
	n int
}

// NewBitfield returns an empty bitfield of n bits.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{b: make([]byte, (n+7)/8), n: n}
}

// BitfieldFromBytes wraps the wire form of an n-bit bitfield. Spare bits in
// the last byte must be clear.
func BitfieldFromBytes(b []byte, n int) (*Bitfield, error) {
	if len(b) != (n+7)/8 {
		return nil, fmt.Errorf("bitfield is %d bytes, want %d", len(b), (n+7)/8)
	}
	if n%8 != 0 && b[len(b)-1]&(0xff>>(n%8)) != 0 {
		return nil, fmt.Errorf("bitfield has spare bits set")
	}
	return &Bitfield{b: append([]byte(nil), b...), n: n}, nil
}

// Len returns the number of bits.
func (bf *Bitfield) Len() int { return bf.n }

// Has reports whether bit i is set. Out of range indexes are never set.
func (bf *Bitfield) Has(i int) bool {
	if i < 0 || i >= bf.n {
		return false
	}
	return bf.b[i/8]&(0x80>>(i%8)) != 0
}

// Set sets bit i and reports whether it changed.
func (bf *Bitfield) Set(i int) bool {
	if i < 0 || i >= bf.n || bf.Has(i) {
		return false
	}
	bf.b[i/8] |= 0x80 >> (i % 8)
	return true
}

// Unset clears bit i and reports whether it changed.
func (bf *Bitfield) Unset(i int) bool {
	if !bf.Has(i) {
		return false
	}
	bf.b[i/8] &^= 0x80 >> (i % 8)
	return true
}

// SetAll sets every bit.
func (bf *Bitfield) SetAll() {
	for i := 0; i < bf.n; i++ {
		bf.Set(i)
	}
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() int {
	c := 0
	for i := 0; i < bf.n; i++ {
		if bf.Has(i) {
			c++
		}
	}
	return c
}

// All reports whether every bit is set.
func (bf *Bitfield) All() bool { return bf.Count() == bf.n }

// Indexes returns the set bits in ascending order.
func (bf *Bitfield) Indexes() []int {
	var out []int
	for i := 0; i < bf.n; i++ {
		if bf.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Bytes returns a copy of the wire form.
func (bf *Bitfield) Bytes() []byte { return append([]byte(nil), bf.b...) }

// Clone returns an independent copy.
func (bf *Bitfield) Clone() *Bitfield {
	return &Bitfield{b: bf.Bytes(), n: bf.n}
}

func (bf *Bitfield) String() string {
	return fmt.Sprintf("%d/%d %v", bf.Count(), bf.n, bf.Indexes())
}
