// Package pref implements the 48-bit persistent reference used to address
// bytes in the store's data file.
package pref

import (
	"encoding/binary"

	"hammersbald/pkg/pager"
)

// Size of a serialized reference in bytes.
const Size = 6

// Max is the largest representable reference (2^48 - 1).
const Max = PRef(1<<48 - 1)

// Nil is the reserved zero reference: a bucket slot or chain pointer holding
// Nil points at nothing. The data file opens with a zero preamble page so no
// record ever sits at byte offset 0.
const Nil = PRef(0)

// PRef is an unsigned 48-bit byte offset into the data file.
type PRef uint64

// New constructs a PRef from a raw offset.
func New(n uint64) PRef {
	return PRef(n & uint64(Max))
}

// U64 converts the reference to a number.
func (p PRef) U64() uint64 {
	return uint64(p)
}

// IsNil reports whether this is the reserved nil reference.
func (p PRef) IsNil() bool {
	return p == Nil
}

// PageNum returns the number of the page this reference points into.
func (p PRef) PageNum() int64 {
	return int64(p) / pager.Pagesize
}

// InPagePos returns the position of this reference within its page.
func (p PRef) InPagePos() int64 {
	return int64(p) % pager.Pagesize
}

// ThisPage returns the reference of the start of this reference's page.
func (p PRef) ThisPage() PRef {
	return PRef(int64(p) / pager.Pagesize * pager.Pagesize)
}

// NextPage returns the reference of the start of the following page.
func (p PRef) NextPage() PRef {
	return p.ThisPage() + PRef(pager.Pagesize)
}

// Add returns the reference n bytes further into the data space.
func (p PRef) Add(n uint64) PRef {
	return PRef(uint64(p) + n)
}

// Put serializes the reference into the first six bytes of b, big-endian.
func (p PRef) Put(b []byte) {
	b[0] = byte(p >> 40)
	b[1] = byte(p >> 32)
	binary.BigEndian.PutUint32(b[2:6], uint32(p))
}

// FromBytes deserializes a reference from the first six bytes of b.
func FromBytes(b []byte) PRef {
	hi := uint64(b[0])<<40 | uint64(b[1])<<32
	return PRef(hi | uint64(binary.BigEndian.Uint32(b[2:6])))
}
