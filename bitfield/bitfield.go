// Package bitfield implements the per-feed present-index set and its
// run-length encoding, the concrete instance of the "library providing
// Feed::bitfield().compress(start, len)" spec.md §1 treats as an external
// collaborator of the storage backend. It lives in this repository because
// spec.md §8 property 5 (RLE round-trip) is a testable invariant of the
// wire behavior, not of whichever storage backend a deployment picks.
package bitfield

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PageSize is the alignment both Want ranges and RLE compression operate
// on (spec.md §4.3: "Length-must-be-a-multiple-of-8192").
const PageSize = 8192

// MaxRangeLength bounds any single range (a Have/Want/Unhave Length, or one
// RLE run's count) a peer can describe. It is not a real feed-size limit --
// it exists only so an untrusted peer can't express a ~2^64 range in one
// message and drive a loop or slice-growth that never finishes. Nothing
// splits a longer range into several messages: a received Have/Want/Unhave
// Length, RLE run or RLE total above it is rejected with ErrRangeTooLarge.
const MaxRangeLength = 1 << 24

// ErrRangeTooLarge is returned by Decompress when a peer's RLE run (or the
// range it's being overlaid onto) exceeds MaxRangeLength.
var ErrRangeTooLarge = errors.New("bitfield: range exceeds MaxRangeLength")

// Bitfield is a growable bit-vector of present feed indices.
type Bitfield struct {
	words []uint64
}

// New returns an empty bitfield.
func New() *Bitfield { return &Bitfield{} }

func (b *Bitfield) ensure(wordIdx int) {
	for len(b.words) <= wordIdx {
		b.words = append(b.words, 0)
	}
}

// Set marks index as present.
func (b *Bitfield) Set(index uint64) {
	w, bit := int(index/64), index%64
	b.ensure(w)
	b.words[w] |= 1 << bit
}

// Clear marks index as absent.
func (b *Bitfield) Clear(index uint64) {
	w, bit := int(index/64), index%64
	if w >= len(b.words) {
		return
	}
	b.words[w] &^= 1 << bit
}

// Get reports whether index is present.
func (b *Bitfield) Get(index uint64) bool {
	w, bit := int(index/64), index%64
	if w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<bit) != 0
}

// Len returns one past the highest index currently set; clearing that
// index lowers it.
func (b *Bitfield) Len() uint64 {
	for i := len(b.words) - 1; i >= 0; i-- {
		if b.words[i] == 0 {
			continue
		}
		for bit := 63; bit >= 0; bit-- {
			if b.words[i]&(1<<uint(bit)) != 0 {
				return uint64(i)*64 + uint64(bit) + 1
			}
		}
	}
	return 0
}

// run is one (bit, count) pair of the RLE encoding.
type run struct {
	bit   bool
	count uint64
}

// runsFrom walks bits [start, start+length) (or to Len() if length==0)
// producing equal-bit runs.
func (b *Bitfield) runsFrom(start, length uint64) []run {
	end := start + length
	if length == 0 {
		end = b.Len()
		if end < start {
			end = start
		}
	}
	var runs []run
	for i := start; i < end; i++ {
		bit := b.Get(i)
		if len(runs) > 0 && runs[len(runs)-1].bit == bit {
			runs[len(runs)-1].count++
		} else {
			runs = append(runs, run{bit: bit, count: 1})
		}
	}
	return runs
}

// Compress run-length-encodes the bits in [start, start+length) (or
// [start, Len()) when length is 0) as alternating varint (bit as 0/1,
// count) pairs, the wire representation carried in a bitfield-bearing Have
// message (spec.md §4.2/§4.3).
func (b *Bitfield) Compress(start, length uint64) []byte {
	runs := b.runsFrom(start, length)
	buf := make([]byte, 0, len(runs)*3)
	tmp := make([]byte, binary.MaxVarintLen64)
	for _, r := range runs {
		bitVal := uint64(0)
		if r.bit {
			bitVal = 1
		}
		n := binary.PutUvarint(tmp, bitVal)
		buf = append(buf, tmp[:n]...)
		n = binary.PutUvarint(tmp, r.count)
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

// Decompress overlays a Compress-encoded byte string onto the bitfield
// starting at start, returning the number of bits it described. Any
// implementation's RLE bitfield (not just this package's own Compress
// output) round-trips through Decompress, since spec.md §9 requires
// interop with peers that send RLE bitfields even though this package's
// own compress path is optional to invoke.
func (b *Bitfield) Decompress(data []byte, start uint64) (uint64, error) {
	pos := start
	i := 0
	var total uint64
	for i < len(data) {
		bitVal, n := binary.Uvarint(data[i:])
		if n <= 0 {
			return 0, errors.New("malformed bitfield: bad bit varint")
		}
		i += n
		count, n := binary.Uvarint(data[i:])
		if n <= 0 {
			return 0, errors.New("malformed bitfield: bad count varint")
		}
		i += n
		if count > MaxRangeLength {
			return 0, ErrRangeTooLarge
		}
		total += count
		if total > MaxRangeLength {
			return 0, ErrRangeTooLarge
		}
		if bitVal != 0 {
			for k := uint64(0); k < count; k++ {
				b.Set(pos + k)
			}
		} else {
			for k := uint64(0); k < count; k++ {
				b.Clear(pos + k)
			}
		}
		pos += count
	}
	return pos - start, nil
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	words := make([]uint64, len(b.words))
	copy(words, b.words)
	return &Bitfield{words: words}
}
