package bitfield

import (
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetLen(t *testing.T) {
	b := New()
	assert.Equal(t, uint64(0), b.Len())
	b.Set(0)
	b.Set(3)
	b.Set(10)
	assert.True(t, b.Get(0))
	assert.True(t, b.Get(3))
	assert.False(t, b.Get(1))
	assert.Equal(t, uint64(11), b.Len())
	b.Clear(3)
	assert.False(t, b.Get(3))
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	b := New()
	for page := 0; page < 3; page++ {
		for i := 0; i < PageSize; i++ {
			if r.Intn(4) == 0 {
				b.Set(uint64(page*PageSize + i))
			}
		}
	}

	compressed := b.Compress(0, uint64(3*PageSize))
	decoded := New()
	n, err := decoded.Decompress(compressed, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*PageSize), n)

	for i := uint64(0); i < uint64(3*PageSize); i++ {
		if b.Get(i) != decoded.Get(i) {
			t.Fatalf("mismatch at bit %d\noriginal: %s\ndecoded: %s", i, spew.Sdump(b), spew.Sdump(decoded))
		}
	}
}

func TestCompressDecompressAtOffset(t *testing.T) {
	b := New()
	b.Set(8192)
	b.Set(8193)
	b.Set(8300)

	compressed := b.Compress(8192, PageSize)
	decoded := New()
	n, err := decoded.Decompress(compressed, 8192)
	require.NoError(t, err)
	assert.Equal(t, uint64(PageSize), n)
	assert.True(t, decoded.Get(8192))
	assert.True(t, decoded.Get(8193))
	assert.True(t, decoded.Get(8300))
	assert.False(t, decoded.Get(8194))
}

func TestDecompressMalformed(t *testing.T) {
	b := New()
	_, err := b.Decompress([]byte{0xff}, 0)
	assert.Error(t, err)
}

func TestCloneIndependent(t *testing.T) {
	b := New()
	b.Set(5)
	clone := b.Clone()
	clone.Set(6)
	assert.False(t, b.Get(6))
	assert.True(t, clone.Get(5))
}
