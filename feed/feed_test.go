package feed

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/feedmesh/crypto"
)

func TestMemFeedPutGetHasLen(t *testing.T) {
	var pk crypto.PublicKey
	f := NewMemFeed(pk, AcceptAllVerifier{})

	assert.Equal(t, uint64(0), f.Len())
	assert.False(t, f.Has(0))

	require.NoError(t, f.Put(0, []byte("hello"), Proof{Index: 0}))
	assert.True(t, f.Has(0))
	assert.Equal(t, uint64(1), f.Len())

	v, ok := f.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	require.NoError(t, f.Put(5, []byte("later"), Proof{Index: 5}))
	assert.Equal(t, uint64(6), f.Len())
	assert.False(t, f.Has(4))
}

func TestMemFeedRejectsBadProof(t *testing.T) {
	var pk crypto.PublicKey
	f := NewMemFeed(pk, RejectAllVerifier{})

	err := f.Put(0, []byte("hello"), Proof{Index: 0})
	assert.ErrorIs(t, err, ErrProofRejected)
	assert.False(t, f.Has(0))
	assert.Equal(t, uint64(0), f.Len())
}

func TestMemFeedDuplicatePutIsNoop(t *testing.T) {
	var pk crypto.PublicKey
	f := NewMemFeed(pk, AcceptAllVerifier{})
	require.NoError(t, f.Put(0, []byte("first"), Proof{Index: 0}))
	require.NoError(t, f.Put(0, []byte("second"), Proof{Index: 0}))

	v, ok := f.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), v)
}

// TestMemFeedCallsVerifierOncePerPut uses a gomock expectation to assert
// Put consults the verifier on every call, including one that stores
// nothing because the index was already present.
func TestMemFeedCallsVerifierOncePerPut(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var pk crypto.PublicKey
	verifier := NewMockVerifier(ctrl)
	verifier.EXPECT().Verify(pk, uint64(0), []byte("hello"), Proof{Index: 0}).Return(true).Times(2)

	f := NewMemFeed(pk, verifier)
	require.NoError(t, f.Put(0, []byte("hello"), Proof{Index: 0}))
	require.NoError(t, f.Put(0, []byte("hello"), Proof{Index: 0})) // duplicate, still verified
}

func TestMemFeedBitfieldReflectsStored(t *testing.T) {
	var pk crypto.PublicKey
	f := NewMemFeed(pk, AcceptAllVerifier{})
	require.NoError(t, f.Put(0, []byte("a"), Proof{}))
	require.NoError(t, f.Put(2, []byte("b"), Proof{}))

	bf := f.Bitfield()
	assert.True(t, bf.Get(0))
	assert.False(t, bf.Get(1))
	assert.True(t, bf.Get(2))
}
