package crypto

import "golang.org/x/crypto/salsa20/salsa"

// StreamCipher is a one-directional XSalsa20 keystream, keyed by a feed's
// public key and a 24-byte nonce. Applying it twice with the same key and
// nonce returns the original bytes: encryption and decryption are the same
// XOR operation (spec.md §8 property 2).
//
// Each connection direction gets its own StreamCipher, seeded from that
// direction's own Nonce (spec.md §4.1/§4.3): the sender upgrades using the
// nonce it generated and sent; the receiver upgrades using the nonce it
// received in the peer's Feed/Open message.
type StreamCipher struct {
	subKey [32]byte
	nonce8 [8]byte // the last 8 bytes of the 24-byte XSalsa20 nonce
	offset uint64  // total bytes of keystream consumed so far
}

// NewStreamCipher derives the HSalsa20 subkey for (pk, nonce) once; XORKeyStream
// is then cheap per call.
func NewStreamCipher(pk PublicKey, nonce Nonce) *StreamCipher {
	c := &StreamCipher{}
	var hNonce [16]byte
	copy(hNonce[:], nonce[:16])
	key := [32]byte(pk)
	salsa.HSalsa20(&c.subKey, &hNonce, &key, &salsa.Sigma)
	copy(c.nonce8[:], nonce[16:])
	return c
}

// XORKeyStream XORs src into dst using the next len(src) bytes of
// keystream, advancing internal state so consecutive calls continue the
// same stream. dst and src may be the same slice.
func (c *StreamCipher) XORKeyStream(dst, src []byte) {
	n := len(src)
	if n == 0 {
		return
	}
	startBlock := c.offset / 64
	startOff := int(c.offset % 64)
	nBlocks := (startOff + n + 63) / 64

	var counter [16]byte
	copy(counter[:8], c.nonce8[:])
	putUint64LE(counter[8:], startBlock)

	scratch := make([]byte, nBlocks*64)
	keystream := make([]byte, nBlocks*64)
	salsa.XORKeyStream(keystream, scratch, &counter, &c.subKey)

	for i := 0; i < n; i++ {
		dst[i] = src[i] ^ keystream[startOff+i]
	}
	c.offset += uint64(n)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
