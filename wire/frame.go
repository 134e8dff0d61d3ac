// Package wire implements the framed, length-prefixed, optionally-ciphered
// message channel of spec.md §4.1 and the ten-message-type channel
// multiplexer of spec.md §4.2.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/crypto"
)

// DefaultMaxFrameSize is the recommended frame-size ceiling of spec.md
// §4.1 (16 MiB).
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Frame is one decoded wire message: a channel id, a message-type tag
// (0-10 are defined; the 4-bit field's higher values are reserved for
// forward compatibility, spec.md §4.2), and its raw payload bytes.
type Frame struct {
	Channel uint64
	Type    uint8
	Payload []byte
}

// IsKeepalive reports whether this frame represents the zero-length
// keepalive ("ping") of spec.md §4.1, which carries no header tag.
func (f Frame) IsKeepalive() bool { return f.Payload == nil && f.Channel == 0 && f.Type == 0 }

// byteReader adapts an io.Reader to io.ByteReader one byte at a time via
// io.ReadFull, deliberately avoiding any internal buffering: once the
// stream's cipher is upgraded mid-session (spec.md §4.1), any read-ahead
// would decrypt bytes the application hasn't logically reached yet using
// the wrong keystream position. Reading exactly the bytes requested, in
// order, keeps cipher state and application progress in lockstep.
type byteReader struct {
	r io.Reader
}

func (br *byteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(br.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeFrame encodes and writes a single frame to w, which must already be
// wired through the session's (possibly still-unupgraded) cipher writer.
func writeFrame(w io.Writer, f Frame) error {
	if f.IsKeepalive() {
		return writeUvarint(w, 0)
	}
	header := (f.Channel << 4) | uint64(f.Type)
	headerBuf := make([]byte, binary.MaxVarintLen64)
	headerLen := binary.PutUvarint(headerBuf, header)

	total := uint64(headerLen + len(f.Payload))
	if err := writeUvarint(w, total); err != nil {
		return errors.Wrap(err, "write frame length")
	}
	if _, err := w.Write(headerBuf[:headerLen]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}
	return nil
}

func writeUvarint(w io.Writer, v uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	_, err := w.Write(buf[:n])
	return err
}

// readFrame reads and decodes a single frame from r, enforcing maxSize as
// the declared-length ceiling (spec.md §4.1).
func readFrame(r io.Reader, maxSize uint64) (Frame, error) {
	br := &byteReader{r: r}
	total, err := binary.ReadUvarint(br)
	if err != nil {
		return Frame{}, classifyReadErr(err)
	}
	if total == 0 {
		return Frame{}, nil // keepalive
	}
	if total > maxSize {
		return Frame{}, ErrOversized
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, classifyReadErr(err)
	}

	header, n := binary.Uvarint(body)
	if n <= 0 {
		return Frame{}, ErrMalformed
	}
	if int(n) > len(body) {
		return Frame{}, ErrMalformed
	}
	return Frame{
		Channel: header >> 4,
		Type:    uint8(header & 0xf),
		Payload: body[n:],
	}, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrEOF
	}
	return errors.Wrap(ErrMalformed, err.Error())
}

// cipherReader decrypts bytes as they come off the underlying reader, once
// upgraded; before that it passes bytes through unchanged.
type cipherReader struct {
	r      io.Reader
	cipher *crypto.StreamCipher
}

func (cr *cipherReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 && cr.cipher != nil {
		cr.cipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

// cipherWriter encrypts bytes immediately before writing them, once
// upgraded; before that it passes bytes through unchanged.
type cipherWriter struct {
	w      io.Writer
	cipher *crypto.StreamCipher
}

func (cw *cipherWriter) Write(p []byte) (int, error) {
	if cw.cipher == nil {
		return cw.w.Write(p)
	}
	out := make([]byte, len(p))
	cw.cipher.XORKeyStream(out, p)
	return cw.w.Write(out)
}
