package wire

import (
	"io"
	"sync"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/log"
)

var logger = log.NewModuleLogger(log.ModuleWire)

// Stream wraps a bidirectional byte stream (typically a net.Conn) and
// exposes Send/Recv for whole frames, per spec.md §4.1. It begins
// unencrypted; UpgradeSend/UpgradeRecv each switch one direction to XSalsa20 keyed by the
// feed's public key and a 24-byte nonce.
//
// Per spec.md's "Cipher-before-handshake" design note: the sending
// direction's Upgrade must happen strictly between the Feed/Open Send call
// and the next Send call, and the caller (replicator.Replicator) is
// responsible for that ordering; Stream itself just applies whichever
// cipher is currently installed to whatever bytes cross the wire next.
type Stream struct {
	conn io.ReadWriteCloser

	maxFrameSize uint64

	writeMu sync.Mutex
	cw      *cipherWriter

	readMu sync.Mutex
	cr     *cipherReader
}

// NewStream wraps conn. maxFrameSize of 0 uses DefaultMaxFrameSize.
func NewStream(conn io.ReadWriteCloser, maxFrameSize uint64) *Stream {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Stream{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		cw:           &cipherWriter{w: conn},
		cr:           &cipherReader{r: conn},
	}
}

// UpgradeSend installs the send-direction cipher, keyed by pk and the
// nonce this side generated and already sent in its Feed/Open message.
func (s *Stream) UpgradeSend(pk crypto.PublicKey, nonce crypto.Nonce) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.cw.cipher = crypto.NewStreamCipher(pk, nonce)
}

// UpgradeRecv installs the receive-direction cipher, keyed by pk and the
// nonce parsed from the peer's Feed/Open message.
func (s *Stream) UpgradeRecv(pk crypto.PublicKey, nonce crypto.Nonce) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.cr.cipher = crypto.NewStreamCipher(pk, nonce)
}

// Send writes one frame. Concurrent Send calls are serialized so a frame's
// bytes are never interleaved with another's.
func (s *Stream) Send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.cw, f)
}

// Recv reads and decodes the next frame, transparently skipping keepalives.
func (s *Stream) Recv() (Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		f, err := readFrame(s.cr, s.maxFrameSize)
		if err != nil {
			return Frame{}, err
		}
		if f.IsKeepalive() {
			logger.Trace("received keepalive")
			continue
		}
		return f, nil
	}
}

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }
