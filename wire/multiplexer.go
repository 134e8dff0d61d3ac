package wire

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/crypto"
)

// inboxSize bounds each channel's inbox, per spec.md §5: a slow consumer
// applies backpressure to the whole connection once its inbox fills, since
// Multiplexer.Run's dispatch blocks on the send rather than dropping frames.
const inboxSize = 64

// ErrChannelClosed names a torn-down multiplexer. Send and Open do not
// return it: after teardown Send reports the underlying Stream's own write
// error, and Open still hands out a fresh inbox.
var ErrChannelClosed = errors.New("wire: multiplexer closed")

// Inbox is the per-channel queue of demultiplexed frames a replicator
// reads from.
type Inbox <-chan Frame

// Multiplexer demultiplexes one Stream's frames by channel id, handing
// each channel its own bounded inbox (spec.md §4.2). It is the transport
// side of the channel abstraction; replicator.Replicator is the consumer.
type Multiplexer struct {
	stream *Stream

	mu      sync.Mutex
	inboxes map[uint64]chan Frame
	closed  bool
	readErr error
	done    chan struct{}
}

// NewMultiplexer wraps an already-constructed Stream. Call Run in its own
// goroutine to begin demultiplexing.
func NewMultiplexer(s *Stream) *Multiplexer {
	return &Multiplexer{
		stream:  s,
		inboxes: make(map[uint64]chan Frame),
		done:    make(chan struct{}),
	}
}

// Open registers interest in channel ch, returning its inbox. Calling Open
// twice for the same channel replaces the previous inbox (the old one is
// closed), matching a channel being reopened after Close.
func (m *Multiplexer) Open(ch uint64) Inbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.inboxes[ch]; ok {
		close(old)
	}
	box := make(chan Frame, inboxSize)
	m.inboxes[ch] = box
	return box
}

// Close unregisters channel ch; further frames addressed to it are logged
// at Debug and dropped.
func (m *Multiplexer) Close(ch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if box, ok := m.inboxes[ch]; ok {
		close(box)
		delete(m.inboxes, ch)
	}
}

// Send writes a frame on the underlying stream. Safe for concurrent use
// across channels; Stream itself serializes the writes.
func (m *Multiplexer) Send(f Frame) error {
	return m.stream.Send(f)
}

// UpgradeSend installs the send-direction cipher on the underlying stream.
// A connection's cipher is a property of the whole Stream, not of any one
// channel (spec.md §4.1); on a multi-channel session (drive.Drive) only the
// first channel to open should call this.
func (m *Multiplexer) UpgradeSend(pk crypto.PublicKey, nonce crypto.Nonce) {
	m.stream.UpgradeSend(pk, nonce)
}

// UpgradeRecv installs the receive-direction cipher on the underlying
// stream; see UpgradeSend.
func (m *Multiplexer) UpgradeRecv(pk crypto.PublicKey, nonce crypto.Nonce) {
	m.stream.UpgradeRecv(pk, nonce)
}

// Run reads frames from the underlying stream until it errors, dispatching
// each to its channel's inbox. It blocks, so callers run it in its own
// goroutine; Err() and Done() let other goroutines observe termination.
func (m *Multiplexer) Run() error {
	defer close(m.done)
	for {
		f, err := m.stream.Recv()
		if err != nil {
			m.mu.Lock()
			m.closed = true
			m.readErr = err
			for ch, box := range m.inboxes {
				close(box)
				delete(m.inboxes, ch)
			}
			m.mu.Unlock()
			return err
		}
		m.dispatch(f)
	}
}

// dispatch holds m.mu for the whole lookup-and-send, not just the lookup:
// releasing it in between would let a concurrent Close (e.g. a replicator's
// deferred Mux.Close on exit) close and delete the channel's inbox after
// dispatch has already committed to sending on it, panicking on a closed
// channel for frames a peer can trivially race into existence. Run's single
// read loop already calls dispatch sequentially, so holding the lock across
// a blocking send doesn't add cross-channel contention beyond what inboxSize
// backpressure already implies.
func (m *Multiplexer) dispatch(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.inboxes[f.Channel]
	if !ok {
		logger.Debug("dropping frame for unknown channel", "channel", f.Channel, "type", TypeName(f.Type))
		return
	}
	box <- f
}

// Done returns a channel closed once Run has returned.
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

// Err returns the error that terminated Run, valid only after Done closes.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}
