// Package replicator implements the per-channel feed replication state
// machine of spec.md §4.3: Opening, AwaitingPeerOpen, Handshaking, Live,
// Closed, driven by one goroutine per channel reading that channel's
// demultiplexed inbox (spec.md §9's "tagged-variant dispatch inside a
// single replicator task").
package replicator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"gopkg.in/karalabe/cookiejar.v2/collections/prque"

	"github.com/feedmesh/feedmesh/bitfield"
	"github.com/feedmesh/feedmesh/common"
	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/log"
	"github.com/feedmesh/feedmesh/wire"
)

var logger = log.NewModuleLogger(log.ModuleReplicator)

// State is a node in the state machine of spec.md §4.3.
type State int32

const (
	StateOpening State = iota
	StateAwaitingPeerOpen
	StateHandshaking
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateAwaitingPeerOpen:
		return "AwaitingPeerOpen"
	case StateHandshaking:
		return "Handshaking"
	case StateLive:
		return "Live"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ErrSelfConnect is fatal to the session: the peer's Handshake carried our
// own peer id, meaning the connection looped back to us (spec.md §4.3).
var ErrSelfConnect = errors.New("replicator: self connect")

// ErrPeerClosed is returned by Run when the peer sent Close on this
// channel.
var ErrPeerClosed = errors.New("replicator: peer closed channel")

// defaultMaxInFlight caps concurrently outstanding Requests per channel
// (spec.md §4.3: "Implementations should cap in-flight requests").
const defaultMaxInFlight = 64

// defaultInFlightCacheSize bounds the in-flight index bookkeeping cache;
// it need only be as large as MaxInFlight ever gets.
const defaultInFlightCacheSize = 4096

// Config bundles everything one Replicator needs to run a single channel.
type Config struct {
	// Channel is the multiplexed channel id this replicator owns.
	Channel uint64
	// Feed is the local storage/verification collaborator for this channel.
	Feed feed.Feed
	// Mux carries frames to and from the peer.
	Mux *wire.Multiplexer
	// UpgradeCipher installs the stream-wide cipher from this channel's
	// Open/nonce exchange. Only the first channel opened on a connection
	// should set this true (spec.md §4.1: the cipher belongs to the
	// Stream, not to any one channel); drive.Drive clears it for the
	// content channel it opens after the metadata channel.
	UpgradeCipher bool
	// MaxInFlight caps concurrently outstanding Requests; 0 uses
	// defaultMaxInFlight.
	MaxInFlight int
	// OnBlockStored, if set, is called after every successfully verified
	// Put, before further backlog requests are scheduled. drive.Drive uses
	// this on the metadata channel to notice block 0 and derive the
	// content feed's public key (spec.md §4.4).
	OnBlockStored func(index uint64, value []byte)
	// Inbox, if set, is used instead of calling Mux.Open(Channel); the
	// caller keeps ownership (Run will not Mux.Close it). drive.Drive uses
	// this for the content channel: it claims channel 1's inbox before
	// the content feed's public key is even known, so a peer's early Open
	// on that channel queues up rather than being dropped as "unknown
	// channel" (spec.md §4.4's "delayed feed content").
	Inbox wire.Inbox
}

// Replicator drives spec.md §4.3's state machine for one channel.
type Replicator struct {
	cfg Config

	localNonce  crypto.Nonce
	localPeerID crypto.PeerID

	inFlight   common.Cache
	pending    *prque.Prque
	maxInFlight int

	requestsSent   metrics.Counter
	dataReceived   metrics.Counter
	proofsRejected metrics.Counter

	mu           sync.Mutex
	state        State
	peer         *bitfield.Bitfield
	remoteLength uint64

	liveCh  chan struct{}
	liveOne sync.Once
}

// New constructs a Replicator for cfg.Channel. Call Run to drive it.
func New(cfg Config) (*Replicator, error) {
	if cfg.Feed == nil {
		return nil, errors.New("replicator: Config.Feed is required")
	}
	if cfg.Mux == nil {
		return nil, errors.New("replicator: Config.Mux is required")
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	inFlight, err := common.NewCache(common.LRUConfig{CacheSize: defaultInFlightCacheSize})
	if err != nil {
		return nil, errors.Wrap(err, "replicator: new in-flight cache")
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, errors.Wrap(err, "replicator: new nonce")
	}
	peerID, err := crypto.NewPeerID()
	if err != nil {
		return nil, errors.Wrap(err, "replicator: new peer id")
	}
	pkHex := cfg.Feed.PublicKey().String()
	return &Replicator{
		cfg:            cfg,
		localNonce:     nonce,
		localPeerID:    peerID,
		inFlight:       inFlight,
		pending:        prque.New(),
		maxInFlight:    maxInFlight,
		peer:           bitfield.New(),
		state:          StateOpening,
		liveCh:         make(chan struct{}),
		requestsSent:   metrics.NewRegisteredCounter("replicator/"+pkHex+"/requestsSent", metrics.DefaultRegistry),
		dataReceived:   metrics.NewRegisteredCounter("replicator/"+pkHex+"/dataReceived", metrics.DefaultRegistry),
		proofsRejected: metrics.NewRegisteredCounter("replicator/"+pkHex+"/proofsRejected", metrics.DefaultRegistry),
	}, nil
}

// State returns the current machine state.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replicator) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	logger.Debug("state transition", "channel", r.cfg.Channel, "state", s.String())
}

// Live returns a channel that is closed once the replicator reaches the
// Live state; useful for a caller (e.g. drive.Drive) waiting to react to
// the handshake completing.
func (r *Replicator) Live() <-chan struct{} { return r.liveCh }

func (r *Replicator) markLive() {
	r.liveOne.Do(func() { close(r.liveCh) })
}

// Run drives the full state machine for this channel until ctx is
// cancelled, the peer closes the channel, or a fatal error (Malformed,
// SelfConnect) occurs. It owns the channel's inbox exclusively -- do not
// call Run from more than one goroutine for the same Replicator.
func (r *Replicator) Run(ctx context.Context) error {
	defer r.setState(StateClosed)
	inbox := r.cfg.Inbox
	if inbox == nil {
		inbox = r.cfg.Mux.Open(r.cfg.Channel)
		defer r.cfg.Mux.Close(r.cfg.Channel)
	}

	localDK, err := crypto.DeriveDiscoveryKey(r.cfg.Feed.PublicKey())
	if err != nil {
		return errors.Wrap(err, "replicator: derive local discovery key")
	}

	open := wire.OpenMessage{DiscoveryKey: localDK, Nonce: r.localNonce}
	if err := r.send(wire.TypeOpen, open.Marshal()); err != nil {
		return errors.Wrap(err, "replicator: send Open")
	}
	if r.cfg.UpgradeCipher {
		r.cfg.Mux.UpgradeSend(r.cfg.Feed.PublicKey(), r.localNonce)
	}
	r.setState(StateAwaitingPeerOpen)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-inbox:
			if !ok {
				return errors.New("replicator: inbox closed")
			}
			if err := r.handle(f); err != nil {
				return err
			}
		}
	}
}

func (r *Replicator) send(typ uint8, payload []byte) error {
	return r.cfg.Mux.Send(wire.Frame{Channel: r.cfg.Channel, Type: typ, Payload: payload})
}

func (r *Replicator) handle(f wire.Frame) error {
	state := r.State()
	switch state {
	case StateAwaitingPeerOpen:
		return r.handleAwaitingOpen(f)
	case StateHandshaking:
		return r.handleHandshaking(f)
	case StateLive:
		return r.handleLive(f)
	default:
		logger.Debug("dropping frame in terminal state", "channel", r.cfg.Channel, "state", state.String(), "type", wire.TypeName(f.Type))
		return nil
	}
}

func (r *Replicator) handleAwaitingOpen(f wire.Frame) error {
	if f.Type != wire.TypeOpen {
		logger.Debug("ignoring frame before peer Open", "channel", r.cfg.Channel, "type", wire.TypeName(f.Type))
		return nil
	}
	peerOpen, err := wire.UnmarshalOpen(f.Payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed peer Open")
	}
	if r.cfg.UpgradeCipher {
		r.cfg.Mux.UpgradeRecv(r.cfg.Feed.PublicKey(), peerOpen.Nonce)
	}
	r.setState(StateHandshaking)

	hs := wire.HandshakeMessage{ID: r.localPeerID, Live: true, Ack: false}
	if err := r.send(wire.TypeHandshake, hs.Marshal()); err != nil {
		return errors.Wrap(err, "replicator: send Handshake")
	}
	return nil
}

func (r *Replicator) handleHandshaking(f wire.Frame) error {
	if f.Type != wire.TypeHandshake {
		logger.Debug("ignoring frame before peer Handshake", "channel", r.cfg.Channel, "type", wire.TypeName(f.Type))
		return nil
	}
	peerHS, err := wire.UnmarshalHandshake(f.Payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed peer Handshake")
	}
	if crypto.PeerID(peerHS.ID).Equal(r.localPeerID) {
		return ErrSelfConnect
	}
	r.setState(StateLive)
	r.markLive()

	want := wire.RangeMessage{Start: 0, Length: 0}
	if err := r.send(wire.TypeWant, want.Marshal()); err != nil {
		return errors.Wrap(err, "replicator: send initial Want")
	}
	return nil
}

func (r *Replicator) handleLive(f wire.Frame) error {
	switch f.Type {
	case wire.TypeHave:
		return r.handleHave(f.Payload)
	case wire.TypeUnhave:
		return r.handleUnhave(f.Payload)
	case wire.TypeWant:
		return r.handleWant(f.Payload)
	case wire.TypeUnwant:
		// No outstanding per-peer Want bookkeeping is kept (spec.md §9):
		// Wants only drive which Haves we choose to answer, and we answer
		// from the local bitfield fresh on every Want, so an Unwant has
		// nothing to retract.
		return nil
	case wire.TypeRequest:
		return r.handleRequest(f.Payload)
	case wire.TypeCancel:
		return r.handleCancel(f.Payload)
	case wire.TypeData:
		return r.handleData(f.Payload)
	case wire.TypeClose:
		return ErrPeerClosed
	case wire.TypeHandshake, wire.TypeOpen, wire.TypeOptions:
		return nil
	default:
		logger.Debug("dropping unknown message type", "channel", r.cfg.Channel, "type", f.Type)
		return nil
	}
}

func (r *Replicator) handleHave(payload []byte) error {
	msg, err := wire.UnmarshalHave(payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed Have")
	}
	if msg.Bitfield != nil {
		n, err := r.peer.Decompress(msg.Bitfield, msg.Start)
		if err != nil {
			return errors.Wrap(err, "replicator: malformed Have bitfield")
		}
		r.extendRemoteRange(msg.Start + n)
		r.scheduleRange(msg.Start, n)
	} else {
		length := msg.Length
		if length == 0 {
			length = 1
		}
		if length > bitfield.MaxRangeLength {
			return errors.Wrap(bitfield.ErrRangeTooLarge, "replicator: Have")
		}
		for i := uint64(0); i < length; i++ {
			r.peer.Set(msg.Start + i)
		}
		r.extendRemoteRange(msg.Start + length)
		r.scheduleRange(msg.Start, length)
	}
	return r.maybeSendRequests()
}

func (r *Replicator) handleUnhave(payload []byte) error {
	msg, err := wire.UnmarshalRange(payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed Unhave")
	}
	length := msg.Length
	if length == 0 {
		length = 1
	}
	if length > bitfield.MaxRangeLength {
		return errors.Wrap(bitfield.ErrRangeTooLarge, "replicator: Unhave")
	}
	for i := uint64(0); i < length; i++ {
		r.peer.Clear(msg.Start + i)
	}
	return nil
}

// extendRemoteRange widens remoteLength, the furthest index the peer has
// ever claimed to have. It is only recorded: handleWant's final-block check
// compares against the Want's own range, not remoteLength.
func (r *Replicator) extendRemoteRange(remoteEnd uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if remoteEnd > r.remoteLength {
		r.remoteLength = remoteEnd
	}
}

func (r *Replicator) scheduleRange(start, length uint64) {
	for i := uint64(0); i < length; i++ {
		idx := start + i
		if r.cfg.Feed.Has(idx) {
			continue
		}
		if r.inFlight.Contains(idx) {
			continue
		}
		r.pending.Push(idx, -float32(idx))
	}
}

func (r *Replicator) maybeSendRequests() error {
	for r.inFlight.Len() < r.maxInFlight && !r.pending.Empty() {
		v, _ := r.pending.Pop()
		idx := v.(uint64)
		if r.cfg.Feed.Has(idx) || r.inFlight.Contains(idx) {
			continue
		}
		req := wire.RequestMessage{Index: idx}
		if err := r.send(wire.TypeRequest, req.Marshal()); err != nil {
			return errors.Wrap(err, "replicator: send Request")
		}
		r.inFlight.Add(idx, struct{}{})
		r.requestsSent.Inc(1)
	}
	return nil
}

func (r *Replicator) handleWant(payload []byte) error {
	msg, err := wire.UnmarshalRange(payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed Want")
	}
	if msg.Start&(bitfield.PageSize-1) != 0 || msg.Length&(bitfield.PageSize-1) != 0 {
		// Paging misalignment: silently ignored per spec.md §4.3.
		return nil
	}
	if msg.Length > bitfield.MaxRangeLength {
		return errors.Wrap(bitfield.ErrRangeTooLarge, "replicator: Want")
	}
	local := r.cfg.Feed.Bitfield()
	if localLen := r.cfg.Feed.Len(); localLen > 0 {
		final := localLen - 1
		// "the local feed has a final block beyond the peer's claimed
		// horizon" (spec.md §4.3) -- only meaningful when the peer bounded
		// its Want; length 0 already claims everything.
		if msg.Length != 0 && final >= msg.Start+msg.Length {
			have := wire.HaveMessage{Start: final, Length: 1}
			if err := r.send(wire.TypeHave, have.Marshal()); err != nil {
				return errors.Wrap(err, "replicator: send final-block Have")
			}
		}
	}
	compressed := local.Compress(msg.Start, msg.Length)
	have := wire.HaveMessage{Start: msg.Start, Length: msg.Length, Bitfield: compressed}
	return errors.Wrap(r.send(wire.TypeHave, have.Marshal()), "replicator: send bitfield Have")
}

func (r *Replicator) handleRequest(payload []byte) error {
	msg, err := wire.UnmarshalRequest(payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed Request")
	}
	value, ok := r.cfg.Feed.Get(msg.Index)
	if !ok {
		// Absent locally; peer may Cancel or retry (spec.md §4.3).
		return nil
	}
	data := wire.DataMessage{Index: msg.Index, Value: value}
	return errors.Wrap(r.send(wire.TypeData, data.Marshal()), "replicator: send Data")
}

func (r *Replicator) handleCancel(payload []byte) error {
	// No outbound bookkeeping of the peer's in-flight requests is kept
	// (spec.md §4.3: "implementation may or may not track this"); a
	// Cancel for a Request we already answered, or never saw, is a no-op.
	_, err := wire.UnmarshalCancel(payload)
	return errors.Wrap(err, "replicator: malformed Cancel")
}

func (r *Replicator) handleData(payload []byte) error {
	msg, err := wire.UnmarshalData(payload)
	if err != nil {
		return errors.Wrap(err, "replicator: malformed Data")
	}
	proof := feed.Proof{Index: msg.Index, Signature: msg.Signature}
	for _, n := range msg.Nodes {
		proof.Nodes = append(proof.Nodes, feed.MerkleNode{Index: n.Index, Hash: n.Hash, Size: n.Size})
	}
	r.inFlight.Remove(msg.Index)
	if err := r.cfg.Feed.Put(msg.Index, msg.Value, proof); err != nil {
		if errors.Cause(err) == feed.ErrProofRejected {
			logger.Warn("proof rejected, dropping block", "channel", r.cfg.Channel, "index", msg.Index)
			r.proofsRejected.Inc(1)
			return nil
		}
		return errors.Wrap(err, "replicator: store Data")
	}
	r.dataReceived.Inc(1)
	if r.cfg.OnBlockStored != nil {
		r.cfg.OnBlockStored(msg.Index, msg.Value)
	}
	return r.maybeSendRequests()
}
