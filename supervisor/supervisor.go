// Package supervisor implements spec.md §4.5's peer-session supervisor:
// it accepts inbound TCP connections, dials outbound ones named by
// discovery events, deduplicates by SocketAddr, and drives one
// drive.Drive per connection to completion. Grounded on node/service.go's
// Start/Stop lifecycle shape and on node/sc/bridgepeer.go's use of
// gopkg.in/fatih/set.v0 for a known-peer set.
package supervisor

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/steakknife/bloomfilter"
	"gopkg.in/fatih/set.v0"

	"github.com/feedmesh/feedmesh/drive"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/log"
	"github.com/feedmesh/feedmesh/wire"
)

var logger = log.NewModuleLogger(log.ModuleSupervisor)

const (
	// defaultHandshakeTimeout is spec.md §5's "1s initial handshake"
	// window, applied as the deadline of each Read until drive.Drive's Ready
	// signal fires: a session whose peer stays silent this long before then
	// is dropped.
	defaultHandshakeTimeout = 1 * time.Second
	// defaultInactivityTimeout is spec.md §5's 30s production inactivity
	// timeout, reset on every frame read once a session is live.
	defaultInactivityTimeout = 30 * time.Second

	bloomExpectedAddrs  = 1 << 16
	bloomFalsePositives = 0.01
)

// MetadataFeedFactory opens or creates the metadata feed to replicate
// with a newly-connected peer at addr.
type MetadataFeedFactory func(addr SocketAddr) (feed.Feed, error)

// Config bundles everything Supervisor needs to accept/dial sessions.
type Config struct {
	// ListenAddr is the local "host:port" to accept inbound connections
	// on. Empty disables the listener (dial-only operation).
	ListenAddr string

	MetadataFeed MetadataFeedFactory
	ContentFeed  drive.FeedFactory

	// Sources are the merged discovery streams driving outbound dials.
	Sources []<-chan Event

	HandshakeTimeout  time.Duration
	InactivityTimeout time.Duration
	MaxFrameSize      uint64
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
}

// Supervisor is spec.md §4.5's peer-session supervisor.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	connected *set.Set

	filter *bloomfilter.Filter

	wg sync.WaitGroup

	listenAddr net.Addr
	listening  chan struct{} // closed once listenAddr is set
}

// New validates cfg and prepares a Supervisor; call Run to start
// accepting/dialing.
func New(cfg Config) (*Supervisor, error) {
	cfg.setDefaults()
	if cfg.MetadataFeed == nil {
		return nil, errors.New("supervisor: MetadataFeed factory is required")
	}
	if cfg.ContentFeed == nil {
		return nil, errors.New("supervisor: ContentFeed factory is required")
	}
	f, err := bloomfilter.NewOptimal(bloomExpectedAddrs, bloomFalsePositives)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: build dedup filter")
	}
	return &Supervisor{cfg: cfg, connected: set.New(), filter: f, listening: make(chan struct{})}, nil
}

// Addr blocks until Run has bound its listener (or ctx is done) and
// returns its actual address — useful for tests and for binding to an
// ephemeral port ("host:0"). Returns nil if ListenAddr was empty.
func (s *Supervisor) Addr(ctx context.Context) net.Addr {
	if s.cfg.ListenAddr == "" {
		return nil
	}
	select {
	case <-s.listening:
		return s.listenAddr
	case <-ctx.Done():
		return nil
	}
}

// Run accepts inbound connections (if ListenAddr is set) and dials
// outbound ones named by discovery events, until ctx is cancelled. It
// returns once every spawned session has finished.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var listener net.Listener
	if s.cfg.ListenAddr != "" {
		l, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "supervisor: listen")
		}
		listener = l
		s.listenAddr = l.Addr()
		close(s.listening)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ctx, listener)
		}()
	}

	events := merge(s.cfg.Sources...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dialLoop(ctx, events)
	}()

	<-ctx.Done()
	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "err", err)
			return
		}
		addr := socketAddrOf(conn.RemoteAddr())
		if !s.claim(addr) {
			logger.Debug("dropping duplicate inbound connection", "addr", addr)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release(addr)
			s.runSession(ctx, conn, addr)
		}()
	}
}

func (s *Supervisor) dialLoop(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.shouldDial(ev.Addr) {
				continue
			}
			if !s.claim(ev.Addr) {
				continue
			}
			s.wg.Add(1)
			go func(addr SocketAddr) {
				defer s.wg.Done()
				defer s.release(addr)
				s.dialAndRun(ctx, addr)
			}(ev.Addr)
		}
	}
}

// shouldDial applies the two-tier dedup check (spec.md §4.5 /
// SPEC_FULL.md §4.5): a bloom-filter pre-check ahead of the exact
// connected-address set. An address the filter has never seen (claim adds
// every claimed address to it) is dialled without taking the exact set's
// lock; an address it may have seen is checked against the exact set under
// the lock. The bloom filter can false-positive (says "maybe seen"
// when it hasn't); when unsure we always fall through to the exact check
// rather than guessing, so this never causes a missed connection.
func (s *Supervisor) shouldDial(addr SocketAddr) bool {
	h := fnv.New64a()
	h.Write([]byte(addr))
	if !s.filter.Contains(h) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.connected.Has(string(addr))
}

// claim atomically adds addr to the connected set if absent, returning
// whether it was newly added (spec.md §4.5's "whichever side connects
// first wins").
func (s *Supervisor) claim(addr SocketAddr) bool {
	h := fnv.New64a()
	h.Write([]byte(addr))
	s.filter.Add(h)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected.Has(string(addr)) {
		return false
	}
	s.connected.Add(string(addr))
	return true
}

func (s *Supervisor) release(addr SocketAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected.Remove(string(addr))
}

func (s *Supervisor) dialAndRun(ctx context.Context, addr SocketAddr) {
	dialer := net.Dialer{Timeout: s.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", string(addr))
	if err != nil {
		logger.Debug("dial failed", "addr", addr, "err", err)
		return
	}
	s.runSession(ctx, conn, addr)
}

// runSession wraps conn as a framed cipher stream, attaches a drive
// orchestrator, and runs it to completion (spec.md §4.5). Both the
// listener and the dialer funnel through here; the initiator/responder
// asymmetry is resolved inside replicator.Replicator's Handshaking step,
// not here.
func (s *Supervisor) runSession(ctx context.Context, conn net.Conn, addr SocketAddr) {
	defer conn.Close()

	activeSessions.Inc()
	defer activeSessions.Dec()

	metadataFeed, err := s.cfg.MetadataFeed(addr)
	if err != nil {
		logger.Warn("open metadata feed failed", "addr", addr, "err", err)
		return
	}

	dc := newDeadlineConn(conn, s.cfg.HandshakeTimeout)
	stream := wire.NewStream(dc, s.cfg.MaxFrameSize)
	mux := wire.NewMultiplexer(stream)
	d := drive.New(mux, metadataFeed, s.cfg.ContentFeed)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.Ready():
			dc.setTimeout(s.cfg.InactivityTimeout)
		case <-sessCtx.Done():
		}
	}()

	muxErrCh := make(chan error, 1)
	go func() { muxErrCh <- mux.Run() }()

	driveErr := d.Run(sessCtx)
	cancel()
	// Unblock mux.Run's read loop before waiting on it: the deferred
	// conn.Close runs too late (after this function returns), and the
	// peer may otherwise keep the connection open indefinitely after
	// the drive itself is done with it.
	conn.Close()
	if muxErr := <-muxErrCh; muxErr != nil && driveErr == nil {
		driveErr = muxErr
	}
	if driveErr != nil && errors.Cause(driveErr) != context.Canceled {
		logger.Debug("session ended", "addr", addr, "err", driveErr)
	} else {
		logger.Debug("session ended", "addr", addr)
	}
}
