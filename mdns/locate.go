package mdns

import (
	"context"
	"net"
	"time"
)

// Locator periodically queries for one topic's domain over the local
// multicast group and emits every non-self-echoed answer it hears back
// (spec.md §4.6); repeated answers from the same peer are not deduplicated.
type Locator struct {
	sock     *socket
	topic    Topic
	interval time.Duration
	events   chan Event
}

// NewLocator opens a fresh multicast socket and prepares to locate topic.
func NewLocator(topic Topic, interval time.Duration) (*Locator, error) {
	sock, err := newSocket()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = lookupDefault
	}
	return &Locator{sock: sock, topic: topic, interval: interval, events: make(chan Event, 32)}, nil
}

// Events returns the channel Run publishes discoveries on.
func (l *Locator) Events() <-chan Event { return l.events }

// Run sends periodic queries and relays answers until ctx is cancelled.
func (l *Locator) Run(ctx context.Context) {
	defer close(l.events)
	defer l.sock.close()

	go l.readLoop(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.query()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.query()
		}
	}
}

func (l *Locator) query() {
	msg, err := buildQuery(l.topic.domain())
	if err != nil {
		logger.Warn("build mdns query", "err", err)
		return
	}
	if err := l.sock.writeTo(msg, l.sock.group); err != nil {
		// Discovery transient (spec.md §7): logged, next tick proceeds.
		logger.Debug("send mdns query failed", "err", err)
	}
}

func (l *Locator) readLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	domain := l.topic.domain() + "."
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, src, err := l.sock.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		answer, ok := parseAnswer(buf[:n])
		if !ok || answer.domain != domain {
			continue
		}
		if answer.selfID == l.sock.selfID {
			continue // self-echo (spec.md §4.6)
		}
		srcAddr, _ := src.(*net.UDPAddr)
		ip := answer.target
		if (ip == nil || ip.IsUnspecified()) && srcAddr != nil {
			// SRV target "0.0.0.0." means "use the packet's source IP"
			// (spec.md §4.6).
			ip = srcAddr.IP
		}
		select {
		case l.events <- Event{Topic: l.topic, Addr: &net.UDPAddr{IP: ip, Port: int(answer.port)}}:
		default:
			logger.Debug("mdns event dropped, receiver too slow")
		}
	}
}
