// Package mdns implements spec.md §4.6's local-network discovery service:
// a multicast-DNS announcer and locator exchanging SRV/TXT/A records for
// `<hex(topic)[..40]>.hyperswarm.local` over 224.0.0.251:5353. Grounded on
// the teacher's existing requirement of both `golang.org/x/net` (here its
// `dns/dnsmessage` wire-format subpackage, instead of a hand-rolled DNS
// parser) and `golang.org/x/sys` (here `unix.SetsockoptInt` for the
// SO_REUSEADDR/SO_REUSEPORT options spec.md requires on the announce/
// locate socket).
package mdns

import (
	"context"
	"encoding/hex"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/feedmesh/feedmesh/log"
)

var logger = log.NewModuleLogger(log.ModuleMDNS)

const (
	multicastAddr = "224.0.0.251:5353"
	domainSuffix  = ".hyperswarm.local"
	lookupDefault = 10 * time.Second // spec.md §4.6: "Periodically (default 10s)"
)

// Topic is the 32-byte discovery key a feed is announced/located under.
type Topic [32]byte

func (t Topic) domain() string {
	return hex.EncodeToString(t[:])[:40] + domainSuffix
}

// Event is one discovered peer (spec.md §4.6's locator output).
type Event struct {
	Topic Topic
	Addr  *net.UDPAddr
}

// selfID is this process's random self-identifier, placed in every
// announce response's TXT record so the locator can discard its own
// echoes (spec.md §4.6: "responses whose TXT equals the local
// self-identifier are discarded").
func newSelfID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", errors.Wrap(err, "mdns: generate self identifier")
	}
	return strings.ReplaceAll(id, "-", ""), nil
}

// socket wraps the shared multicast UDP connection both Locator and
// Announcer send/receive on, with SO_REUSEADDR/SO_REUSEPORT set so
// multiple local processes (and multiple Announcer/Locator instances
// within one process) can share the port, as spec.md §4.6 requires.
type socket struct {
	pconn *ipv4.PacketConn
	group *net.UDPAddr

	selfID string

	closeOnce sync.Once
	closeErr  error
}

func newSocket() (*socket, error) {
	group, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		return nil, errors.Wrap(err, "mdns: resolve multicast group")
	}
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctlErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					ctlErr = err
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					ctlErr = err
					return
				}
			})
			if err != nil {
				return err
			}
			return ctlErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":5353")
	if err != nil {
		return nil, errors.Wrap(err, "mdns: listen multicast port")
	}
	pconn := ipv4.NewPacketConn(pc)
	if err := pconn.JoinGroup(nil, group); err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "mdns: join multicast group")
	}

	selfID, err := newSelfID()
	if err != nil {
		pconn.Close()
		return nil, err
	}
	return &socket{pconn: pconn, group: group, selfID: selfID}, nil
}

func (s *socket) close() error {
	s.closeOnce.Do(func() { s.closeErr = s.pconn.Close() })
	return s.closeErr
}

func (s *socket) writeTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.pconn.WriteTo(b, nil, addr)
	return err
}
