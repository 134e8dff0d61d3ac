package discover

import (
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const udpTimeout = 2 * time.Second

// udpTransport is the real network implementation of table.go's `transport` interface,
// correlating requests to replies with a random reqID the way the
// teacher's UDP discovery transport correlates ping/pong by hash.
type udpTransport struct {
	conn net.PacketConn
	self NodeID
	port uint16

	table *Table // set after NewTable via bindTable, to serve inbound requests

	pendingMu sync.Mutex
	pending   map[uint64]chan packet

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newUDPTransport(conn net.PacketConn, self NodeID, port uint16) *udpTransport {
	u := &udpTransport{
		conn:    conn,
		self:    self,
		port:    port,
		pending: make(map[uint64]chan packet),
		closeCh: make(chan struct{}),
	}
	go u.readLoop()
	return u
}

// bindTable wires the transport to the table it serves inbound requests
// for; Table and its transport have a circular dependency resolved by
// two-phase construction (NewTable takes a transport, then the caller
// calls bindTable).
func (u *udpTransport) bindTable(t *Table) { u.table = t }

func (u *udpTransport) close() {
	u.closeOnce.Do(func() { close(u.closeCh); u.conn.Close() })
}

func randReqID() uint64 {
	var b [8]byte
	crand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (u *udpTransport) request(addr *net.UDPAddr, out packet) (packet, error) {
	out.reqID = randReqID()
	out.sender = u.self
	ch := make(chan packet, 1)
	u.pendingMu.Lock()
	u.pending[out.reqID] = ch
	u.pendingMu.Unlock()
	defer func() {
		u.pendingMu.Lock()
		delete(u.pending, out.reqID)
		u.pendingMu.Unlock()
	}()

	if _, err := u.conn.WriteTo(encodeFrame(out), addr); err != nil {
		return packet{}, errors.Wrap(err, "discover: udp write")
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(udpTimeout):
		return packet{}, errors.New("discover: udp request timed out")
	}
}

func encodeFrame(p packet) []byte {
	return append([]byte{p.kind}, p.marshal()...)
}

func (u *udpTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
				logger.Debug("udp read error", "err", err)
				return
			}
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok || n < 1 {
			continue
		}
		p, err := unmarshalPacket(buf[0], append([]byte(nil), buf[1:n]...))
		if err != nil {
			logger.Debug("dropping malformed discover packet", "from", addr, "err", err)
			continue
		}
		u.dispatch(udpAddr, p)
	}
}

func (u *udpTransport) dispatch(addr *net.UDPAddr, p packet) {
	switch p.kind {
	case kindPong, kindNodes, kindAnnounceAck, kindPeers:
		u.pendingMu.Lock()
		ch, ok := u.pending[p.reqID]
		u.pendingMu.Unlock()
		if ok {
			ch <- p
		}
		return
	}
	if u.table == nil {
		return
	}
	switch p.kind {
	case kindPing:
		u.reply(addr, packet{kind: kindPong, reqID: p.reqID, sender: u.self})
	case kindFindNode:
		closest := u.table.closest(p.target, bucketSize)
		u.reply(addr, packet{kind: kindNodes, reqID: p.reqID, sender: u.self, nodes: closest})
	case kindAnnounce:
		u.table.storeValue(p.topic, &net.UDPAddr{IP: addr.IP, Port: int(p.port)}, p.port)
		u.table.add(&Node{ID: p.sender, Addr: addr})
		u.reply(addr, packet{kind: kindAnnounceAck, reqID: p.reqID, sender: u.self})
	case kindGetPeers:
		peers := u.table.valuesFor(p.topic)
		closer := u.table.closest(TopicHash(p.topic), bucketSize)
		u.table.add(&Node{ID: p.sender, Addr: addr})
		u.reply(addr, packet{kind: kindPeers, reqID: p.reqID, sender: u.self, peers: peers, nodes: closer})
	}
}

func (u *udpTransport) reply(addr *net.UDPAddr, p packet) {
	if _, err := u.conn.WriteTo(encodeFrame(p), addr); err != nil {
		logger.Debug("udp reply failed", "to", addr, "err", err)
	}
}

// transport interface implementation (client-initiated requests).

func (u *udpTransport) ping(n *Node) error {
	_, err := u.request(n.Addr, packet{kind: kindPing})
	return err
}

func (u *udpTransport) findNode(n *Node, target NodeID) ([]*Node, error) {
	reply, err := u.request(n.Addr, packet{kind: kindFindNode, target: target})
	if err != nil {
		return nil, err
	}
	return reply.nodes, nil
}

func (u *udpTransport) announce(n *Node, topic Topic, port uint16) error {
	_, err := u.request(n.Addr, packet{kind: kindAnnounce, topic: topic, port: port})
	return err
}

func (u *udpTransport) getPeers(n *Node, topic Topic) ([]PeerRecord, []*Node, error) {
	reply, err := u.request(n.Addr, packet{kind: kindGetPeers, topic: topic})
	if err != nil {
		return nil, nil, err
	}
	return reply.peers, reply.nodes, nil
}
