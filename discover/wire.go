package discover

import (
	"net"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire message kinds for the UDP transport, hand-encoded with protowire
// the same way wire/messages.go encodes the replication protocol's
// frames -- this repository never uses protoc-generated bindings.
const (
	kindPing        = 0
	kindPong        = 1
	kindFindNode    = 2
	kindNodes       = 3
	kindAnnounce    = 4
	kindAnnounceAck = 5
	kindGetPeers    = 6
	kindPeers       = 7
)

// Every field number below is unique across the whole packet struct, not
// just within one kind, so unmarshalPacket never needs to branch on kind
// to know what a field number means.
const (
	fieldReqID     = 1
	fieldSenderID  = 2
	fieldTarget    = 3
	fieldTopic     = 4
	fieldPort      = 5
	fieldNodeEntry = 6
	fieldPeerEntry = 7
	fieldCloser    = 8

	fieldNodeID   = 1
	fieldNodeIP   = 2
	fieldNodePort = 3

	fieldPeerIP   = 1
	fieldPeerPort = 2
)

type packet struct {
	kind   byte
	reqID  uint64
	sender NodeID

	target NodeID
	topic  Topic
	port   uint16
	nodes  []*Node // kindNodes: discovered nodes. kindPeers: "closer" routing hints.
	peers  []PeerRecord
}

func encodeNode(field protowire.Number, b []byte, n *Node) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldNodeID, protowire.BytesType)
	inner = protowire.AppendBytes(inner, n.ID[:])
	inner = protowire.AppendTag(inner, fieldNodeIP, protowire.BytesType)
	inner = protowire.AppendBytes(inner, n.Addr.IP)
	inner = protowire.AppendTag(inner, fieldNodePort, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(n.Addr.Port))
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func decodeNode(data []byte) (*Node, error) {
	n := &Node{Addr: &net.UDPAddr{}}
	for len(data) > 0 {
		num, typ, sz := protowire.ConsumeTag(data)
		if sz < 0 {
			return nil, errors.New("discover: malformed node field tag")
		}
		data = data[sz:]
		switch num {
		case fieldNodeID:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return nil, errors.New("discover: malformed node id")
			}
			copy(n.ID[:], v)
			data = data[n2:]
		case fieldNodeIP:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return nil, errors.New("discover: malformed node ip")
			}
			n.Addr.IP = append(net.IP(nil), v...)
			data = data[n2:]
		case fieldNodePort:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return nil, errors.New("discover: malformed node port")
			}
			n.Addr.Port = int(v)
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return nil, errors.New("discover: malformed node unknown field")
			}
			data = data[n2:]
		}
	}
	return n, nil
}

func encodePeer(b []byte, r PeerRecord) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldPeerIP, protowire.BytesType)
	inner = protowire.AppendBytes(inner, r.Addr.IP)
	inner = protowire.AppendTag(inner, fieldPeerPort, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(r.Port))
	b = protowire.AppendTag(b, fieldPeerEntry, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func decodePeer(data []byte) (PeerRecord, error) {
	r := PeerRecord{Addr: &net.UDPAddr{}}
	for len(data) > 0 {
		num, typ, sz := protowire.ConsumeTag(data)
		if sz < 0 {
			return r, errors.New("discover: malformed peer field tag")
		}
		data = data[sz:]
		switch num {
		case fieldPeerIP:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return r, errors.New("discover: malformed peer ip")
			}
			r.Addr.IP = append(net.IP(nil), v...)
			data = data[n2:]
		case fieldPeerPort:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return r, errors.New("discover: malformed peer port")
			}
			r.Port = uint16(v)
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return r, errors.New("discover: malformed peer unknown field")
			}
			data = data[n2:]
		}
	}
	return r, nil
}

func (p packet) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
	b = protowire.AppendVarint(b, p.reqID)
	b = protowire.AppendTag(b, fieldSenderID, protowire.BytesType)
	b = protowire.AppendBytes(b, p.sender[:])

	switch p.kind {
	case kindFindNode:
		b = protowire.AppendTag(b, fieldTarget, protowire.BytesType)
		b = protowire.AppendBytes(b, p.target[:])
	case kindNodes:
		for _, n := range p.nodes {
			b = encodeNode(fieldNodeEntry, b, n)
		}
	case kindAnnounce:
		b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
		b = protowire.AppendBytes(b, p.topic[:])
		b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.port))
	case kindGetPeers:
		b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
		b = protowire.AppendBytes(b, p.topic[:])
	case kindPeers:
		for _, r := range p.peers {
			b = encodePeer(b, r)
		}
		for _, n := range p.nodes {
			b = encodeNode(fieldCloser, b, n)
		}
	}
	return b
}

func unmarshalPacket(kind byte, data []byte) (packet, error) {
	p := packet{kind: kind}
	for len(data) > 0 {
		num, typ, sz := protowire.ConsumeTag(data)
		if sz < 0 {
			return p, errors.New("discover: malformed packet field tag")
		}
		data = data[sz:]
		switch num {
		case fieldReqID:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed reqID")
			}
			p.reqID = v
			data = data[n2:]
		case fieldSenderID:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed senderID")
			}
			copy(p.sender[:], v)
			data = data[n2:]
		case fieldTarget:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed target")
			}
			copy(p.target[:], v)
			data = data[n2:]
		case fieldTopic:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed topic")
			}
			copy(p.topic[:], v)
			data = data[n2:]
		case fieldPort:
			v, n2 := protowire.ConsumeVarint(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed port")
			}
			p.port = uint16(v)
			data = data[n2:]
		case fieldNodeEntry:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed node entry")
			}
			n, err := decodeNode(v)
			if err != nil {
				return p, err
			}
			p.nodes = append(p.nodes, n)
			data = data[n2:]
		case fieldPeerEntry:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed peer entry")
			}
			r, err := decodePeer(v)
			if err != nil {
				return p, err
			}
			p.peers = append(p.peers, r)
			data = data[n2:]
		case fieldCloser:
			v, n2 := protowire.ConsumeBytes(data)
			if n2 < 0 {
				return p, errors.New("discover: malformed closer node entry")
			}
			n, err := decodeNode(v)
			if err != nil {
				return p, err
			}
			p.nodes = append(p.nodes, n)
			data = data[n2:]
		default:
			n2 := protowire.ConsumeFieldValue(num, typ, data)
			if n2 < 0 {
				return p, errors.New("discover: malformed unknown field")
			}
			data = data[n2:]
		}
	}
	return p, nil
}
