package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message type tags, the bare protocol integers of spec.md §4.2. Tags
// above TypeClose are reserved for forward compatibility: the multiplexer
// routes them by channel like any other frame, and the replicator logs and
// drops them rather than failing the session.
const (
	TypeOpen      uint8 = 0 // Feed/Open
	TypeHandshake uint8 = 1
	TypeOptions   uint8 = 2 // Info/Options/Status
	TypeHave      uint8 = 3
	TypeUnhave    uint8 = 4
	TypeWant      uint8 = 5
	TypeUnwant    uint8 = 6
	TypeRequest   uint8 = 7
	TypeCancel    uint8 = 8
	TypeData      uint8 = 9
	TypeClose     uint8 = 10
)

// TypeName returns a human-readable label for a message tag, used in logs.
func TypeName(t uint8) string {
	switch t {
	case TypeOpen:
		return "Open"
	case TypeHandshake:
		return "Handshake"
	case TypeOptions:
		return "Options"
	case TypeHave:
		return "Have"
	case TypeUnhave:
		return "Unhave"
	case TypeWant:
		return "Want"
	case TypeUnwant:
		return "Unwant"
	case TypeRequest:
		return "Request"
	case TypeCancel:
		return "Cancel"
	case TypeData:
		return "Data"
	case TypeClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// Field numbers below are arbitrary-but-fixed; they define this
// implementation's concrete protobuf wire schema for the contractual field
// names of spec.md §6 (no .proto file is compiled -- see DESIGN.md's `wire`
// entry for why protowire's primitives are used directly).
const (
	fieldOpenDiscoveryKey = 1
	fieldOpenNonce        = 2

	fieldHandshakeID   = 1
	fieldHandshakeLive = 2
	fieldHandshakeAck  = 3

	fieldHaveStart    = 1
	fieldHaveLength   = 2
	fieldHaveBitfield = 3

	fieldRangeStart  = 1
	fieldRangeLength = 2

	fieldRequestIndex = 1
	fieldRequestBytes = 2
	fieldRequestHash  = 3
	fieldRequestNodes = 4

	fieldCancelIndex = 1
	fieldCancelBytes = 2
	fieldCancelHash  = 3

	fieldDataIndex     = 1
	fieldDataValue     = 2
	fieldDataNodes     = 3
	fieldDataSignature = 4

	fieldMerkleNodeIndex = 1
	fieldMerkleNodeHash  = 2
	fieldMerkleNodeSize  = 3

	fieldCloseDiscoveryKey = 1
)

// OpenMessage is the Feed/Open message (spec.md §6): "I am opening a
// channel to the feed with this DK; here is my nonce."
type OpenMessage struct {
	DiscoveryKey [32]byte
	Nonce        [24]byte
}

func (m OpenMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOpenDiscoveryKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DiscoveryKey[:])
	b = protowire.AppendTag(b, fieldOpenNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Nonce[:])
	return b
}

func UnmarshalOpen(data []byte) (OpenMessage, error) {
	var m OpenMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldOpenDiscoveryKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Open.discoveryKey")
			}
			if len(v) != 32 {
				return nil, errors.New("Open.discoveryKey must be 32 bytes")
			}
			copy(m.DiscoveryKey[:], v)
			return b[n:], nil
		case fieldOpenNonce:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Open.nonce")
			}
			if len(v) != 24 {
				return nil, errors.New("Open.nonce must be 24 bytes")
			}
			copy(m.Nonce[:], v)
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// HandshakeMessage carries the per-session random peer id and liveness
// flags (spec.md §6).
type HandshakeMessage struct {
	ID   [32]byte
	Live bool
	Ack  bool
}

func (m HandshakeMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHandshakeID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ID[:])
	b = protowire.AppendTag(b, fieldHandshakeLive, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(m.Live))
	b = protowire.AppendTag(b, fieldHandshakeAck, protowire.VarintType)
	b = protowire.AppendVarint(b, boolVarint(m.Ack))
	return b
}

func UnmarshalHandshake(data []byte) (HandshakeMessage, error) {
	var m HandshakeMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldHandshakeID:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != 32 {
				return nil, errors.New("malformed Handshake.id")
			}
			copy(m.ID[:], v)
			return b[n:], nil
		case fieldHandshakeLive:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Handshake.live")
			}
			m.Live = v != 0
			return b[n:], nil
		case fieldHandshakeAck:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Handshake.ack")
			}
			m.Ack = v != 0
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// HaveMessage: "I have block N [or a run-length-encoded bitfield starting
// at N]" (spec.md §6). Length defaults to 1 when no bitfield is present.
type HaveMessage struct {
	Start    uint64
	Length   uint64
	Bitfield []byte // nil when absent
}

func (m HaveMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHaveStart, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Start)
	b = protowire.AppendTag(b, fieldHaveLength, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Length)
	if m.Bitfield != nil {
		b = protowire.AppendTag(b, fieldHaveBitfield, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Bitfield)
	}
	return b
}

func UnmarshalHave(data []byte) (HaveMessage, error) {
	m := HaveMessage{Length: 1}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldHaveStart:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Have.start")
			}
			m.Start = v
			return b[n:], nil
		case fieldHaveLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Have.length")
			}
			m.Length = v
			return b[n:], nil
		case fieldHaveBitfield:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Have.bitfield")
			}
			m.Bitfield = append([]byte(nil), v...)
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// RangeMessage is the shared shape of Want/Unwant/Unhave: a half-open
// [start, start+length) range, length 0 meaning "to the end" / wildcard
// (spec.md §6, §9).
type RangeMessage struct {
	Start  uint64
	Length uint64
}

func (m RangeMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRangeStart, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Start)
	b = protowire.AppendTag(b, fieldRangeLength, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Length)
	return b
}

func UnmarshalRange(data []byte) (RangeMessage, error) {
	var m RangeMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldRangeStart:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed range.start")
			}
			m.Start = v
			return b[n:], nil
		case fieldRangeLength:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed range.length")
			}
			m.Length = v
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// RequestMessage: "Send me block N" with optional hints (spec.md §6).
type RequestMessage struct {
	Index uint64
	Bytes *uint64
	Hash  *bool
	Nodes *uint64
}

func (m RequestMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRequestIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Index)
	if m.Bytes != nil {
		b = protowire.AppendTag(b, fieldRequestBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Bytes)
	}
	if m.Hash != nil {
		b = protowire.AppendTag(b, fieldRequestHash, protowire.VarintType)
		b = protowire.AppendVarint(b, boolVarint(*m.Hash))
	}
	if m.Nodes != nil {
		b = protowire.AppendTag(b, fieldRequestNodes, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Nodes)
	}
	return b
}

func UnmarshalRequest(data []byte) (RequestMessage, error) {
	var m RequestMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldRequestIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Request.index")
			}
			m.Index = v
			return b[n:], nil
		case fieldRequestBytes:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Request.bytes")
			}
			m.Bytes = &v
			return b[n:], nil
		case fieldRequestHash:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Request.hash")
			}
			h := v != 0
			m.Hash = &h
			return b[n:], nil
		case fieldRequestNodes:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Request.nodes")
			}
			m.Nodes = &v
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// CancelMessage withdraws a prior Request (spec.md §6).
type CancelMessage struct {
	Index uint64
	Bytes *uint64
	Hash  *bool
}

func (m CancelMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCancelIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Index)
	if m.Bytes != nil {
		b = protowire.AppendTag(b, fieldCancelBytes, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Bytes)
	}
	if m.Hash != nil {
		b = protowire.AppendTag(b, fieldCancelHash, protowire.VarintType)
		b = protowire.AppendVarint(b, boolVarint(*m.Hash))
	}
	return b
}

func UnmarshalCancel(data []byte) (CancelMessage, error) {
	var m CancelMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldCancelIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Cancel.index")
			}
			m.Index = v
			return b[n:], nil
		case fieldCancelBytes:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Cancel.bytes")
			}
			m.Bytes = &v
			return b[n:], nil
		case fieldCancelHash:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Cancel.hash")
			}
			h := v != 0
			m.Hash = &h
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// DataNode is one Merkle sibling carried in a Data message (spec.md §6).
type DataNode struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

// DataMessage carries a block and its Merkle proof (spec.md §6).
type DataMessage struct {
	Index     uint64
	Value     []byte
	Nodes     []DataNode
	Signature []byte
}

func (m DataMessage) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDataIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Index)
	if m.Value != nil {
		b = protowire.AppendTag(b, fieldDataValue, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Value)
	}
	for _, node := range m.Nodes {
		b = protowire.AppendTag(b, fieldDataNodes, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalDataNode(node))
	}
	if m.Signature != nil {
		b = protowire.AppendTag(b, fieldDataSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Signature)
	}
	return b
}

func marshalDataNode(n DataNode) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMerkleNodeIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, n.Index)
	b = protowire.AppendTag(b, fieldMerkleNodeHash, protowire.BytesType)
	b = protowire.AppendBytes(b, n.Hash)
	b = protowire.AppendTag(b, fieldMerkleNodeSize, protowire.VarintType)
	b = protowire.AppendVarint(b, n.Size)
	return b
}

func unmarshalDataNode(data []byte) (DataNode, error) {
	var n DataNode
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldMerkleNodeIndex:
			v, sz := protowire.ConsumeVarint(b)
			if sz < 0 {
				return nil, errors.New("malformed node.index")
			}
			n.Index = v
			return b[sz:], nil
		case fieldMerkleNodeHash:
			v, sz := protowire.ConsumeBytes(b)
			if sz < 0 {
				return nil, errors.New("malformed node.hash")
			}
			n.Hash = append([]byte(nil), v...)
			return b[sz:], nil
		case fieldMerkleNodeSize:
			v, sz := protowire.ConsumeVarint(b)
			if sz < 0 {
				return nil, errors.New("malformed node.size")
			}
			n.Size = v
			return b[sz:], nil
		default:
			return skipField(b, typ)
		}
	})
	return n, err
}

func UnmarshalData(data []byte) (DataMessage, error) {
	var m DataMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldDataIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.New("malformed Data.index")
			}
			m.Index = v
			return b[n:], nil
		case fieldDataValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Data.value")
			}
			m.Value = append([]byte(nil), v...)
			return b[n:], nil
		case fieldDataNodes:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Data.nodes")
			}
			node, err := unmarshalDataNode(v)
			if err != nil {
				return nil, err
			}
			m.Nodes = append(m.Nodes, node)
			return b[n:], nil
		case fieldDataSignature:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Data.signature")
			}
			m.Signature = append([]byte(nil), v...)
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

// CloseMessage: "I am done with this channel" (spec.md §6).
type CloseMessage struct {
	DiscoveryKey []byte // optional, nil when absent
}

func (m CloseMessage) Marshal() []byte {
	if m.DiscoveryKey == nil {
		return nil
	}
	var b []byte
	b = protowire.AppendTag(b, fieldCloseDiscoveryKey, protowire.BytesType)
	b = protowire.AppendBytes(b, m.DiscoveryKey)
	return b
}

func UnmarshalClose(data []byte) (CloseMessage, error) {
	var m CloseMessage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		switch num {
		case fieldCloseDiscoveryKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.New("malformed Close.discoveryKey")
			}
			m.DiscoveryKey = append([]byte(nil), v...)
			return b[n:], nil
		default:
			return skipField(b, typ)
		}
	})
	return m, err
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// walkFields drives a protowire field-by-field scan, handing each
// (number, type, remaining-bytes-starting-at-the-value) to fn, which must
// return the bytes remaining after consuming its field. Unknown field
// numbers are skipped via skipField so new optional fields can be added
// without breaking old decoders, the same forward-compatibility the
// multiplexer extends to unknown message tags.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.New("malformed field tag")
		}
		data = data[n:]
		rest, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		data = rest
	}
	return nil
}

func skipField(data []byte, typ protowire.Type) ([]byte, error) {
	n := protowire.ConsumeFieldValue(0, typ, data)
	if n < 0 {
		return nil, errors.New("malformed unknown field")
	}
	return data[n:], nil
}
