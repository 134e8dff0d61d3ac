package drive

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// IndexRecordType is the only `type` value this implementation produces or
// expects in metadata block 0 (spec.md §4.4, §8 scenario S1: `{type:
// "hyperdrive", content: <PK_c>}`).
const IndexRecordType = "hyperdrive"

const (
	fieldIndexRecordType    = 1
	fieldIndexRecordContent = 2
)

// IndexRecord is metadata block 0: the record naming the paired content
// feed. Its wire shape is grounded on the original implementation's
// `schema.proto` `Index` message (required string `type`, optional bytes
// `content`) -- see original_source/colmeia-hyperdrive/src/schema.rs --
// re-expressed with this repository's hand-written protowire codec instead
// of generated rust-protobuf bindings.
type IndexRecord struct {
	Type    string
	Content []byte // the content feed's 32-byte public key
}

func (m IndexRecord) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldIndexRecordType, protowire.BytesType)
	b = protowire.AppendString(b, m.Type)
	if m.Content != nil {
		b = protowire.AppendTag(b, fieldIndexRecordContent, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Content)
	}
	return b
}

func UnmarshalIndexRecord(data []byte) (IndexRecord, error) {
	var m IndexRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, errors.New("drive: malformed index record field tag")
		}
		data = data[n:]
		switch num {
		case fieldIndexRecordType:
			v, sz := protowire.ConsumeString(data)
			if sz < 0 {
				return m, errors.New("drive: malformed index record type")
			}
			m.Type = v
			data = data[sz:]
		case fieldIndexRecordContent:
			v, sz := protowire.ConsumeBytes(data)
			if sz < 0 {
				return m, errors.New("drive: malformed index record content")
			}
			m.Content = append([]byte(nil), v...)
			data = data[sz:]
		default:
			sz := protowire.ConsumeFieldValue(num, typ, data)
			if sz < 0 {
				return m, errors.New("drive: malformed index record unknown field")
			}
			data = data[sz:]
		}
	}
	if m.Type == "" {
		return m, errors.New("drive: index record missing required type field")
	}
	return m, nil
}
